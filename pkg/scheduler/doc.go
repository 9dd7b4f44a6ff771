/*
Package scheduler drives the muster reconciliation loop.

One tick runs three phases in order, sharing only the in-memory chilling
counter between them:

	I.   Harvest — reconcile the transport pool against the node inventory,
	     probe every RUNNING task's host, and collect the tasks whose engine
	     no longer shows: fetch outputs, rewrite metadata, mark done.
	II.  Dispatch — pull pending tasks up to the budget of free nodes plus
	     cloud headroom; place each on a uniformly random free node, or ask
	     the cloud manager for capacity when none is free.
	III. Reclaim — count consecutive idle ticks per node and hand nodes that
	     reach the threshold to the cloud manager for retirement.

The loop is a single-threaded cooperative reconciler: harvest observes tasks
before dispatch places new ones, so a freed node is reusable within the same
tick, and reclaim sees the dispatch result, so freshly consumed nodes are not
counted idle. The queue store is the single source of truth; because spawns
are detached on the workers, a daemon restart loses nothing — RUNNING tasks
are rediscovered from the table and re-attached by probing.

Runtime errors inside a tick are logged and swallowed. Store errors abort the
remainder of the tick; the next interval re-derives everything.
*/
package scheduler
