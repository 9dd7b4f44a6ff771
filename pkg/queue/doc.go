/*
Package queue implements the durable task queue and node inventory on
PostgreSQL.

Schema:

	tasks(task_id PK, label, metadata JSON, ip NULLABLE, status SMALLINT)
	nodes(ip PK, ncpus, enabled, cloud)

task_id is assigned monotonically by the store and returned from Submit.
Metadata is a JSON document; on submission it carries the engine name, the
stamped remote folder, and the literal content of every declared input file.
On completion it is replaced with just {remote_folder, local_folder}.

The store is the single source of truth for task and node state, which is what
lets a restarted daemon re-derive its decisions from the table. A task is
marked RUNNING only after its spawn on the worker succeeded, and DONE only
after its outputs were fetched.
*/
package queue
