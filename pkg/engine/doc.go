/*
Package engine holds the declarative catalog of compute engines.

An engine names a kind of job: the input files it must be staged with, the
output files it leaves behind, a spawn command template, and a run marker that
appears in a host's process table exactly while an instance is running. The
registry is built once from configuration and is immutable afterwards.

The registry also derives the aggregate liveness probe: a single shell command
chaining every engine's check_cmd, so that one round-trip to a host answers
"is anything running here" for the whole catalog. Run markers are validated
against each other at load time, since a marker contained in another would make
that probe ambiguous.
*/
package engine
