/*
Package transport maintains the pool of SSH sessions to worker hosts.

Sessions are keyed by ip and live across scheduler ticks; each tick the pool
is reconciled against the node inventory, closing sessions for rows that
disappeared and dialing rows that appeared. A host that refuses the dial still
occupies a pool slot as a broken entry, so operations against it fail loudly
until a later reconcile succeeds.

Staging writes the input blobs carried in task metadata into a freshly created
remote folder over SFTP, then launches the engine's spawn command wrapped in
nohup so the session returns while the job keeps running. Liveness is inferred
from the registry's aggregate probe: one command whose output contains an
engine's run marker exactly while that engine runs.
*/
package transport
