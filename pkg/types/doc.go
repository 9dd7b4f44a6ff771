/*
Package types defines the core data structures shared across muster.

It contains the task and node records persisted by the queue store, the engine
descriptor loaded from configuration, and the status and metadata constants the
scheduler relies on.

Task lifecycle:

	TO_DO → RUNNING → DONE

Transitions are monotonic. A task's ip column is set exactly when it enters
RUNNING, and its metadata is replaced with {remote_folder, local_folder} when
it enters DONE; the original input blobs are discarded at that point.

Node lifecycle:

	Provisioning (placeholder ip, disabled) → Online (real ip, enabled) → Retired

A placeholder ip contains no '.' and is excluded from the transport pool and
from scheduling until the cloud manager swaps in the real address.
*/
package types
