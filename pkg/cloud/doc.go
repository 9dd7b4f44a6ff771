/*
Package cloud grows and shrinks the worker fleet through cloud providers.

The manager is a provider-agnostic façade over the Provider capability set
{Capacity, Provision, Teardown}. Allocation is non-blocking from the
scheduler's view: a placeholder node row whose key contains no '.' reserves
the slot immediately, and a background worker provisions the host, waits with
backoff until the fresh machine passes the SSH admission probe, then swaps the
real address into the row and enables it. The placeholder convention is what
lets the scheduler tell real workers from provisioning slots when it builds
the transport pool.

A pending-task reservation set keeps one TO_DO task from triggering a new
allocation on every tick while its host is still coming up.

Two backends are provided: EC2 instances through the AWS SDK and Nova servers
through gophercloud.
*/
package cloud
