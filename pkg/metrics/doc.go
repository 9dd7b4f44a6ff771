/*
Package metrics exposes Prometheus metrics and health endpoints for the
muster daemon.

Gauges track the running tasks and the node inventory by state; counters track
placements, harvests, spawn failures, and cloud allocations; a histogram
records tick duration. The daemon serves Handler() at /metrics and
HealthHandler() at /health.
*/
package metrics
