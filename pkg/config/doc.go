/*
Package config loads the muster daemon configuration from a single YAML file.

The file enumerates the queue database DSN, the remote-host credentials and
data directory, the local harvest directory, the scheduler loop constants
(sleep_interval, n_idle_passes), the engine catalog, and the enabled cloud
backends with their credentials. Missing values fall back to defaults at load
time; structural problems fail the load.
*/
package config
