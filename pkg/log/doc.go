/*
Package log provides structured logging for muster using zerolog.

The package wraps zerolog behind a global logger initialized once at process
start, with child-logger helpers that stamp the originating component, node, or
task onto every line. Console output is the default; JSON output is selected
with the --log-json flag for production deployments.
*/
package log
