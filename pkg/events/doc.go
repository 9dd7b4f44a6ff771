/*
Package events provides in-process pub/sub for scheduler events.

The scheduler publishes task and node lifecycle events through a buffered
broker; the daemon subscribes to log them. Slow subscribers are skipped rather
than blocking the loop.
*/
package events
