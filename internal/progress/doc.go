// Package progress carries task lifecycle events from the scheduler to
// pluggable sinks. Events are batched on a background goroutine so emitting
// never blocks the dispatch loop.
package progress
