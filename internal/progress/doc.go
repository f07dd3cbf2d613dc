// Package progress carries the per-job event stream: the typed Event union,
// the Broadcaster that fans events out to subscribed listeners, and the
// batching Hub that forwards the same events to observability sinks.
package progress
