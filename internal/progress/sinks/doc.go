// Package sinks implements progress.Sink consumers: structured logging,
// Prometheus job metrics and the job-run history repository.
package sinks
