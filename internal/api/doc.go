// Package api is the thin HTTP adapter over the job dispatcher. Notable routes:
//   - POST /v1/jobs and /v1/jobs/all-brands start jobs; the caller is named by
//     the X-User-ID header.
//   - GET /v1/jobs/{job_id}/events streams job events as Server-Sent Events.
//   - GET /v1/runs serves the Postgres job-run history when configured.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
//
// Validation errors map to 400, ownership to 403, unknown ids to 404 and
// operations on finished jobs to 409.
package api
