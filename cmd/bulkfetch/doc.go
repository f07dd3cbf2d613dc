// Package main hosts the bulk-fetch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts jobs (an explicit brand map or every brand in the site
//     directory), reports status, details and aggregate stats, cancels and deletes jobs, and streams job
//     events over SSE. Callers are identified by the X-User-ID header; an optional X-API-Key guards /v1.
//   - Dispatcher & queue: internal/dispatcher creates a job in the registry and publishes one task per
//     brand onto the in-memory task queue. The queue runs one task at a time per queue name with a short
//     delay between tasks and retries handler errors with backoff before giving the task up.
//   - Worker: each brand task walks the brand listing pages, enriches every product from its detail page,
//     retries transient failures, and reports exactly one outcome to the job registry. Brands that
//     exhaust their retries are published to the dead-letter backend (memory, Redis list or Pub/Sub).
//   - Job state: the registry keeps jobs in the key-value store (memory or Redis) under one lock, derives
//     the terminal status from the success rate, and archives finished job snapshots to the configured
//     BlobStore (memory/local/GCS).
//   - Events: job events fan out to live SSE subscribers and, in batches, to log, Prometheus and
//     Postgres run-history sinks.
//
// Operational notes:
//   - Fetching goes through the Colly fetcher with a per-host token bucket, or through Chromedp when
//     headless.enabled is set.
//   - The HTTP server listens on server.port (overridable via PORT). On SIGTERM the readiness probe flips
//     to draining, in-flight requests finish, and the queue, event pipeline and backends are closed.
//
// Quick checklist:
//   - Configure env vars: BULKFETCH_SERVER_PORT or PORT, BULKFETCH_SITE_BASE_URL, BULKFETCH_KV_PROVIDER,
//     BULKFETCH_DEADLETTER_PROVIDER, BULKFETCH_ARCHIVE_PROVIDER and BULKFETCH_DB_DSN when persistence beyond
//     memory is required.
//   - Run locally: go run ./cmd/bulkfetch -config config.yaml (or rely solely on env overrides).
package main
