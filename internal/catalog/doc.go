// Package catalog defines the domain types, collaborator interfaces, error
// taxonomy and retry policy shared by the bulk-fetch engine: the queue, the
// worker, both scrapers, the job registry and the progress broadcaster.
package catalog
