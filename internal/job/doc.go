// Package job holds the JobRegistry: bulk-fetch job state persisted in a
// catalog.KVStore, the status state machine and the queries served to callers.
package job
