// Package store declares the repository contract for job-run history.
package store
