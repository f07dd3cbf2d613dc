// Package postgres keeps the job run history table in Postgres through a pgx pool.
package postgres
