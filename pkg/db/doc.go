// Package db opens the service's Postgres pool and applies its schema.
// One pool serves both the sync-record store and River's job tables, so
// health checks, shutdown, and connection limits are managed in a single
// place.
//
// Open parses the connection string, builds a pgxpool with retry on
// startup (databases routinely come up after the service in container
// environments), and optionally applies embedded goose migrations before
// returning. The pool is handed to the store and the job manager as-is.
package db
