// Package stores persists stratum's durable state in SQLite or Postgres.
//
// SQLStore implements engine.StepStore and the storage side of the job
// ledger. It also holds resource records, workspaces, workspace policy
// attachments and the event audit log. The schema lives in embedded
// golang-migrate migrations that are portable across both dialects:
// timestamps are RFC 3339 text, booleans are 0/1 integers and nested
// values are JSON text. Queries are written with ? placeholders and
// rebound for Postgres.
//
// Every database failure is reported as a transient engine.EngineError
// with code STORAGE_UNAVAILABLE so the executor retries it instead of
// failing the workflow.
//
// Example:
//
//	store, err := stores.NewSQLStore(stores.Config{Dialect: stores.DialectSQLite, DSN: "stratum.db"})
//	if err != nil {
//		return err
//	}
//	if err := store.Init(ctx); err != nil {
//		return err
//	}
//	defer store.Close()
//	if err := store.Migrate(ctx); err != nil {
//		return err
//	}
package stores
