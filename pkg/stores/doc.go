// Package stores keeps the deploy history of fnrelease in SQLite.
//
// Every apply is recorded as a Run with one Result row per endpoint and the
// telemetry events tracked while reporting it. The schema is embedded and
// applied with golang-migrate, so a fresh database only needs Init followed
// by Migrate:
//
//	store, err := stores.NewSQLiteStore(stores.Config{Path: "history.db"})
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
//	err = store.RecordSummary(ctx, summary, startedAt)
//
// Plans are never persisted. Only the results of applying them are.
package stores
