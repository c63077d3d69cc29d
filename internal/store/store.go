// Package store holds the repositories the engine uses to persist
// portfolios, grids, orders, alerts and scheduler leases. Each repository
// follows the teacher's shape (a struct over a database handle plus a
// zerolog.Logger, hand-written SQL, explicit scan helpers — see
// trader-go's internal/modules/trading/trade_repository.go) generalized to
// accept either *sql.DB or *sql.Tx, because the execution engine must run
// several repositories' worth of writes inside one transaction
// (spec.md §4.3) where the teacher's single-DB repositories never needed to.
package store

import "database/sql"

// DBTX is satisfied by both *sql.DB and *sql.Tx, letting every repository
// method run either standalone or inside the execution engine's transaction.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
