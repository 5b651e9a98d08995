package sqlutil

import "database/sql"

// Writer serialises database writes for engines that cannot take
// concurrent writers, which for this module means SQLite.
//
// Do runs the supplied function when it is safe to write, in one of
// three modes depending on which arguments are given:
//
//  1. Both `db` and `txn`: f() runs with the caller's transaction
//     passed straight through. Use this when a transaction is already
//     open.
//
//  2. Only `db`: a new transaction is opened around f() and committed
//     or rolled back when it returns. Use this to group several
//     queries.
//
//  3. Neither: f() runs with a nil txn and no transaction handling at
//     all, for a single statement that does not need one.
//
// Calling Do from inside f() on the same Writer deadlocks.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}
