package sqlutil

import (
	"database/sql"
	"errors"

	"go.uber.org/atomic"
)

// ExclusiveWriter implements Writer by funnelling every write through
// a single goroutine, so writes queue instead of fighting over the
// SQLite lock.
type ExclusiveWriter struct {
	running atomic.Bool
	todo    chan writeTask
}

func NewExclusiveWriter() Writer {
	return &ExclusiveWriter{
		todo: make(chan writeTask),
	}
}

type writeTask struct {
	db   *sql.DB
	txn  *sql.Tx
	f    func(txn *sql.Tx) error
	wait chan error
}

// Do queues the write and blocks until it has run. The worker
// goroutine is started lazily on first use.
func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if w.todo == nil {
		return errors.New("not initialised")
	}
	if !w.running.Load() {
		go w.run()
	}
	task := writeTask{
		db:   db,
		txn:  txn,
		f:    f,
		wait: make(chan error, 1),
	}
	w.todo <- task
	return <-task.wait
}

// run drains the queue one task at a time, applying the transaction
// mode the task's arguments call for. At most one instance runs.
func (w *ExclusiveWriter) run() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)
	for task := range w.todo {
		switch {
		case task.txn != nil:
			task.wait <- task.f(task.txn)
		case task.db != nil:
			task.wait <- WithTransaction(task.db, func(txn *sql.Tx) error {
				return task.f(txn)
			})
		default:
			task.wait <- task.f(nil)
		}
		close(task.wait)
	}
}
