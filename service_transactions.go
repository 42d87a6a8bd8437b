package permkit

import (
	"context"
	"errors"
	"time"

	"github.com/fernandezvara/dbkit"
)

var errNoTransactionSupport = errors.New("transaction support requires a dbkit.DBKit or dbkit.Tx instance")

// Transaction executes fn within a database transaction with automatic commit/rollback.
// fn receives the transaction handle and must issue every query through it.
// If fn returns an error, the transaction is rolled back. Otherwise, it's committed.
// When the service already runs on a transaction a savepoint is used.
//
// Example:
//
//	err := service.Transaction(ctx, func(ctx context.Context, tx dbkit.IDB) error {
//	    _, err := tx.NewInsert().Model(&permkit.Permission{Name: "Invoices"}).Exec(ctx)
//	    return err // non-nil causes a rollback
//	})
func (s *Service) Transaction(ctx context.Context, fn func(ctx context.Context, tx dbkit.IDB) error) error {
	start := time.Now()
	var err error

	switch db := s.db.(type) {
	case *dbkit.Tx:
		err = db.Transaction(ctx, func(tx *dbkit.Tx) error {
			return fn(ctx, tx)
		})
	case *dbkit.DBKit:
		err = db.Transaction(ctx, func(tx *dbkit.Tx) error {
			return fn(ctx, tx)
		})
	default:
		err = errNoTransactionSupport
	}

	s.txMonitor.recordTransaction(time.Since(start), err)
	return err
}

// TransactionWithOptions executes fn within a database transaction with custom options.
// Options are ignored for nested transactions, which use a savepoint.
//
// Example:
//
//	err := service.TransactionWithOptions(ctx, dbkit.SerializableTxOptions(),
//	    func(ctx context.Context, tx dbkit.IDB) error {
//	        // high isolation level operations
//	        return nil
//	    })
func (s *Service) TransactionWithOptions(ctx context.Context, opts dbkit.TxOptions, fn func(ctx context.Context, tx dbkit.IDB) error) error {
	start := time.Now()
	var err error

	switch db := s.db.(type) {
	case *dbkit.Tx:
		err = db.Transaction(ctx, func(tx *dbkit.Tx) error {
			return fn(ctx, tx)
		})
	case *dbkit.DBKit:
		err = db.TransactionWithOptions(ctx, opts, func(tx *dbkit.Tx) error {
			return fn(ctx, tx)
		})
	default:
		err = errNoTransactionSupport
	}

	s.txMonitor.recordTransaction(time.Since(start), err)
	return err
}

// ReadOnlyTransaction executes fn within a read-only database transaction.
// Useful for reads that must observe one consistent state of the role graph.
func (s *Service) ReadOnlyTransaction(ctx context.Context, fn func(ctx context.Context, tx dbkit.IDB) error) error {
	return s.TransactionWithOptions(ctx, dbkit.ReadOnlyTxOptions(), fn)
}

// inTx runs fn in a transaction and turns unclassified failures into ErrStore.
// Errors already carrying a package sentinel pass through untouched.
func (s *Service) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx dbkit.IDB) error) error {
	err := s.Transaction(ctx, fn)
	if err == nil {
		return nil
	}
	var pkErr *Error
	if errors.As(err, &pkErr) {
		return err
	}
	return storeError(op, err)
}
