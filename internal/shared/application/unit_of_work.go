// Package application holds the transaction and event plumbing shared by the
// command handlers of every bounded context.
package application

import (
	"context"
	"log/slog"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

// UnitOfWork groups repository writes into one atomic transaction. The
// transaction travels in the context returned by Begin.
type UnitOfWork interface {
	Begin(ctx context.Context) (context.Context, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UnitOfWorkFunc is a function that executes within a unit of work.
type UnitOfWorkFunc func(ctx context.Context) error

// WithUnitOfWork runs fn inside a unit of work. fn's error is returned as is
// after rolling back, so callers still classify it with errors.Is. Begin and
// Commit failures are storage errors. A panic in fn rolls back and re-panics.
func WithUnitOfWork(ctx context.Context, uow UnitOfWork, fn UnitOfWorkFunc) (err error) {
	txCtx, err := uow.Begin(ctx)
	if err != nil {
		return domain.StorageError("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = uow.Rollback(txCtx)
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := uow.Rollback(txCtx); rbErr != nil {
			slog.WarnContext(ctx, "rollback failed", "error", rbErr, "cause", err)
		}
		return err
	}

	if err := uow.Commit(txCtx); err != nil {
		return domain.StorageError("commit transaction", err)
	}
	return nil
}
