package database

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

type transactionContextKey struct{}

type commitHooksContextKey struct{}

type commitHooks struct {
	mu    sync.Mutex
	hooks []func()
}

func (h *commitHooks) add(hook func()) {
	h.mu.Lock()
	h.hooks = append(h.hooks, hook)
	h.mu.Unlock()
}

func (h *commitHooks) run() {
	h.mu.Lock()
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// ContextWithTransaction binds an open transaction to ctx so that collaborators
// sharing the same handle run their statements inside it.
func ContextWithTransaction(ctx context.Context, transaction *gorm.DB) context.Context {
	if transaction == nil {
		return ctx
	}
	return context.WithValue(ctx, transactionContextKey{}, transaction)
}

// Conn returns the transaction bound to ctx, or db scoped to ctx when none is bound.
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if transaction, ok := ctx.Value(transactionContextKey{}).(*gorm.DB); ok && transaction != nil {
		return transaction
	}
	return db.WithContext(ctx)
}

// Transaction runs fn inside a transaction and passes it a context bound to
// that transaction. Hooks registered through AfterCommit run once the
// outermost Transaction commits; a rollback discards them. A Transaction
// nested in another joins it through a savepoint.
func Transaction(ctx context.Context, db *gorm.DB, fn func(txCtx context.Context, transaction *gorm.DB) error) error {
	if _, nested := ctx.Value(commitHooksContextKey{}).(*commitHooks); nested {
		return Conn(ctx, db).Transaction(func(transaction *gorm.DB) error {
			return fn(ContextWithTransaction(ctx, transaction), transaction)
		})
	}

	hooks := &commitHooks{}
	hookCtx := context.WithValue(ctx, commitHooksContextKey{}, hooks)
	err := Conn(ctx, db).Transaction(func(transaction *gorm.DB) error {
		return fn(ContextWithTransaction(hookCtx, transaction), transaction)
	})
	if err != nil {
		return err
	}
	hooks.run()
	return nil
}

// AfterCommit defers hook until the Transaction bound to ctx commits. Outside
// of a Transaction the hook runs immediately.
func AfterCommit(ctx context.Context, hook func()) {
	if hooks, ok := ctx.Value(commitHooksContextKey{}).(*commitHooks); ok {
		hooks.add(hook)
		return
	}
	hook()
}
