package event

import "context"

// Transaction marks a resource handle that must stay on the goroutine that
// opened it. Its presence in a context forces every stage onto the caller.
type Transaction struct {
	ID       string
	Resource any
}

type transactionKey struct{}

// WithTransaction binds tx to ctx.
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, transactionKey{}, tx)
}

// TransactionFrom returns the transaction bound to ctx, if any.
func TransactionFrom(ctx context.Context) (*Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(transactionKey{}).(*Transaction)
	return tx, ok && tx != nil
}
