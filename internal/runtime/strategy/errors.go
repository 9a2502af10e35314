package strategy

import (
	"errors"
	"fmt"

	errspkg "github.com/drblury/flowdispatch/internal/runtime/errors"
)

// ErrTransactionalExecutionUnsupported is returned when an event carrying a
// transaction reaches a strategy that would move it across goroutines.
var ErrTransactionalExecutionUnsupported = errors.New("flowdispatch: transactional execution unsupported")

func transactionalError(kind Kind) error {
	return fmt.Errorf("%w by %s processing strategy", ErrTransactionalExecutionUnsupported, kind)
}

func supplierError(l lane, err error) error {
	return fmt.Errorf("%w: %s: %w", errspkg.ErrPoolSupplierFailed, l, err)
}
