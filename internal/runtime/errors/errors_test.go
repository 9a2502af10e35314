package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrFlowRequired", ErrFlowRequired, "flowdispatch: flow is required"},
		{"ErrStrategyRequired", ErrStrategyRequired, "flowdispatch: processing strategy is required"},
		{"ErrStageRequired", ErrStageRequired, "flowdispatch: stage is required"},
		{"ErrNotStarted", ErrNotStarted, "flowdispatch: processing strategy is not started"},
		{"ErrPoolSupplierFailed", ErrPoolSupplierFailed, "flowdispatch: worker pool supplier failed"},
		{"ErrTopicRequired", ErrTopicRequired, "flowdispatch: topic is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil input", func(t *testing.T) {
		assert.NoError(t, NewConfigValidationError(nil))
	})

	t.Run("wraps inner", func(t *testing.T) {
		inner := errors.New("buffer size must be positive")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		require.ErrorAs(t, err, &cfgErr)
		assert.ErrorIs(t, err, inner)
		assert.Contains(t, err.Error(), "buffer size must be positive")
	})
}
