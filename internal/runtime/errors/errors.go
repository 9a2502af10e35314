package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrFlowRequired                = sterrors.New("flowdispatch: flow is required")
	ErrStrategyRequired            = sterrors.New("flowdispatch: processing strategy is required")
	ErrStageRequired               = sterrors.New("flowdispatch: stage is required")
	ErrEventRequired               = sterrors.New("flowdispatch: event is required")
	ErrNotStarted                  = sterrors.New("flowdispatch: processing strategy is not started")
	ErrStopped                     = sterrors.New("flowdispatch: processing strategy is stopped")
	ErrPoolSupplierFailed          = sterrors.New("flowdispatch: worker pool supplier failed")
	ErrConsumeMessageTypeRequired  = sterrors.New("flowdispatch: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("flowdispatch: consume message type must be a pointer")
	ErrSubscriberRequired          = sterrors.New("flowdispatch: subscriber is required")
	ErrTopicRequired               = sterrors.New("flowdispatch: topic is required")
	ErrConfigRequired              = sterrors.New("flowdispatch: configuration is required")
	ErrLoggerRequired              = sterrors.New("flowdispatch: logger is required")
)

// ConfigValidationError marks a configuration that failed validation.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("flowdispatch: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
