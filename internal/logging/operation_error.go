package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// OperationError records which step of a classification failed and for which request.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and request it belongs to.
// A nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// ErrorFields returns the error plus, when err carries an OperationError, the
// innermost failing operation so log lines point at the step that broke.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		return fields
	}
	for {
		var inner *OperationError
		if !errors.As(opErr.Err, &inner) {
			break
		}
		opErr = inner
	}
	fields = append(fields, zap.String("failed_operation", opErr.Operation))
	if opErr.RequestID != "" {
		fields = append(fields, zap.String("failed_request_id", opErr.RequestID))
	}
	return fields
}
