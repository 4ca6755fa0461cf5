// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotConnected       = errors.New("not connected to terminal")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrReconnectFailed    = errors.New("reconnection failed")
	ErrTimeout            = errors.New("operation timed out")
	ErrRequestTimeout     = errors.New("terminal request timed out")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderRejected      = errors.New("order rejected")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrAllocationConflict = errors.New("allocation exceeds available quantity")
	ErrGroupNotFound      = errors.New("group not found")
	ErrGroupActive        = errors.New("group is active")
	ErrPositionNotFound   = errors.New("position not found")
	ErrNoQuote            = errors.New("no quote available")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDatabaseError      = errors.New("database error")
)

// BrokerError represents an error reported by the terminal.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID int
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%d] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%d] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID int, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// AllocationError reports a group allocation that exceeds the unallocated
// quantity of a position.
type AllocationError struct {
	ConID     int
	Requested int
	Available float64
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation conflict for conId %d: requested %d, available %g", e.ConID, e.Requested, e.Available)
}

func (e *AllocationError) Unwrap() error {
	return ErrAllocationConflict
}

// NewAllocationError creates a new AllocationError.
func NewAllocationError(conID, requested int, available float64) *AllocationError {
	return &AllocationError{
		ConID:     conID,
		Requested: requested,
		Available: available,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a data-related error, such as a malformed persisted
// record or an empty terminal response.
type DataError struct {
	DataType string
	Key      string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Key, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, key, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Key:      key,
		Message:  message,
		Err:      err,
	}
}
