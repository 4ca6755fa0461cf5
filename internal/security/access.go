// Package security provides read-only access control for the control API and
// input and secret hygiene helpers.
package security

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// OperationType represents the type of operation.
type OperationType string

const (
	// Read operations
	OpRead OperationType = "READ"

	// Write operations (blocked in read-only mode)
	OpCreateGroup    OperationType = "CREATE_GROUP"
	OpConfigureGroup OperationType = "CONFIGURE_GROUP"
	OpActivateGroup  OperationType = "ACTIVATE_GROUP"
	OpDeactivate     OperationType = "DEACTIVATE_GROUP"
	OpDeleteGroup    OperationType = "DELETE_GROUP"
	OpCancelAll      OperationType = "CANCEL_ALL"
	OpReconnect      OperationType = "RECONNECT"
)

// ReadOnlyError is returned for a write operation in read-only mode.
type ReadOnlyError struct {
	Operation OperationType
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("operation %s blocked: read-only mode is enabled", e.Operation)
}

// AccessController gates write operations. A nil controller allows everything.
type AccessController struct {
	mu       sync.RWMutex
	readOnly bool
	logger   zerolog.Logger
}

// NewAccessController creates a new access controller.
func NewAccessController(readOnly bool, logger zerolog.Logger) *AccessController {
	return &AccessController{
		readOnly: readOnly,
		logger:   logger.With().Str("component", "access").Logger(),
	}
}

// IsReadOnly returns whether read-only mode is enabled.
func (ac *AccessController) IsReadOnly() bool {
	if ac == nil {
		return false
	}
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.readOnly
}

// SetReadOnly sets the read-only mode.
func (ac *AccessController) SetReadOnly(readOnly bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.readOnly = readOnly
}

// CheckPermission checks if an operation is allowed.
func (ac *AccessController) CheckPermission(op OperationType) error {
	if ac == nil || !IsWriteOperation(op) {
		return nil
	}
	ac.mu.RLock()
	readOnly := ac.readOnly
	ac.mu.RUnlock()
	if !readOnly {
		return nil
	}

	ac.logger.Warn().Str("operation", string(op)).Msg("Write blocked in read-only mode")
	return &ReadOnlyError{Operation: op}
}

// IsWriteOperation returns true if the operation changes groups, orders or
// the session.
func IsWriteOperation(op OperationType) bool {
	switch op {
	case OpCreateGroup, OpConfigureGroup, OpActivateGroup, OpDeactivate,
		OpDeleteGroup, OpCancelAll, OpReconnect:
		return true
	default:
		return false
	}
}

// OperationDescription returns a human-readable description of an operation.
func OperationDescription(op OperationType) string {
	switch op {
	case OpRead:
		return "Read data"
	case OpCreateGroup:
		return "Create group"
	case OpConfigureGroup:
		return "Change trail settings"
	case OpActivateGroup:
		return "Place exit order and start trailing"
	case OpDeactivate:
		return "Cancel exit orders"
	case OpDeleteGroup:
		return "Delete group"
	case OpCancelAll:
		return "Cancel every group's orders"
	case OpReconnect:
		return "Reconnect terminal session"
	default:
		return string(op)
	}
}
