package autodiff

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrVarAlreadyExists = errors.New("variable is already instantiated")
	ErrDifferentGraphs  = errors.New("different graphs are used for an operation")
)

// VarAlreadyExistsError is returned when a key is registered twice on the same graph.
type VarAlreadyExistsError[K comparable] struct {
	Key K
}

// Error implements the error interface.
func (e *VarAlreadyExistsError[K]) Error() string {
	return fmt.Sprintf("variable %v is already instantiated", e.Key)
}

// Unwrap returns ErrVarAlreadyExists.
func (e *VarAlreadyExistsError[K]) Unwrap() error {
	return ErrVarAlreadyExists
}

// DifferentGraphsError is returned when an operation mixes results of two graphs.
type DifferentGraphsError struct {
	Op string // Operation that was attempted (e.g., "gradient accumulation")
}

// Error implements the error interface.
func (e *DifferentGraphsError) Error() string {
	return fmt.Sprintf("different graphs are used for an operation %q", e.Op)
}

// Unwrap returns ErrDifferentGraphs.
func (e *DifferentGraphsError) Unwrap() error {
	return ErrDifferentGraphs
}
