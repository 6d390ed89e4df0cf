// Package fault defines the error kinds the orchestrator distinguishes when
// deciding whether to restart a worker, record a failure, or stop the run.
package fault

import (
	"errors"
	"fmt"
)

// ConnectivityError means a worker lost its session. The supervisor treats it
// as a crash of the slot, not as a failure of the item in hand.
type ConnectivityError struct {
	Slot string
	Err  error
}

func (e *ConnectivityError) Error() string {
	if e.Slot == "" {
		return fmt.Sprintf("connectivity: %v", e.Err)
	}
	return fmt.Sprintf("connectivity on %s: %v", e.Slot, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// UnitOfWorkError is a failure specific to one table. It is recorded in the
// failure ledger and the worker moves on.
type UnitOfWorkError struct {
	Key string
	Err error
}

func (e *UnitOfWorkError) Error() string {
	return fmt.Sprintf("table %s: %v", e.Key, e.Err)
}

func (e *UnitOfWorkError) Unwrap() error { return e.Err }

// InvariantViolation aborts the run.
type InvariantViolation struct {
	What string
	Want int
	Got  int
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated: %s (want %d, got %d)", e.What, e.Want, e.Got)
}

// CapacityError reports an item that cannot fit in any batch under the
// configured budget.
type CapacityError struct {
	Key    string
	Weight uint64
	Budget uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("table %s weighs %d bytes, which does not fit the batch budget of %d bytes", e.Key, e.Weight, e.Budget)
}

// IsConnectivity reports whether err is (or wraps) a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsFatal reports whether err must stop the run.
func IsFatal(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// Cause flattens err into a single line for a ledger entry.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	b := []byte(err.Error())
	for i, c := range b {
		if c == '\n' || c == '\r' {
			b[i] = ' '
		}
	}
	return string(b)
}
