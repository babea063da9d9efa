package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("ledger: user not found")
	ErrAlreadyExists       = errors.New("ledger: user already exists")
	ErrInvalidArgument     = errors.New("ledger: invalid argument")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// InsufficientBalanceError carries the counts shown to the caller when a
// charge is refused.
type InsufficientBalanceError struct {
	Current  int
	Required int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: current %d, required %d", e.Current, e.Required)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }
