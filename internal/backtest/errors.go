package backtest

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyInput is returned when there is no price to simulate
	ErrEmptyInput = errors.New("no price data")
	// ErrInsolventAccount is returned when realized capital drops below zero
	ErrInsolventAccount = errors.New("account became insolvent")
	// ErrUnorderedInput is returned when timestamps are not strictly increasing
	ErrUnorderedInput = errors.New("price series is not strictly time-ascending")
	// ErrInvalidPrice is returned for a non-positive price
	ErrInvalidPrice = errors.New("price must be positive")
	// ErrAlreadyRunning is returned when Run is called on a busy engine
	ErrAlreadyRunning = errors.New("backtest is already running")
)

// InsolvencyError describes where the run went insolvent
type InsolvencyError struct {
	Timestamp time.Time
	Index     int
	Capital   float64
}

func (e *InsolvencyError) Error() string {
	return fmt.Sprintf("%v: capital %.0f at tick %d (%s)",
		ErrInsolventAccount, e.Capital, e.Index, e.Timestamp.Format("2006-01-02 15:04:05"))
}

// Unwrap lets errors.Is match ErrInsolventAccount
func (e *InsolvencyError) Unwrap() error {
	return ErrInsolventAccount
}

// InputError points at the offending tick of an invalid series
type InputError struct {
	Index int
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("tick %d: %v", e.Index, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}
