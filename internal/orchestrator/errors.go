package orchestrator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Stage names the step of a trade that failed.
type Stage string

const (
	StageReservation Stage = "reservation"
	StageRouting     Stage = "routing"
	StageSubmission  Stage = "submission"
	StageSettlement  Stage = "settlement"
)

var (
	ErrInvalidOrder  = errors.New("invalid order")
	ErrTradeNotFound = errors.New("trade not found")
)

// InsufficientFundsError means the ledger could not cover the order
// notional. No broker was contacted.
type InsufficientFundsError struct {
	UserID    string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s", e.Required, e.Available)
}

// NoBrokerAvailableError means no connection could take the trade.
type NoBrokerAvailableError struct {
	UserID string
	Reason string
}

func (e *NoBrokerAvailableError) Error() string {
	return "no broker available: " + e.Reason
}

// TradeError wraps any failure of ExecuteTrade with the stage it happened
// in. Reconciliation starts from TradeID.
type TradeError struct {
	TradeID string
	Stage   Stage
	Err     error
}

func (e *TradeError) Error() string {
	return fmt.Sprintf("trade %s failed at %s: %v", e.TradeID, e.Stage, e.Err)
}

func (e *TradeError) Unwrap() error { return e.Err }

// StageOf returns the failed stage of err, or "" if err is not a
// *TradeError.
func StageOf(err error) Stage {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Stage
	}
	return ""
}

func IsInsufficientFunds(err error) bool {
	var e *InsufficientFundsError
	return errors.As(err, &e)
}

func IsNoBrokerAvailable(err error) bool {
	var e *NoBrokerAvailableError
	return errors.As(err, &e)
}
