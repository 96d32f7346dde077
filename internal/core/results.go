package core

// DispatchOutcome is the closed set of terminal outcomes for one signal.
// Outcomes are values, not errors: duplicate and risk-rejected signals are
// normal operation, not faults.
type DispatchOutcome string

const (
	OutcomeExecuted       DispatchOutcome = "executed"
	OutcomeDuplicate      DispatchOutcome = "duplicate"
	OutcomeLockDenied     DispatchOutcome = "lock_denied"
	OutcomeRiskRejected   DispatchOutcome = "risk_rejected"
	OutcomeExchangeFailed DispatchOutcome = "exchange_failed"
	OutcomeInvalid        DispatchOutcome = "invalid"
)

// DispatchResult is the public contract of Dispatcher.Dispatch
type DispatchResult struct {
	Outcome DispatchOutcome
	OrderID string // set when Outcome == executed
	Reason  string // set for risk_rejected, exchange_failed, invalid
}

func Executed(orderID string) DispatchResult {
	return DispatchResult{Outcome: OutcomeExecuted, OrderID: orderID}
}

func Duplicate() DispatchResult {
	return DispatchResult{Outcome: OutcomeDuplicate}
}

func LockDenied() DispatchResult {
	return DispatchResult{Outcome: OutcomeLockDenied}
}

func RiskRejected(reason string) DispatchResult {
	return DispatchResult{Outcome: OutcomeRiskRejected, Reason: reason}
}

func ExchangeFailed(reason string) DispatchResult {
	return DispatchResult{Outcome: OutcomeExchangeFailed, Reason: reason}
}

func Invalid(reason string) DispatchResult {
	return DispatchResult{Outcome: OutcomeInvalid, Reason: reason}
}

// PlaceStatus classifies the result of a gateway place call
type PlaceStatus int

const (
	PlaceAccepted PlaceStatus = iota
	PlaceRejected             // terminal, do not retry
	PlaceTransient            // network/5xx/rate-limit, retriable
)

// PlaceResult is the gateway's answer to a place call
type PlaceResult struct {
	Status          PlaceStatus
	ExchangeOrderID string
	Reason          string
}

// CancelStatus classifies the result of a gateway cancel call
type CancelStatus int

const (
	CancelDone CancelStatus = iota
	CancelNotFound
	CancelTransient
)

// CancelResult is the gateway's answer to a cancel call
type CancelResult struct {
	Status CancelStatus
	Reason string
}

// RiskDecision is the outcome of the risk policy for one proposed order
type RiskDecision struct {
	Allowed bool
	Reason  string
}

func Allow() RiskDecision             { return RiskDecision{Allowed: true} }
func Deny(reason string) RiskDecision { return RiskDecision{Reason: reason} }
