package budget

import "errors"

var (
	// ErrBudgetExhausted means no model may serve the call until the daily reset.
	ErrBudgetExhausted = errors.New("budget: token budget exhausted")
	// ErrModelCall wraps failures and timeouts of the model endpoint.
	ErrModelCall = errors.New("budget: model call failed")
)
