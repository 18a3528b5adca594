package executor

import "errors"

var (
	// ErrDataNotReady means the market's bars never caught up to the
	// current minute within the polling budget. The tick is abandoned;
	// the next scheduled tick re-evaluates from scratch.
	ErrDataNotReady = errors.New("market data not caught up to current minute")

	// ErrOrderFillTimeout means the broker accepted an order but it was
	// still unfilled after the polling budget.
	ErrOrderFillTimeout = errors.New("order unfilled after polling budget")
)

// BrokerError wraps a transport or exchange failure that survived the
// bounded retry budget.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return "broker " + e.Op + ": " + e.Err.Error()
}

func (e *BrokerError) Unwrap() error { return e.Err }
