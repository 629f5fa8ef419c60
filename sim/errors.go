package sim

import (
	"errors"
	"fmt"
)

var (
	// ErrLiquidated matches every *LiquidationError.
	ErrLiquidated = errors.New("simulated liquidation")

	ErrAccountFrozen = errors.New("account frozen")
)

// LiquidationError reports a forced close. The account is frozen and
// nothing retries it.
type LiquidationError struct {
	AccountID string
	TradeID   string
	Price     float64
	Loss      float64
}

func (e *LiquidationError) Error() string {
	return fmt.Sprintf("account %s: trade %s liquidated at %.8f (loss %.8f)", e.AccountID, e.TradeID, e.Price, e.Loss)
}

func (e *LiquidationError) Is(target error) bool { return target == ErrLiquidated }
