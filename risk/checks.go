package risk

import (
	"errors"
	"fmt"

	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/signal"
)

// Rejection codes.
const (
	CodeAccountFrozen    = "ACCOUNT_FROZEN"
	CodeNoEntry          = "NO_ENTRY"
	CodeLowConfidence    = "LOW_CONFIDENCE"
	CodeUnknownSymbol    = "UNKNOWN_SYMBOL"
	CodeNoEquity         = "NO_EQUITY"
	CodeInvalidPrice     = "INVALID_PRICE"
	CodeMaxOpenPositions = "MAX_OPEN_POSITIONS"
	CodeMaxDailyOrders   = "MAX_DAILY_ORDERS"
	CodeSizeTooSmall     = "SIZE_TOO_SMALL"
	CodeMaxLossExceeded  = "MAX_LOSS_EXCEEDED"
	CodeLeverageExceeded = "LEVERAGE_EXCEEDED"
)

// ErrValidation matches every *Rejection.
var ErrValidation = errors.New("risk validation failed")

type Rejection struct {
	Code string
	Msg  string
}

func (r *Rejection) Error() string        { return r.Code + ": " + r.Msg }
func (r *Rejection) Is(target error) bool { return target == ErrValidation }

// Inputs is everything Evaluate looks at. It reads nothing else.
type Inputs struct {
	Policy Policy
	Venue  market.Venue
	Signal signal.Signal

	// Price is the expected entry (fill) price.
	Price float64

	Equity        float64
	Frozen        bool
	OpenPositions int
	OrdersToday   int
}

type Decision struct {
	Allowed   bool
	Rejection *Rejection

	Side       signal.Direction
	AssetClass market.AssetClass
	Params     market.AssetParams

	Fraction float64
	// Size and Leverage are the bounds an order may be filled at.
	Size     float64
	Leverage float64
	// MaxLoss is size x stop distance; StopLoss is that at Leverage.
	MaxLoss  float64
	StopLoss float64

	RequestedLeverage float64
	// Clamped is set when the requested leverage was lowered to the cap.
	Clamped bool

	Entry           float64
	StopLossPrice   float64
	TakeProfitPrice float64
}

// Err returns the rejection as an error, or nil.
func (d Decision) Err() error {
	if d.Rejection == nil {
		return nil
	}
	return d.Rejection
}

func (d *Decision) reject(code, format string, args ...any) Decision {
	d.Allowed = false
	d.Rejection = &Rejection{Code: code, Msg: fmt.Sprintf(format, args...)}
	return *d
}

// Evaluate turns a signal into order bounds or a rejection. It is pure.
func Evaluate(in Inputs) Decision {
	p := in.Policy
	d := Decision{Side: in.Signal.Direction}

	if in.Frozen {
		return d.reject(CodeAccountFrozen, "account is frozen until reset")
	}
	if d.Side != signal.Long && d.Side != signal.Short {
		return d.reject(CodeNoEntry, "%s signal does not open a position", d.Side)
	}
	if in.Signal.Confidence < p.MinConfidence {
		return d.reject(CodeLowConfidence, "confidence %.2f below minimum %.2f", in.Signal.Confidence, p.MinConfidence)
	}

	class, params, err := in.Venue.Params(in.Signal.Symbol)
	if err != nil {
		return d.reject(CodeUnknownSymbol, "%v", err)
	}
	d.AssetClass, d.Params = class, params

	if in.Equity <= 0 {
		return d.reject(CodeNoEquity, "equity %.2f", in.Equity)
	}
	if in.Price <= 0 {
		return d.reject(CodeInvalidPrice, "entry price %.8f", in.Price)
	}
	if p.MaxOpenPositions > 0 && in.OpenPositions >= p.MaxOpenPositions {
		return d.reject(CodeMaxOpenPositions, "open positions %d >= max %d", in.OpenPositions, p.MaxOpenPositions)
	}
	if p.MaxDailyOrders > 0 && in.OrdersToday >= p.MaxDailyOrders {
		return d.reject(CodeMaxDailyOrders, "orders today %d >= max %d", in.OrdersToday, p.MaxDailyOrders)
	}

	d.Fraction = p.EffectiveFraction()
	d.Size = PositionSize(in.Equity, d.Fraction)
	if d.Size <= 0 || d.Size < p.MinSize {
		return d.reject(CodeSizeTooSmall, "size %.8f below minimum %.8f", d.Size, p.MinSize)
	}

	d.MaxLoss = MaxLoss(d.Size, params.StopLossPct)

	d.RequestedLeverage = p.RequestedLeverage
	if d.RequestedLeverage < 1 {
		d.RequestedLeverage = 1
	}
	maxLev := p.LeverageCap(class, params.MaxLeverage)
	d.Leverage = d.RequestedLeverage
	if d.Leverage > maxLev {
		if p.LeveragePolicy == RejectLeverage {
			return d.reject(CodeLeverageExceeded, "leverage %.1fx above %s cap %.1fx", d.RequestedLeverage, class, maxLev)
		}
		d.Leverage = maxLev
		d.Clamped = true
	}

	// The ceiling applies to what the stop actually costs at the final
	// leverage.
	d.StopLoss = d.MaxLoss * d.Leverage
	if p.MaxLossPerTrade > 0 && d.StopLoss > p.MaxLossPerTrade {
		return d.reject(CodeMaxLossExceeded, "loss at stop %.4f (%.1fx) exceeds per-trade ceiling %.4f", d.StopLoss, d.Leverage, p.MaxLossPerTrade)
	}

	d.Entry = in.Price
	d.StopLossPrice, d.TakeProfitPrice = StopPrices(d.Side, in.Price, params.StopLossPct, p.RewardRatio)
	d.Allowed = true
	return d
}
