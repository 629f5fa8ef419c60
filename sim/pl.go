package sim

import (
	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/signal"
)

func direction(side string) float64 {
	if side == string(signal.Short) {
		return -1
	}
	return 1
}

// FillPrice applies the adverse slippage model: buys pay up, sells get
// less. Zero bps is a perfect fill at the reference price.
func FillPrice(price float64, buy bool, slippageBps float64) float64 {
	adj := price * slippageBps / 10_000
	if buy {
		return price + adj
	}
	return price - adj
}

// PnL of a trade exited at price: notional x relative move x direction.
func PnL(t journal.Trade, exit float64) float64 {
	if t.FillPrice == 0 {
		return 0
	}
	return t.Notional() * (exit - t.FillPrice) / t.FillPrice * direction(t.Side)
}

// LiquidationPrice is where the trade has lost exactly bound.
func LiquidationPrice(t journal.Trade, bound float64) float64 {
	n := t.Notional()
	if n <= 0 {
		return t.FillPrice
	}
	return t.FillPrice * (1 - direction(t.Side)*bound/n)
}

// lossBound is what a liquidation may take from the account: the trade's
// own collateral, never more than the account holds.
func lossBound(t journal.Trade, equity float64) float64 {
	return max(0, min(t.FillSize, equity))
}
