package sim

import (
	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/signal"
)

type exit struct {
	reason journal.ExitReason
	price  float64
}

// stopFill is the stop price, or the open when the candle gapped through it.
func stopFill(t journal.Trade, c market.Candle) (float64, bool) {
	if t.StopLossPrice <= 0 {
		return 0, false
	}
	if t.Side == string(signal.Short) {
		if c.High < t.StopLossPrice {
			return 0, false
		}
		return max(t.StopLossPrice, c.Open), true
	}
	if c.Low > t.StopLossPrice {
		return 0, false
	}
	return min(t.StopLossPrice, c.Open), true
}

func reachedLiquidation(t journal.Trade, c market.Candle, liq float64) bool {
	if t.Side == string(signal.Short) {
		return c.High >= liq
	}
	return c.Low <= liq
}

func hitTakeProfit(t journal.Trade, c market.Candle) bool {
	if t.TakeProfitPrice <= 0 {
		return false
	}
	if t.Side == string(signal.Short) {
		return c.Low <= t.TakeProfitPrice
	}
	return c.High >= t.TakeProfitPrice
}

// beyond reports whether price is at or past liq against the position.
func beyond(t journal.Trade, price, liq float64) bool {
	if t.Side == string(signal.Short) {
		return price >= liq
	}
	return price <= liq
}

// checkExit picks the exit for a trade on candle c, in priority order:
// stop-loss, liquidation, take-profit, signal reversal. A stop filled at or
// beyond the liquidation price is a liquidation.
func checkExit(t journal.Trade, c market.Candle, sigs []signal.Signal, equity, slippageBps float64) (exit, bool) {
	liq := LiquidationPrice(t, lossBound(t, equity))

	if p, ok := stopFill(t, c); ok {
		if beyond(t, p, liq) {
			return exit{journal.Liquidation, liq}, true
		}
		return exit{journal.StopLoss, p}, true
	}
	if reachedLiquidation(t, c, liq) {
		return exit{journal.Liquidation, liq}, true
	}
	if hitTakeProfit(t, c) {
		return exit{journal.TakeProfit, t.TakeProfitPrice}, true
	}
	side := signal.Direction(t.Side)
	for _, s := range sigs {
		if s.Symbol == t.Symbol && s.Direction.Opposes(side) {
			p := FillPrice(c.Close, side == signal.Short, slippageBps)
			if beyond(t, p, liq) {
				return exit{journal.Liquidation, liq}, true
			}
			return exit{journal.SignalReversal, p}, true
		}
	}
	return exit{}, false
}
