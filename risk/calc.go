package risk

import (
	"math"

	"github.com/rustyeddy/paperbot/signal"
)

// PositionSize is the collateral committed to a trade.
func PositionSize(equity, fraction float64) float64 {
	return equity * min(fraction, HardCap)
}

// MaxLoss is what a position loses when its stop is hit.
func MaxLoss(size, stopPct float64) float64 {
	return size * stopPct
}

// StopPrices places the stop stopPct away from entry against the position
// and the take-profit reward times that distance in its favor. A zero
// reward ratio disables take-profit.
func StopPrices(side signal.Direction, entry, stopPct, reward float64) (stop, takeProfit float64) {
	dist := entry * stopPct
	if side == signal.Short {
		stop = entry + dist
		if reward > 0 {
			takeProfit = entry - dist*reward
		}
		return
	}
	stop = entry - dist
	if reward > 0 {
		takeProfit = entry + dist*reward
	}
	return
}

func RR(entry, stop, takeProfit float64) float64 {
	risk := math.Abs(entry - stop)
	reward := math.Abs(takeProfit - entry)
	if risk == 0 {
		return 0
	}
	return reward / risk
}
