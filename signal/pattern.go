package signal

import "github.com/rustyeddy/paperbot/market"

// MaxPatternCandles is the longest lookback the matcher considers.
const MaxPatternCandles = 5

// Pattern is a named candlestick formation found at the end of a sequence.
type Pattern struct {
	Name       string
	Direction  Direction
	Confidence float64
	// Candles is how many trailing candles form the pattern.
	Candles int
}

type matcher struct {
	name string
	size int
	fn   func(cs []market.Candle) (Direction, float64, bool)
}

// Longer formations are listed first so they win confidence ties.
var matchers = []matcher{
	{"three_white_soldiers", 3, threeSoldiers(true)},
	{"three_black_crows", 3, threeSoldiers(false)},
	{"morning_star", 3, star(true)},
	{"evening_star", 3, star(false)},
	{"bullish_engulfing", 2, engulfing(true)},
	{"bearish_engulfing", 2, engulfing(false)},
	{"hammer", 1, hammer},
	{"shooting_star", 1, shootingStar},
	{"doji", 1, doji},
}

// DetectPattern is pure: it looks at the last (at most five) candles and
// returns the highest-confidence pattern that ends on the final candle.
func DetectPattern(candles []market.Candle) (Pattern, bool) {
	if len(candles) > MaxPatternCandles {
		candles = candles[len(candles)-MaxPatternCandles:]
	}

	var best Pattern
	found := false
	for _, m := range matchers {
		if len(candles) < m.size {
			continue
		}
		dir, conf, ok := m.fn(candles[len(candles)-m.size:])
		if !ok {
			continue
		}
		conf = clamp01(conf)
		if !found || conf > best.Confidence {
			best = Pattern{Name: m.name, Direction: dir, Confidence: conf, Candles: m.size}
			found = true
		}
	}
	return best, found
}

func doji(cs []market.Candle) (Direction, float64, bool) {
	c := cs[0]
	r := c.Range()
	if r <= 0 {
		return "", 0, false
	}
	ratio := c.Body() / r
	if ratio > 0.1 {
		return "", 0, false
	}
	return Flat, 1 - ratio/0.1*0.5, true
}

func hammer(cs []market.Candle) (Direction, float64, bool) {
	c := cs[0]
	r, body := c.Range(), c.Body()
	if r <= 0 || body <= 0 || body/r <= 0.1 {
		return "", 0, false
	}
	if c.LowerWick() < 2*body || c.UpperWick() > 0.3*body {
		return "", 0, false
	}
	return Long, c.LowerWick() / r, true
}

func shootingStar(cs []market.Candle) (Direction, float64, bool) {
	c := cs[0]
	r, body := c.Range(), c.Body()
	if r <= 0 || body <= 0 || body/r <= 0.1 {
		return "", 0, false
	}
	if c.UpperWick() < 2*body || c.LowerWick() > 0.3*body {
		return "", 0, false
	}
	return Short, c.UpperWick() / r, true
}

func engulfing(bull bool) func([]market.Candle) (Direction, float64, bool) {
	return func(cs []market.Candle) (Direction, float64, bool) {
		prev, cur := cs[0], cs[1]
		if prev.Body() <= 0 || cur.Body() <= prev.Body() {
			return "", 0, false
		}
		if bull {
			if !prev.Bearish() || !cur.Bullish() || cur.Open > prev.Close || cur.Close < prev.Open {
				return "", 0, false
			}
		} else {
			if !prev.Bullish() || !cur.Bearish() || cur.Open < prev.Close || cur.Close > prev.Open {
				return "", 0, false
			}
		}
		dir := Short
		if bull {
			dir = Long
		}
		// Bigger engulfing bodies and smaller wicks read as stronger.
		conf := 0.5 + 0.25*clamp01(cur.Body()/prev.Body()-1) + 0.25*(cur.Body()/cur.Range())
		return dir, conf, true
	}
}

func star(morning bool) func([]market.Candle) (Direction, float64, bool) {
	return func(cs []market.Candle) (Direction, float64, bool) {
		first, mid, last := cs[0], cs[1], cs[2]
		if first.Range() <= 0 || first.Body() < 0.6*first.Range() {
			return "", 0, false
		}
		if mid.Body() > 0.3*first.Body() {
			return "", 0, false
		}
		midpoint := (first.Open + first.Close) / 2
		if morning {
			if !first.Bearish() || !last.Bullish() || last.Close <= midpoint {
				return "", 0, false
			}
		} else {
			if !first.Bullish() || !last.Bearish() || last.Close >= midpoint {
				return "", 0, false
			}
		}
		dir := Short
		if morning {
			dir = Long
		}
		recovery := last.Body() / first.Body()
		return dir, 0.5 + 0.5*clamp01(recovery), true
	}
}

func threeSoldiers(white bool) func([]market.Candle) (Direction, float64, bool) {
	return func(cs []market.Candle) (Direction, float64, bool) {
		bodyShare := 0.0
		for i, c := range cs {
			if c.Range() <= 0 {
				return "", 0, false
			}
			if white && !c.Bullish() || !white && !c.Bearish() {
				return "", 0, false
			}
			if i > 0 {
				p := cs[i-1]
				lo, hi := min(p.Open, p.Close), max(p.Open, p.Close)
				if c.Open < lo || c.Open > hi {
					return "", 0, false
				}
				if white && c.Close <= p.Close || !white && c.Close >= p.Close {
					return "", 0, false
				}
			}
			bodyShare += c.Body() / c.Range()
		}
		dir := Short
		if white {
			dir = Long
		}
		return dir, bodyShare / float64(len(cs)), true
	}
}
