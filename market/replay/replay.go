// Package replay serves candles recorded in a CSV file through the
// market.Feed interface.
package replay

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rustyeddy/paperbot/market"
)

// Feed holds a recorded candle history in memory.
//
// CSV format (header optional):
//
//	time,venue,symbol,timeframe,open,high,low,close,volume
//
// time is RFC3339 and is the candle open time.
type Feed struct {
	// Batch caps how many candles a single Poll returns. Zero means no cap,
	// which hands the whole remaining history to the caller at once.
	Batch int

	mu      sync.RWMutex
	streams map[string][]market.Candle
}

// Load reads a replay file from disk.
func Load(path string) (*Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses replay rows from r.
func Read(r io.Reader) (*Feed, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	feed := New(nil)
	line := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if len(row) == 0 {
			continue
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "time") {
			continue
		}
		c, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		feed.add(c)
	}
	feed.sort()
	return feed, nil
}

// New builds a feed from candles already in memory.
func New(candles []market.Candle) *Feed {
	f := &Feed{streams: make(map[string][]market.Candle)}
	for _, c := range candles {
		f.add(c)
	}
	f.sort()
	return f
}

func (f *Feed) add(c market.Candle) {
	k := streamKey(c.Symbol, c.Timeframe)
	f.streams[k] = append(f.streams[k], c)
}

// sort orders each stream by open time without dropping anything; the
// stream is replayed as recorded apart from ordering.
func (f *Feed) sort() {
	for _, cs := range f.streams {
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].OpenTime.Before(cs[j].OpenTime) })
	}
}

func (f *Feed) Poll(ctx context.Context, symbol string, tf market.Timeframe, after time.Time) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	cs := f.streams[streamKey(symbol, tf)]
	i := sort.Search(len(cs), func(i int) bool { return cs[i].OpenTime.After(after) })
	out := cs[i:]
	if f.Batch > 0 && len(out) > f.Batch {
		out = out[:f.Batch]
	}
	return append([]market.Candle(nil), out...), nil
}

// Len reports how many candles a stream holds.
func (f *Feed) Len(symbol string, tf market.Timeframe) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.streams[streamKey(symbol, tf)])
}

func streamKey(symbol string, tf market.Timeframe) string {
	return symbol + "|" + string(tf)
}

func parseRow(row []string) (market.Candle, error) {
	if len(row) < 9 {
		return market.Candle{}, fmt.Errorf("need 9 columns time,venue,symbol,timeframe,open,high,low,close,volume: %v", row)
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(row[0]))
	if err != nil {
		return market.Candle{}, fmt.Errorf("bad time %q: %w", row[0], err)
	}
	tf := market.Timeframe(strings.TrimSpace(row[3]))
	if !tf.Valid() {
		return market.Candle{}, fmt.Errorf("bad timeframe %q", row[3])
	}

	var vals [5]float64
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[4+i]), 64)
		if err != nil {
			return market.Candle{}, fmt.Errorf("bad number %q: %w", row[4+i], err)
		}
		vals[i] = v
	}

	return market.Candle{
		Venue:     strings.TrimSpace(row[1]),
		Symbol:    strings.TrimSpace(row[2]),
		Timeframe: tf,
		OpenTime:  t.UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

// Write emits candles in the replay CSV format, header first.
func Write(w io.Writer, candles []market.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "venue", "symbol", "timeframe", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range candles {
		if err := cw.Write([]string{
			c.OpenTime.UTC().Format(time.RFC3339),
			c.Venue,
			c.Symbol,
			string(c.Timeframe),
			fmtF(c.Open), fmtF(c.High), fmtF(c.Low), fmtF(c.Close), fmtF(c.Volume),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func fmtF(x float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64)
}
