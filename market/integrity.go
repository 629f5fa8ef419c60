package market

import (
	"errors"
	"fmt"
	"time"
)

// ErrDataIntegrity matches every *IntegrityError.
var ErrDataIntegrity = errors.New("data integrity")

// IntegrityKind classifies a sequencing problem in a candle stream.
type IntegrityKind string

const (
	Gap         IntegrityKind = "gap"
	OutOfOrder  IntegrityKind = "out_of_order"
	Duplicate   IntegrityKind = "duplicate"
	InvalidOHLC IntegrityKind = "invalid_ohlc"
)

type IntegrityError struct {
	Stream   string
	Kind     IntegrityKind
	Expected time.Time
	Got      time.Time
}

func (e *IntegrityError) Error() string {
	switch e.Kind {
	case InvalidOHLC:
		return fmt.Sprintf("%s: invalid ohlc at %s", e.Stream, e.Got.UTC().Format(time.RFC3339))
	default:
		return fmt.Sprintf("%s: %s candle: expected %s got %s", e.Stream, e.Kind,
			e.Expected.UTC().Format(time.RFC3339), e.Got.UTC().Format(time.RFC3339))
	}
}

func (e *IntegrityError) Is(target error) bool { return target == ErrDataIntegrity }

// CheckOHLC rejects bars whose prices are not self-consistent.
func CheckOHLC(c Candle) error {
	bad := c.Open <= 0 || c.Close <= 0 || c.Low <= 0 ||
		c.High < c.Low ||
		c.High < max(c.Open, c.Close) ||
		c.Low > min(c.Open, c.Close) ||
		c.Volume < 0
	if bad {
		return &IntegrityError{Stream: c.Key(), Kind: InvalidOHLC, Got: c.OpenTime}
	}
	return nil
}

// CheckSequence verifies next directly follows prev in a gap-free stream.
func CheckSequence(prev, next Candle) error {
	if err := CheckOHLC(next); err != nil {
		return err
	}
	step := next.Timeframe.Duration()
	want := prev.OpenTime.Add(step)
	stream := next.Key()
	switch {
	case next.OpenTime.Equal(prev.OpenTime):
		return &IntegrityError{Stream: stream, Kind: Duplicate, Expected: want, Got: next.OpenTime}
	case next.OpenTime.Before(prev.OpenTime):
		return &IntegrityError{Stream: stream, Kind: OutOfOrder, Expected: want, Got: next.OpenTime}
	case !next.OpenTime.Equal(want):
		return &IntegrityError{Stream: stream, Kind: Gap, Expected: want, Got: next.OpenTime}
	}
	return nil
}
