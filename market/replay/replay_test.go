package replay

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rustyeddy/paperbot/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `time,venue,symbol,timeframe,open,high,low,close,volume
2024-01-01T00:02:00Z,paper,BTC-USD,1m,102,103,101,102.5,12
2024-01-01T00:00:00Z,paper,BTC-USD,1m,100,101,99,100.5,10
2024-01-01T00:01:00Z,paper,BTC-USD,1m,100.5,102,100,102,11
2024-01-01T00:00:00Z,paper,ETH-USD,1m,10,11,9,10.5,5
`

func TestReadAndPoll(t *testing.T) {
	t.Parallel()

	f, err := Read(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, 3, f.Len("BTC-USD", market.M1))
	assert.Equal(t, 1, f.Len("ETH-USD", market.M1))

	ctx := context.Background()
	all, err := f.Poll(ctx, "BTC-USD", market.M1, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 100.0, all[0].Open)
	assert.Equal(t, 102.5, all[2].Close)

	rest, err := f.Poll(ctx, "BTC-USD", market.M1, all[0].OpenTime)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	f.Batch = 1
	one, err := f.Poll(ctx, "BTC-USD", market.M1, time.Time{})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestReadRejectsBadRow(t *testing.T) {
	t.Parallel()

	_, err := Read(strings.NewReader("2024-01-01T00:00:00Z,paper,BTC-USD,1m,100,101\n"))
	assert.Error(t, err)

	_, err = Read(strings.NewReader("2024-01-01T00:00:00Z,paper,BTC-USD,7x,1,1,1,1,1\n"))
	assert.Error(t, err)
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()

	f, err := Read(strings.NewReader(sample))
	require.NoError(t, err)
	candles, err := f.Poll(context.Background(), "BTC-USD", market.M1, time.Time{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, candles))

	again, err := Read(&buf)
	require.NoError(t, err)
	got, err := again.Poll(context.Background(), "BTC-USD", market.M1, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, candles, got)
}

func TestPollHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Poll(ctx, "BTC-USD", market.M1, time.Time{})
	assert.ErrorIs(t, err, context.Canceled)
}
