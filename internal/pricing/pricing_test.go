package pricing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

func TestCurvePrice(t *testing.T) {
	c := DefaultCurve()
	require.NoError(t, c.Validate())

	t.Run("deterministic", func(t *testing.T) {
		m := Metrics{Stored: 700, Capacity: 1000, HistoryAvg: 250}
		assert.Equal(t, c.Price(m), c.Price(m))
		other := DefaultCurve()
		assert.Equal(t, c.Price(m), other.Price(m))
	})

	t.Run("floor below low water", func(t *testing.T) {
		assert.Equal(t, c.Floor, c.Price(Metrics{Stored: 0, Capacity: 100}))
		assert.Equal(t, c.Floor, c.Price(Metrics{Stored: 29, Capacity: 100}))
		// history only nudges the floor
		nudged := c.Price(Metrics{Stored: 29, Capacity: 100, HistoryAvg: 100})
		assert.InDelta(t, float64(c.Floor), float64(nudged), 5)
	})

	t.Run("ceiling when full", func(t *testing.T) {
		assert.Equal(t, c.Ceiling, c.Price(Metrics{Stored: 100, Capacity: 100}))
		assert.Equal(t, c.Ceiling, c.Price(Metrics{Stored: 150, Capacity: 100}))
		assert.Equal(t, c.Ceiling, c.Price(Metrics{Stored: 0, Capacity: 0}))
	})

	t.Run("monotonic in occupancy", func(t *testing.T) {
		prev := uint64(0)
		for stored := 0; stored <= 100; stored++ {
			p := c.Price(Metrics{Stored: stored, Capacity: 100, HistoryAvg: 40})
			assert.GreaterOrEqual(t, p, prev, "stored=%d", stored)
			prev = p
		}
	})

	t.Run("monotonic in history", func(t *testing.T) {
		low := c.Price(Metrics{Stored: 60, Capacity: 100, HistoryAvg: 10})
		high := c.Price(Metrics{Stored: 60, Capacity: 100, HistoryAvg: 10_000})
		assert.Greater(t, high, low)
	})

	t.Run("super-linear near capacity", func(t *testing.T) {
		step := func(from int) uint64 {
			return c.Price(Metrics{Stored: from + 10, Capacity: 100}) - c.Price(Metrics{Stored: from, Capacity: 100})
		}
		assert.Greater(t, step(85), step(45))
		assert.Greater(t, step(70), step(50))
	})
}

func TestCurveValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Curve)
	}{
		{"zero floor", func(c *Curve) { c.Floor = 0 }},
		{"ceiling below floor", func(c *Curve) { c.Ceiling = c.Floor - 1 }},
		{"low water at one", func(c *Curve) { c.LowWater = 1 }},
		{"sub-linear exponent", func(c *Curve) { c.Exponent = 0.5 }},
		{"negative history", func(c *Curve) { c.HistoryWeight = -1 }},
		{"zero decay", func(c *Curve) { c.Decay = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultCurve()
			tt.modify(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestSampleTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing_samples.cbor")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	table, err := LoadSampleTable(path, 0.5)
	require.NoError(t, err)
	assert.Zero(t, table.Average(12))

	require.NoError(t, table.Record(12, 100, now))
	assert.Equal(t, 100.0, table.Average(12))

	require.NoError(t, table.Record(12, 200, now))
	assert.Equal(t, 150.0, table.Average(12), "ewma with decay 0.5")

	require.NoError(t, table.Record(3, 40, now))
	assert.Equal(t, uint64(3), table.TotalCount())

	t.Run("survives restart", func(t *testing.T) {
		reloaded, err := LoadSampleTable(path, 0.5)
		require.NoError(t, err)
		assert.Equal(t, 150.0, reloaded.Average(12))
		assert.Equal(t, 40.0, reloaded.Average(3))
		assert.Equal(t, uint64(3), reloaded.TotalCount())
		assert.True(t, now.Equal(reloaded.Snapshot()[12].Updated))
	})

	t.Run("in memory only", func(t *testing.T) {
		mem, err := LoadSampleTable("", 0.5)
		require.NoError(t, err)
		require.NoError(t, mem.Record(1, 10, now))
		assert.Equal(t, 10.0, mem.Average(1))
	})
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestQuoteBook(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Now()}
	qb := NewQuoteBook(&QuoteBookConfig{TTL: time.Minute, CleanupInterval: time.Hour, Clock: clock.Now})
	defer qb.Close()

	key := hash.OfString("chunk")

	issue := func(t *testing.T) record.Quote {
		q, err := qb.Issue(ctx, record.Quote{Key: key, Price: 42})
		require.NoError(t, err)
		require.NotEmpty(t, q.ID)
		return q
	}

	t.Run("redeem once", func(t *testing.T) {
		q := issue(t)
		got, err := qb.Redeem(record.QuoteProof{Quote: q})
		require.NoError(t, err)
		assert.Equal(t, uint64(42), got.Price)

		_, err = qb.Redeem(record.QuoteProof{Quote: q})
		assert.ErrorIs(t, err, pkg.ErrValidationFailed)
	})

	t.Run("check does not consume", func(t *testing.T) {
		q := issue(t)
		_, err := qb.Check(record.QuoteProof{Quote: q})
		require.NoError(t, err)
		_, err = qb.Redeem(record.QuoteProof{Quote: q})
		assert.NoError(t, err)
	})

	t.Run("unknown quote", func(t *testing.T) {
		_, err := qb.Redeem(record.QuoteProof{Quote: record.Quote{ID: "forged", Key: key}})
		assert.ErrorIs(t, err, pkg.ErrValidationFailed)
	})

	t.Run("wrong key", func(t *testing.T) {
		q := issue(t)
		q.Key = hash.OfString("other")
		_, err := qb.Redeem(record.QuoteProof{Quote: q})
		assert.ErrorIs(t, err, pkg.ErrValidationFailed)
	})

	t.Run("expired", func(t *testing.T) {
		q := issue(t)
		clock.Advance(2 * time.Minute)
		_, err := qb.Redeem(record.QuoteProof{Quote: q})
		assert.ErrorIs(t, err, pkg.ErrValidationFailed)
	})

	t.Run("sweep drops expired", func(t *testing.T) {
		issue(t)
		clock.Advance(2 * time.Minute)
		qb.removeExpired()
		assert.Zero(t, qb.Stats().Outstanding)
	})

	stats := qb.Stats()
	assert.Equal(t, int64(5), stats.Issued)
	assert.Equal(t, int64(2), stats.Redeemed)
	assert.GreaterOrEqual(t, stats.Rejected, int64(4))
}

func TestQuoteBookClosed(t *testing.T) {
	qb := NewQuoteBook(nil)
	assert.Equal(t, DefaultQuoteTTL, qb.TTL())
	require.NoError(t, qb.Close())
	require.NoError(t, qb.Close())

	_, err := qb.Issue(context.Background(), record.Quote{})
	assert.ErrorIs(t, err, pkg.ErrStoreClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	qb2 := NewQuoteBook(nil)
	defer qb2.Close()
	_, err = qb2.Issue(ctx, record.Quote{})
	assert.ErrorIs(t, err, pkg.ErrContextCanceled)
}
