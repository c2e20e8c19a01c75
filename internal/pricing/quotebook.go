package pricing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/pkg"
)

// DefaultQuoteTTL is how long an issued quote can back a PUT.
const DefaultQuoteTTL = time.Hour

// QuoteBookConfig holds configuration for the quote book.
type QuoteBookConfig struct {
	// TTL of an issued quote. Defaults to DefaultQuoteTTL.
	TTL time.Duration
	// CleanupInterval determines how often expired quotes are dropped.
	// Default is 1 minute if not specified.
	CleanupInterval time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// QuoteBook remembers the quotes this node issued until they are redeemed or
// expire. It is thread-safe and sweeps expired quotes in the background.
type QuoteBook struct {
	mu            sync.Mutex
	ttl           time.Duration
	quotes        map[string]*issued
	cleanupTicker *time.Ticker
	done          chan struct{}
	closed        atomic.Bool
	now           func() time.Time

	issuedCount atomic.Int64
	redeemed    atomic.Int64
	rejected    atomic.Int64
	expired     atomic.Int64
}

type issued struct {
	quote record.Quote
	used  bool
}

// NewQuoteBook creates a quote book and starts its cleanup goroutine.
func NewQuoteBook(config *QuoteBookConfig) *QuoteBook {
	ttl := DefaultQuoteTTL
	cleanupInterval := time.Minute
	clock := time.Now
	if config != nil {
		if config.Clock != nil {
			clock = config.Clock
		}
		if config.TTL > 0 {
			ttl = config.TTL
		}
		if config.CleanupInterval > 0 {
			cleanupInterval = config.CleanupInterval
		}
	}

	qb := &QuoteBook{
		ttl:           ttl,
		quotes:        make(map[string]*issued),
		cleanupTicker: time.NewTicker(cleanupInterval),
		done:          make(chan struct{}),
		now:           clock,
	}

	go qb.cleanupExpired()

	return qb
}

// TTL returns the validity window of issued quotes.
func (qb *QuoteBook) TTL() time.Duration {
	return qb.ttl
}

// Issue stamps q with an ID and timestamp and remembers it.
func (qb *QuoteBook) Issue(ctx context.Context, q record.Quote) (record.Quote, error) {
	select {
	case <-ctx.Done():
		return record.Quote{}, pkg.ErrContextCanceled
	default:
	}
	if qb.closed.Load() {
		return record.Quote{}, pkg.ErrStoreClosed
	}

	q.ID = uuid.NewString()
	q.Timestamp = qb.now()

	qb.mu.Lock()
	qb.quotes[q.ID] = &issued{quote: q}
	qb.mu.Unlock()

	qb.issuedCount.Add(1)
	return q, nil
}

// Check returns the stored copy of the quote a proof refers to without
// consuming it. Unknown, expired and used quotes fail validation.
func (qb *QuoteBook) Check(proof record.QuoteProof) (record.Quote, error) {
	if qb.closed.Load() {
		return record.Quote{}, pkg.ErrStoreClosed
	}

	qb.mu.Lock()
	defer qb.mu.Unlock()
	return qb.checkLocked(proof)
}

// Redeem marks the quote behind proof as used. It fails the same way Check does,
// so a quote backs at most one PUT.
func (qb *QuoteBook) Redeem(proof record.QuoteProof) (record.Quote, error) {
	if qb.closed.Load() {
		return record.Quote{}, pkg.ErrStoreClosed
	}

	qb.mu.Lock()
	defer qb.mu.Unlock()

	q, err := qb.checkLocked(proof)
	if err != nil {
		return record.Quote{}, err
	}
	qb.quotes[q.ID].used = true
	qb.redeemed.Add(1)
	return q, nil
}

func (qb *QuoteBook) checkLocked(proof record.QuoteProof) (record.Quote, error) {
	entry, ok := qb.quotes[proof.Quote.ID]
	if !ok {
		qb.rejected.Add(1)
		return record.Quote{}, pkg.Invalid("unknown quote %q", proof.Quote.ID)
	}
	if entry.quote.Expired(qb.now(), qb.ttl) {
		delete(qb.quotes, proof.Quote.ID)
		qb.expired.Add(1)
		qb.rejected.Add(1)
		return record.Quote{}, pkg.Invalid("quote %q expired", proof.Quote.ID)
	}
	if entry.used {
		qb.rejected.Add(1)
		return record.Quote{}, pkg.Invalid("quote %q already used", proof.Quote.ID)
	}
	if entry.quote.Key != proof.Quote.Key {
		qb.rejected.Add(1)
		return record.Quote{}, pkg.Invalid("quote %q was issued for another key", proof.Quote.ID)
	}
	return entry.quote, nil
}

// Close stops the cleanup goroutine and forgets every quote.
func (qb *QuoteBook) Close() error {
	if !qb.closed.CompareAndSwap(false, true) {
		return nil
	}

	qb.cleanupTicker.Stop()
	close(qb.done)

	qb.mu.Lock()
	qb.quotes = make(map[string]*issued)
	qb.mu.Unlock()

	return nil
}

func (qb *QuoteBook) cleanupExpired() {
	for {
		select {
		case <-qb.cleanupTicker.C:
			qb.removeExpired()
		case <-qb.done:
			return
		}
	}
}

// removeExpired drops expired quotes, redeemed or not.
func (qb *QuoteBook) removeExpired() {
	now := qb.now()

	qb.mu.Lock()
	defer qb.mu.Unlock()

	for id, entry := range qb.quotes {
		if entry.quote.Expired(now, qb.ttl) {
			delete(qb.quotes, id)
			qb.expired.Add(1)
		}
	}
}

// QuoteBookStats is a point-in-time view of the quote book.
type QuoteBookStats struct {
	Outstanding int   `json:"outstanding"`
	Issued      int64 `json:"issued"`
	Redeemed    int64 `json:"redeemed"`
	Rejected    int64 `json:"rejected"`
	Expired     int64 `json:"expired"`
}

// Stats returns current quote book statistics.
func (qb *QuoteBook) Stats() QuoteBookStats {
	qb.mu.Lock()
	outstanding := len(qb.quotes)
	qb.mu.Unlock()

	return QuoteBookStats{
		Outstanding: outstanding,
		Issued:      qb.issuedCount.Load(),
		Redeemed:    qb.redeemed.Load(),
		Rejected:    qb.rejected.Load(),
		Expired:     qb.expired.Load(),
	}
}
