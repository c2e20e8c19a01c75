package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zde37/kadvault/internal/events"
	"github.com/zde37/kadvault/internal/pricing"
	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

// metricsFor derives the pricing inputs for key from the current store state.
func (s *Store) metricsFor(key hash.Key) pricing.Metrics {
	bucket := hash.XorDistance(s.self, key).BucketIndex()
	return pricing.Metrics{
		Stored:     s.Len(),
		Capacity:   s.cfg.MaxRecords,
		HistoryAvg: s.samples.Average(bucket),
	}
}

// RequiredPrice is what a PUT at key must pay right now.
func (s *Store) RequiredPrice(key hash.Key) uint64 {
	return s.cfg.Curve.Price(s.metricsFor(key))
}

// Quote prices one more record at key and remembers the offer until it is
// redeemed or expires.
func (s *Store) Quote(ctx context.Context, key hash.Key) (record.Quote, error) {
	if err := s.check(ctx); err != nil {
		return record.Quote{}, err
	}

	m := s.metricsFor(key)
	price := s.cfg.Curve.Price(m)

	q, err := s.quotes.Issue(ctx, record.Quote{
		Key:   key,
		Price: price,
		Peer:  s.self,
		Metrics: record.QuoteMetrics{
			CloseRecordsStored:   m.Stored,
			MaxRecords:           m.Capacity,
			ReceivedPaymentCount: s.payments.Load(),
			LiveTimeSeconds:      int64(time.Since(s.started).Seconds()),
		},
	})
	if err != nil {
		return record.Quote{}, err
	}
	s.metrics.RecordQuote(price)

	s.logger.Debug().
		Str("key", key.Short()).
		Uint64("price", price).
		Int("stored", m.Stored).
		Msg("quote issued")
	return q, nil
}

// Put validates and persists a client record. A proof is required unless the
// record updates a register already held here or is a chunk already held.
// Capacity is enforced after a successful write.
func (s *Store) Put(ctx context.Context, rec record.StoredRecord, proof *record.QuoteProof) (record.Outcome, error) {
	return s.put(ctx, rec, proof, true)
}

// PutReplicated stores a record fetched from a peer during replication. It
// runs the same kind validation but takes no payment.
func (s *Store) PutReplicated(ctx context.Context, rec record.StoredRecord) (record.Outcome, error) {
	return s.put(ctx, rec, nil, false)
}

func (s *Store) put(ctx context.Context, rec record.StoredRecord, proof *record.QuoteProof, paid bool) (outcome record.Outcome, err error) {
	started := time.Now()
	defer func() {
		s.metrics.ObservePut(rec.Kind.String(), putResult(outcome, err), started)
	}()

	if err := s.check(ctx); err != nil {
		return record.OutcomeAccepted, err
	}
	if err := record.Validate(rec, s.cfg.MaxValueSize); err != nil {
		return record.OutcomeAccepted, err
	}

	l := s.lockFor(rec.Key)
	l.Lock()
	outcome, price, err := s.putLocked(rec, proof, paid)
	l.Unlock()
	if err != nil {
		s.logger.Debug().
			Err(err).
			Str("key", rec.Key.Short()).
			Str("kind", rec.Kind.String()).
			Msg("put rejected")
		return outcome, err
	}

	if price > 0 {
		bucket := hash.XorDistance(s.self, rec.Key).BucketIndex()
		if err := s.samples.Record(bucket, price, time.Now()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist pricing sample")
		}
		s.payments.Add(1)
		s.metrics.RecordPayment()
	}

	if outcome == record.OutcomeConflict {
		s.logger.Warn().Str("key", rec.Key.Short()).Msg("double spend detected")
		s.broadcaster.Broadcast(events.Event{
			Type:      events.DoubleSpendDetected,
			Key:       rec.Key.String(),
			Timestamp: time.Now().Unix(),
			Message:   "differing spends stored at the same key",
		})
	}

	s.logger.Debug().
		Str("key", rec.Key.Short()).
		Str("kind", rec.Kind.String()).
		Str("outcome", outcome.String()).
		Uint64("price", price).
		Msg("record stored")

	s.EnforceCapacity()
	return outcome, nil
}

func (s *Store) putLocked(rec record.StoredRecord, proof *record.QuoteProof, paid bool) (record.Outcome, uint64, error) {
	var existing *record.StoredRecord
	if s.Has(rec.Key) {
		cur, err := s.readFile(rec.Key)
		switch {
		case err == nil:
			existing = &cur
		case errors.Is(err, pkg.ErrNotFound):
		default:
			s.logger.Error().Err(err).Str("key", rec.Key.Short()).Msg("replacing corrupt record")
		}
	}

	var price uint64
	if paid {
		var err error
		if price, err = s.checkPayment(rec, existing, proof); err != nil {
			return record.OutcomeAccepted, 0, err
		}
	}

	if existing == nil && s.overCapacity() && !s.inRange(rec.Key) {
		return record.OutcomeAccepted, 0, fmt.Errorf("%w: %d records stored, key %s out of range",
			pkg.ErrCapacityExceeded, s.Len(), rec.Key.Short())
	}

	resolved, outcome, err := record.Resolve(existing, rec, s.validator)
	if err != nil {
		return record.OutcomeAccepted, 0, err
	}

	if existing == nil || resolved.ContentHash() != existing.ContentHash() {
		if err := s.writeFile(resolved); err != nil {
			return record.OutcomeAccepted, 0, err
		}
		s.mu.Lock()
		s.index[resolved.Key] = indexEntry{kind: resolved.Kind, size: len(resolved.Payload)}
		n := len(s.index)
		s.mu.Unlock()
		s.metrics.SetRecords(n)
	}

	if price > 0 {
		// cannot fail: checked under the same key lock
		if _, err := s.quotes.Redeem(*proof); err != nil {
			return outcome, 0, err
		}
	}
	return outcome, price, nil
}

// checkPayment validates the proof and returns the quoted price it redeems,
// or 0 when the write is free.
func (s *Store) checkPayment(rec record.StoredRecord, existing *record.StoredRecord, proof *record.QuoteProof) (uint64, error) {
	if existing != nil && rec.Kind == record.KindChunk {
		// identical content is already held
		return 0, nil
	}
	if proof == nil {
		if existing != nil && rec.Kind == record.KindRegister {
			return 0, nil
		}
		return 0, pkg.Invalid("missing payment proof")
	}

	q, err := s.quotes.Check(*proof)
	if err != nil {
		return 0, err
	}
	if q.Key != rec.Key {
		return 0, pkg.Invalid("quote %s is for another key", q.ID)
	}
	if required := s.RequiredPrice(rec.Key); q.Price < required {
		return 0, fmt.Errorf("%w: quoted %d, required %d", pkg.ErrUnderPriced, q.Price, required)
	}
	if !s.validator.ValidatePayment(*proof, rec.Key, q.Price) {
		return 0, pkg.Invalid("payment rejected for quote %s", q.ID)
	}
	return q.Price, nil
}

func (s *Store) overCapacity() bool {
	return s.Len() > s.cfg.MaxRecords
}

func (s *Store) inRange(key hash.Key) bool {
	return hash.XorDistance(s.self, key).Cmp(s.rng.Range()) <= 0
}

// EnforceCapacity evicts the farthest records from self while the store holds
// more than MaxRecords. A record within the DistanceRange is never evicted:
// the store stays over capacity instead. It returns the evicted keys.
func (s *Store) EnforceCapacity() []hash.Key {
	var evicted []hash.Key
	for {
		victim, ok := s.farthest()
		if !ok {
			return evicted
		}

		rng := s.rng.Range()
		if hash.XorDistance(s.self, victim).Cmp(rng) <= 0 {
			s.logger.Warn().
				Int("records", s.Len()).
				Int("max_records", s.cfg.MaxRecords).
				Str("farthest", victim.Short()).
				Msg("over capacity but farthest record is in range, keeping it")
			return evicted
		}

		l := s.lockFor(victim)
		l.Lock()
		removed := s.dropLocked(victim)
		l.Unlock()
		if !removed {
			// raced with a Remove; look again
			continue
		}

		evicted = append(evicted, victim)
		s.metrics.RecordEviction()
		s.broadcaster.Broadcast(events.Event{
			Type:      events.RecordEvicted,
			Key:       victim.String(),
			Timestamp: time.Now().Unix(),
			Message:   "farthest record evicted to stay within capacity",
		})
		s.logger.Info().
			Str("key", victim.Short()).
			Int("records", s.Len()).
			Msg("evicted farthest record")
	}
}

// farthest returns the key farthest from self when the store is over capacity.
func (s *Store) farthest() (hash.Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.index) <= s.cfg.MaxRecords {
		return hash.Key{}, false
	}
	var (
		best   hash.Key
		bestD  hash.Distance
		picked bool
	)
	for k := range s.index {
		d := hash.XorDistance(s.self, k)
		if !picked || d.Cmp(bestD) > 0 {
			best, bestD, picked = k, d, true
		}
	}
	return best, picked
}

func putResult(outcome record.Outcome, err error) string {
	switch {
	case err == nil:
		return outcome.String()
	case errors.Is(err, pkg.ErrUnderPriced):
		return "under_priced"
	case errors.Is(err, pkg.ErrValidationFailed):
		return "invalid"
	case errors.Is(err, pkg.ErrCapacityExceeded):
		return "capacity"
	default:
		return "error"
	}
}
