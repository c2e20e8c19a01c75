// Package store is the node's local, capacity-bounded record store.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/kadvault/internal/events"
	"github.com/zde37/kadvault/internal/metrics"
	"github.com/zde37/kadvault/internal/pricing"
	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/codec"
	"github.com/zde37/kadvault/pkg/hash"
)

const (
	// DefaultMaxRecords is the default record capacity of a node
	DefaultMaxRecords = 2048

	// DefaultMaxValueSize bounds a single record payload
	DefaultMaxValueSize = 65536

	recordsDir  = "records"
	samplesFile = "pricing_samples.cbor"
	lockShards  = 256
)

// RangeSource reports the current responsibility radius.
type RangeSource interface {
	Range() hash.Distance
}

// Config for the store.
type Config struct {
	// Dir is the node data directory; records live in Dir/records
	Dir          string
	MaxRecords   int
	MaxValueSize int
	Curve        pricing.Curve
}

// Deps are the collaborators the store calls into.
type Deps struct {
	Range       RangeSource
	Quotes      *pricing.QuoteBook
	Validator   record.Validator
	Metrics     *metrics.Metrics
	Broadcaster events.Broadcaster
	Logger      *pkg.Logger
}

type indexEntry struct {
	kind record.Kind
	size int
}

// Store keeps one file per record key. Every mutation of the files goes
// through Put, PutReplicated, Remove and EnforceCapacity. Access to one key is
// serialized by a lock shard so a write and an eviction of the same key never
// interleave; different keys proceed in parallel.
type Store struct {
	self    hash.Key
	cfg     Config
	dir     string
	started time.Time

	rng         RangeSource
	quotes      *pricing.QuoteBook
	samples     *pricing.SampleTable
	validator   record.Validator
	metrics     *metrics.Metrics
	broadcaster events.Broadcaster
	logger      *pkg.Logger

	locks [lockShards]sync.Mutex

	mu    sync.RWMutex
	index map[hash.Key]indexEntry

	payments atomic.Uint64
	closed   atomic.Bool
}

// Open opens or creates the store under cfg.Dir and rebuilds the index from disk.
func Open(self hash.Key, cfg Config, deps Deps) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("store directory cannot be empty")
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = DefaultMaxValueSize
	}
	if err := cfg.Curve.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pricing curve: %w", err)
	}
	if deps.Range == nil || deps.Quotes == nil || deps.Validator == nil || deps.Logger == nil {
		return nil, fmt.Errorf("store needs a range source, quote book, validator and logger")
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = events.Nop{}
	}

	dir := filepath.Join(cfg.Dir, recordsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}

	samples, err := pricing.LoadSampleTable(filepath.Join(cfg.Dir, samplesFile), cfg.Curve.Decay)
	if err != nil {
		return nil, err
	}

	s := &Store{
		self:        self,
		cfg:         cfg,
		dir:         dir,
		started:     time.Now(),
		rng:         deps.Range,
		quotes:      deps.Quotes,
		samples:     samples,
		validator:   deps.Validator,
		metrics:     deps.Metrics,
		broadcaster: deps.Broadcaster,
		logger:      deps.Logger.WithFields(pkg.Fields{"component": "record_store"}),
		index:       make(map[hash.Key]indexEntry),
	}
	s.payments.Store(samples.TotalCount())

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	s.metrics.SetRecords(s.Len())

	s.logger.Info().
		Str("dir", dir).
		Int("records", s.Len()).
		Int("max_records", cfg.MaxRecords).
		Msg("record store opened")
	return s, nil
}

func (s *Store) loadIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read record directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != "" {
			continue
		}
		key, err := hash.ParseKey(e.Name())
		if err != nil {
			s.logger.Warn().Str("file", e.Name()).Msg("skipping foreign file in record directory")
			continue
		}
		rec, err := s.readFile(key)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key.Short()).Msg("dropping unreadable record")
			_ = os.Remove(s.path(key))
			continue
		}
		s.index[key] = indexEntry{kind: rec.Kind, size: len(rec.Payload)}
	}
	return nil
}

func (s *Store) path(key hash.Key) string {
	return filepath.Join(s.dir, hex.EncodeToString(key[:]))
}

func (s *Store) lockFor(key hash.Key) *sync.Mutex {
	return &s.locks[key[0]]
}

func (s *Store) readFile(key hash.Key) (record.StoredRecord, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return record.StoredRecord{}, pkg.ErrNotFound
	}
	if err != nil {
		return record.StoredRecord{}, fmt.Errorf("read record %s: %w", key.Short(), err)
	}
	var rec record.StoredRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return record.StoredRecord{}, fmt.Errorf("decode record %s: %w", key.Short(), err)
	}
	if rec.Key != key {
		return record.StoredRecord{}, fmt.Errorf("record file %s holds key %s", key.Short(), rec.Key.Short())
	}
	if err := rec.VerifyHeader(); err != nil {
		return record.StoredRecord{}, err
	}
	return rec, nil
}

func (s *Store) writeFile(rec record.StoredRecord) error {
	data, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Key.Short(), err)
	}
	final := s.path(rec.Key)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write record %s: %w", rec.Key.Short(), err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit record %s: %w", rec.Key.Short(), err)
	}
	return nil
}

func (s *Store) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return pkg.ErrContextCanceled
	default:
	}
	if s.closed.Load() {
		return pkg.ErrStoreClosed
	}
	return nil
}

// Self returns the ID distances are measured from.
func (s *Store) Self() hash.Key {
	return s.self
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// MaxRecords returns the configured capacity.
func (s *Store) MaxRecords() int {
	return s.cfg.MaxRecords
}

// Has reports whether key is stored locally.
func (s *Store) Has(key hash.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[key]
	return ok
}

// Get returns the locally stored record. It never goes to the network.
func (s *Store) Get(ctx context.Context, key hash.Key) (record.StoredRecord, error) {
	if err := s.check(ctx); err != nil {
		return record.StoredRecord{}, err
	}
	if !s.Has(key) {
		return record.StoredRecord{}, pkg.ErrNotFound
	}

	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	rec, err := s.readFile(key)
	if err != nil && !errors.Is(err, pkg.ErrNotFound) {
		s.logger.Error().Err(err).Str("key", key.Short()).Msg("stored record is corrupt, removing")
		s.dropLocked(key)
		return record.StoredRecord{}, pkg.ErrNotFound
	}
	return rec, err
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key hash.Key) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	s.dropLocked(key)
	return nil
}

// dropLocked removes key from disk and index. The caller holds the key's shard lock.
func (s *Store) dropLocked(key hash.Key) bool {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error().Err(err).Str("key", key.Short()).Msg("failed to remove record file")
	}
	s.mu.Lock()
	_, ok := s.index[key]
	delete(s.index, key)
	n := len(s.index)
	s.mu.Unlock()
	s.metrics.SetRecords(n)
	return ok
}

// KeysInRange returns the keys whose distance from self is at most r, closest
// first. The set is captured when KeysInRange is called; ranging over the
// result again replays the same snapshot.
func (s *Store) KeysInRange(r hash.Distance) iter.Seq[hash.Key] {
	s.mu.RLock()
	keys := make([]hash.Key, 0, len(s.index))
	for k := range s.index {
		if hash.XorDistance(s.self, k).Cmp(r) <= 0 {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	hash.SortByDistance(s.self, keys)
	return func(yield func(hash.Key) bool) {
		for _, k := range keys {
			if !yield(k) {
				return
			}
		}
	}
}

// Keys returns a snapshot of every stored key.
func (s *Store) Keys() []hash.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hash.Key, 0, len(s.index))
	for k := range s.index {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Close marks the store closed. Record files stay on disk.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Int("records", s.Len()).Msg("record store closed")
	return nil
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Records         int    `json:"records"`
	MaxRecords      int    `json:"max_records"`
	PaymentsCounted uint64 `json:"payments"`
	RangeBucket     int    `json:"range_bucket"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	return Stats{
		Records:         s.Len(),
		MaxRecords:      s.cfg.MaxRecords,
		PaymentsCounted: s.payments.Load(),
		RangeBucket:     s.rng.Range().BucketIndex(),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
	}
}
