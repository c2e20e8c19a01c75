// Package replication pulls records this node should hold from peers that
// have them, and tells close-group peers which records it holds.
package replication

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/zde37/kadvault/internal/events"
	"github.com/zde37/kadvault/internal/metrics"
	"github.com/zde37/kadvault/internal/peers"
	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

// ErrHintDropped is returned when inbound hints exceed the rate limit.
var ErrHintDropped = fmt.Errorf("replication hint dropped: %w", pkg.ErrRateLimited)

// Fetcher is the client side of the RPCs replication needs.
type Fetcher interface {
	GetRecord(ctx context.Context, peer routing.Peer, key hash.Key) (record.StoredRecord, error)
	Replicate(ctx context.Context, peer routing.Peer, holder routing.Peer, keys []hash.Key) error
}

// LocalStore is the part of the record store replication writes to.
type LocalStore interface {
	Has(key hash.Key) bool
	PutReplicated(ctx context.Context, rec record.StoredRecord) (record.Outcome, error)
	KeysInRange(r hash.Distance) iter.Seq[hash.Key]
}

// Config for the engine.
type Config struct {
	MaxParallel   int
	FetchTimeout  time.Duration
	SweepInterval time.Duration
	// HintRate and HintBurst bound inbound Replicate messages per second
	HintRate     float64
	HintBurst    int
	MaxHintKeys  int
	MaxValueSize int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel:   4,
		FetchTimeout:  10 * time.Second,
		SweepInterval: 2 * time.Minute,
		HintRate:      50,
		HintBurst:     100,
		MaxHintKeys:   512,
		MaxValueSize:  65536,
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Self        routing.Peer
	Store       LocalStore
	Fetcher     Fetcher
	Tracker     *routing.Tracker
	BadPeers    *peers.Tracker
	Metrics     *metrics.Metrics
	Broadcaster events.Broadcaster
	Logger      *pkg.Logger
}

// Engine owns the replication task registry. There is at most one task per
// key, so a key is never fetched twice concurrently.
type Engine struct {
	cfg         Config
	self        routing.Peer
	store       LocalStore
	fetcher     Fetcher
	tracker     *routing.Tracker
	badPeers    *peers.Tracker
	metrics     *metrics.Metrics
	broadcaster events.Broadcaster
	logger      *pkg.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	wakeCh  chan struct{}

	mu      sync.Mutex
	tasks   map[hash.Key]*Task
	order   []hash.Key
	holders map[hash.Key]routing.Peer

	inFlight  atomic.Int64
	stored    atomic.Uint64
	abandoned atomic.Uint64

	wg sync.WaitGroup
}

// New creates an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Tracker == nil || deps.BadPeers == nil || deps.Logger == nil {
		return nil, fmt.Errorf("replication engine needs a store, fetcher, tracker, bad peer tracker and logger")
	}
	def := DefaultConfig()
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HintRate <= 0 {
		cfg.HintRate = def.HintRate
	}
	if cfg.HintBurst <= 0 {
		cfg.HintBurst = def.HintBurst
	}
	if cfg.MaxHintKeys <= 0 {
		cfg.MaxHintKeys = def.MaxHintKeys
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = events.Nop{}
	}

	return &Engine{
		cfg:         cfg,
		self:        deps.Self,
		store:       deps.Store,
		fetcher:     deps.Fetcher,
		tracker:     deps.Tracker,
		badPeers:    deps.BadPeers,
		metrics:     deps.Metrics,
		broadcaster: deps.Broadcaster,
		logger:      deps.Logger.WithFields(pkg.Fields{"component": "replication"}),
		sem:         semaphore.NewWeighted(int64(cfg.MaxParallel)),
		limiter:     rate.NewLimiter(rate.Limit(cfg.HintRate), cfg.HintBurst),
		wakeCh:      make(chan struct{}, 1),
		tasks:       make(map[hash.Key]*Task),
		holders:     make(map[hash.Key]routing.Peer),
	}, nil
}

// Hint records that holder has keys. Keys already held or outside this
// node's responsibility are ignored; a key with a live task gains holder as
// another source. It returns how many keys were accepted.
func (e *Engine) Hint(holder routing.Peer, keys []hash.Key) (int, error) {
	if !e.limiter.Allow() {
		e.metrics.RecordHintDropped()
		return 0, ErrHintDropped
	}
	if holder.ID == e.self.ID {
		return 0, nil
	}
	if len(keys) > e.cfg.MaxHintKeys {
		keys = keys[:e.cfg.MaxHintKeys]
	}

	now := time.Now()
	accepted := 0
	e.mu.Lock()
	e.holders[holder.ID] = holder
	for _, key := range keys {
		if e.store.Has(key) {
			continue
		}
		if !e.tracker.InRange(key) && !e.tracker.ShouldHold(key) {
			continue
		}
		if t, ok := e.tasks[key]; ok {
			t.addHolder(holder.ID)
			accepted++
			continue
		}
		e.tasks[key] = &Task{
			Key:     key,
			Holders: []hash.Key{holder.ID},
			tried:   make(map[hash.Key]struct{}),
			State:   StatePending,
			Created: now,
		}
		e.order = append(e.order, key)
		accepted++
	}
	n := len(e.tasks)
	e.mu.Unlock()

	e.metrics.SetReplication(n, int(e.inFlight.Load()))
	if accepted > 0 {
		e.logger.Debug().
			Str("holder", holder.ID.Short()).
			Int("keys", len(keys)).
			Int("accepted", accepted).
			Msg("replication hint accepted")
		e.wake()
	}
	return accepted, nil
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives the engine until ctx is done: periodic sweeps, a sweep on every
// DistanceRange change, and task processing whenever work arrives.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.logger.Info().
		Int("max_parallel", e.cfg.MaxParallel).
		Dur("fetch_timeout", e.cfg.FetchTimeout).
		Dur("sweep_interval", e.cfg.SweepInterval).
		Msg("replication engine started")

	e.process(ctx)
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.logger.Info().Msg("replication engine stopped")
			return
		case <-ticker.C:
			e.Sweep(ctx)
		case rng := <-e.tracker.Changes():
			e.logger.Info().Int("range_bucket", rng.BucketIndex()).Msg("range changed, sweeping")
			e.Sweep(ctx)
		case <-e.wakeCh:
			e.process(ctx)
		}
	}
}

// process starts fetches for pending tasks while fetch slots are free.
func (e *Engine) process(ctx context.Context) {
	for ctx.Err() == nil {
		if !e.sem.TryAcquire(1) {
			return
		}
		key, holder, ok := e.next()
		if !ok {
			e.sem.Release(1)
			return
		}

		e.inFlight.Add(1)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.fetch(ctx, key, holder)
			e.inFlight.Add(-1)
			e.sem.Release(1)
			e.wake()
		}()
	}
}

// next claims the oldest pending task that still has an eligible holder.
// Tasks whose holders are all tried or shunned are abandoned here.
func (e *Engine) next() (hash.Key, routing.Peer, bool) {
	var abandoned []*Task
	defer func() {
		for _, t := range abandoned {
			e.abandon(t)
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := 0; i < len(e.order); i++ {
		key := e.order[i]
		t := e.tasks[key]
		if t.State != StatePending {
			continue
		}
		if e.store.Has(key) {
			e.removeLocked(key)
			i--
			continue
		}

		id, ok := t.nextHolder(e.badPeers.IsShunned)
		if !ok {
			e.removeLocked(key)
			i--
			abandoned = append(abandoned, t)
			continue
		}
		holder, known := e.holders[id]
		if !known {
			t.tried[id] = struct{}{}
			i--
			continue
		}

		t.tried[id] = struct{}{}
		t.Attempts++
		t.State = StateFetching
		return key, holder, true
	}
	return hash.Key{}, routing.Peer{}, false
}

// removeLocked drops key from the registry. The caller holds e.mu.
func (e *Engine) removeLocked(key hash.Key) {
	delete(e.tasks, key)
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *Engine) abandon(t *Task) {
	t.State = StateAbandoned
	e.abandoned.Add(1)
	e.metrics.RecordFetch("abandoned")
	e.logger.Warn().
		Str("key", t.Key.Short()).
		Int("holders", len(t.Holders)).
		Int("attempts", t.Attempts).
		Msg("replication task abandoned")
	e.broadcaster.Broadcast(events.Event{
		Type:      events.ReplicationAbandoned,
		Key:       t.Key.String(),
		Timestamp: time.Now().Unix(),
		Message:   fmt.Sprintf("all %d holders failed after %d attempts", len(t.Holders), t.Attempts),
	})
}

// fetch pulls key from holder and stores it. On failure the task returns to
// pending so the next holder is tried.
func (e *Engine) fetch(ctx context.Context, key hash.Key, holder routing.Peer) {
	// the holder may have been shunned since it was picked
	if err := e.badPeers.Guard(holder.ID); err != nil {
		e.metrics.RecordFetch("shunned")
		e.logger.Debug().Err(err).Str("key", key.Short()).Msg("skipping shunned holder")
		e.release(key)
		return
	}

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	rec, err := e.fetcher.GetRecord(fctx, holder, key)
	cancel()

	if err == nil {
		if rec.Key != key {
			err = pkg.Invalid("holder returned record %s for %s", rec.Key.Short(), key.Short())
		} else {
			err = record.Validate(rec, e.cfg.MaxValueSize)
		}
	}
	if err == nil {
		_, err = e.store.PutReplicated(ctx, rec)
	}

	if err == nil {
		e.finish(key)
		e.stored.Add(1)
		e.metrics.RecordFetch("stored")
		e.logger.Debug().Str("key", key.Short()).Str("holder", holder.ID.Short()).Msg("replicated record stored")
		e.broadcaster.Broadcast(events.Event{
			Type:      events.ReplicationStored,
			Key:       key.String(),
			Peer:      holder.ID.String(),
			Timestamp: time.Now().Unix(),
			Message:   "record fetched from holder",
		})
		return
	}

	if ctx.Err() != nil {
		e.release(key)
		return
	}
	if errors.Is(err, pkg.ErrCapacityExceeded) {
		// our own limit, not the holder's fault
		e.logger.Info().Err(err).Str("key", key.Short()).Msg("no room for replicated record")
		e.mu.Lock()
		t, ok := e.tasks[key]
		e.removeLocked(key)
		e.mu.Unlock()
		if ok {
			e.abandon(t)
		}
		return
	}

	if errors.Is(err, pkg.ErrNotFound) {
		// the holder dropped the key; try the next one without a violation
		e.metrics.RecordFetch("not_found")
		e.logger.Debug().Str("key", key.Short()).Str("holder", holder.ID.Short()).Msg("holder no longer has record")
		e.release(key)
		return
	}

	reason := peers.ReasonReplicationFailure
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = peers.ReasonFetchTimeout
	case errors.Is(err, pkg.ErrValidationFailed):
		reason = peers.ReasonInvalidRecord
	}
	e.metrics.RecordFetch(string(reason))
	e.logger.Debug().
		Err(err).
		Str("key", key.Short()).
		Str("holder", holder.ID.Short()).
		Str("reason", string(reason)).
		Msg("replication fetch failed")
	e.badPeers.Report(holder.ID, reason)
	e.release(key)
}

func (e *Engine) finish(key hash.Key) {
	e.mu.Lock()
	if t, ok := e.tasks[key]; ok {
		t.State = StateStored
		e.removeLocked(key)
	}
	n := len(e.tasks)
	e.mu.Unlock()
	e.metrics.SetReplication(n, int(e.inFlight.Load()))
}

func (e *Engine) release(key hash.Key) {
	e.mu.Lock()
	if t, ok := e.tasks[key]; ok {
		t.State = StatePending
	}
	e.mu.Unlock()
}

// Sweep tells every close-group peer which of our in-range keys it should
// hold, then resumes pending tasks.
func (e *Engine) Sweep(ctx context.Context) {
	started := time.Now()
	closeGroup := e.badPeers.Filter(e.tracker.Peers())
	if len(closeGroup) == 0 {
		e.process(ctx)
		return
	}

	perPeer := make(map[hash.Key][]hash.Key)
	byID := make(map[hash.Key]routing.Peer, len(closeGroup))
	for _, p := range closeGroup {
		byID[p.ID] = p
	}
	total := 0
	for key := range e.store.KeysInRange(e.tracker.Range()) {
		total++
		for _, p := range e.tracker.ClosestPeers(key, e.tracker.K()) {
			if _, ok := byID[p.ID]; ok {
				perPeer[p.ID] = append(perPeer[p.ID], key)
			}
		}
	}

	ids := make([]hash.Key, 0, len(perPeer))
	for id := range perPeer {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	pushed := 0
	for _, id := range ids {
		keys := perPeer[id]
		for start := 0; start < len(keys); start += e.cfg.MaxHintKeys {
			end := min(start+e.cfg.MaxHintKeys, len(keys))
			pctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
			err := e.fetcher.Replicate(pctx, byID[id], e.self, keys[start:end])
			cancel()
			if err != nil {
				e.logger.Debug().Err(err).Str("peer", id.Short()).Msg("replicate push failed")
				break
			}
			pushed += end - start
		}
	}

	e.logger.Debug().
		Int("keys_in_range", total).
		Int("peers", len(ids)).
		Int("pushed", pushed).
		Dur("took", time.Since(started)).
		Msg("replication sweep finished")
	e.process(ctx)
}

// Stats is a snapshot for the HTTP surface.
type Stats struct {
	Tasks     []TaskInfo `json:"tasks"`
	InFlight  int64      `json:"in_flight"`
	Stored    uint64     `json:"stored"`
	Abandoned uint64     `json:"abandoned"`
}

// Stats returns the current registry and counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	infos := make([]TaskInfo, 0, len(e.order))
	for _, key := range e.order {
		infos = append(infos, e.tasks[key].info())
	}
	e.mu.Unlock()

	return Stats{
		Tasks:     infos,
		InFlight:  e.inFlight.Load(),
		Stored:    e.stored.Load(),
		Abandoned: e.abandoned.Load(),
	}
}

// Pending reports whether a task for key is registered.
func (e *Engine) Pending(key hash.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[key]
	return ok
}
