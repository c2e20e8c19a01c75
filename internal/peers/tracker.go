// Package peers keeps this node's local view of misbehaving peers.
package peers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zde37/kadvault/internal/events"
	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

// Reason is why a violation was reported.
type Reason string

const (
	ReasonInvalidRecord      Reason = "invalid_record"
	ReasonBadQuote           Reason = "bad_quote"
	ReasonFetchTimeout       Reason = "fetch_timeout"
	ReasonReplicationFailure Reason = "replication_failure"
)

// Violation is the record kept for one peer.
type Violation struct {
	Peer     hash.Key       `json:"-"`
	PeerID   string         `json:"peer"`
	Count    int            `json:"count"`
	Reasons  map[Reason]int `json:"reasons"`
	Last     Reason         `json:"last_reason"`
	LastSeen time.Time      `json:"last_seen"`
	Shunned  bool           `json:"shunned"`
}

// Config for the tracker.
type Config struct {
	// Threshold is the violation count at which a peer is shunned
	Threshold int
	// Cooldown without new violations after which a shunned peer is rehabilitated
	Cooldown time.Duration
	// SweepInterval is how often Run looks for peers to rehabilitate
	SweepInterval time.Duration
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:     3,
		Cooldown:      30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Tracker counts violations per peer and decides shunning. Shunning only
// affects this node's own choice of fan-out targets, quote sources and fetch
// sources; it is not a network-level ban.
type Tracker struct {
	cfg         Config
	mu          sync.RWMutex
	peers       map[hash.Key]*Violation
	now         func() time.Time
	logger      *pkg.Logger
	broadcaster events.Broadcaster
	onShun      func(hash.Key, bool)
}

// NewTracker creates a tracker.
func NewTracker(cfg Config, logger *pkg.Logger, broadcaster events.Broadcaster) (*Tracker, error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("violation threshold must be positive, got %d", cfg.Threshold)
	}
	if cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("rehabilitation cooldown must be positive")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if broadcaster == nil {
		broadcaster = events.Nop{}
	}
	return &Tracker{
		cfg:         cfg,
		peers:       make(map[hash.Key]*Violation),
		now:         time.Now,
		logger:      logger.WithFields(pkg.Fields{"component": "bad_peers"}),
		broadcaster: broadcaster,
	}, nil
}

// OnShunChange registers a callback invoked with (peer, shunned) whenever a
// peer is shunned or rehabilitated. Must be set before use.
func (t *Tracker) OnShunChange(fn func(peer hash.Key, shunned bool)) {
	t.onShun = fn
}

// Report records a violation by peer. It returns true when this report
// pushed the peer over the threshold.
func (t *Tracker) Report(peer hash.Key, reason Reason) bool {
	t.mu.Lock()
	v, ok := t.peers[peer]
	if !ok {
		v = &Violation{Peer: peer, PeerID: peer.String(), Reasons: make(map[Reason]int)}
		t.peers[peer] = v
	}
	v.Count++
	v.Reasons[reason]++
	v.Last = reason
	v.LastSeen = t.now()

	crossed := !v.Shunned && v.Count >= t.cfg.Threshold
	if crossed {
		v.Shunned = true
	}
	count := v.Count
	t.mu.Unlock()

	t.logger.Debug().
		Str("peer", peer.Short()).
		Str("reason", string(reason)).
		Int("count", count).
		Msg("peer violation reported")

	if crossed {
		t.logger.Warn().
			Str("peer", peer.Short()).
			Str("reason", string(reason)).
			Int("count", count).
			Msg("peer shunned")
		t.broadcaster.Broadcast(events.Event{
			Type:      events.PeerShunned,
			Peer:      peer.String(),
			Timestamp: t.now().Unix(),
			Message:   fmt.Sprintf("%d violations, last %s", count, reason),
		})
		if t.onShun != nil {
			t.onShun(peer, true)
		}
	}
	return crossed
}

// IsShunned reports whether peer is currently excluded.
func (t *Tracker) IsShunned(peer hash.Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.peers[peer]
	return ok && v.Shunned
}

// Filter returns the peers that are not shunned, in their original order.
func (t *Tracker) Filter(peers []routing.Peer) []routing.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]routing.Peer, 0, len(peers))
	for _, p := range peers {
		if v, ok := t.peers[p.ID]; ok && v.Shunned {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Guard returns ErrPeerShunned when peer is excluded.
func (t *Tracker) Guard(peer hash.Key) error {
	if t.IsShunned(peer) {
		return fmt.Errorf("%w: %s", pkg.ErrPeerShunned, peer.Short())
	}
	return nil
}

// Violations returns a snapshot of every tracked peer, worst first.
func (t *Tracker) Violations() []Violation {
	t.mu.RLock()
	out := make([]Violation, 0, len(t.peers))
	for _, v := range t.peers {
		c := *v
		c.Reasons = make(map[Reason]int, len(v.Reasons))
		for r, n := range v.Reasons {
			c.Reasons[r] = n
		}
		out = append(out, c)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Peer.Less(out[j].Peer)
	})
	return out
}

// ShunnedCount returns how many peers are currently shunned.
func (t *Tracker) ShunnedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, v := range t.peers {
		if v.Shunned {
			n++
		}
	}
	return n
}

// Forget drops everything known about peer, for when membership evicts it.
func (t *Tracker) Forget(peer hash.Key) {
	t.mu.Lock()
	delete(t.peers, peer)
	t.mu.Unlock()
}

// Rehabilitate clears peers whose last violation is older than the cooldown.
// It returns the shunned peers that were rehabilitated.
func (t *Tracker) Rehabilitate(now time.Time) []hash.Key {
	t.mu.Lock()
	var cleared []hash.Key
	for id, v := range t.peers {
		if now.Sub(v.LastSeen) < t.cfg.Cooldown {
			continue
		}
		delete(t.peers, id)
		if v.Shunned {
			cleared = append(cleared, id)
		}
	}
	t.mu.Unlock()

	for _, id := range cleared {
		t.logger.Info().Str("peer", id.Short()).Msg("peer rehabilitated")
		t.broadcaster.Broadcast(events.Event{
			Type:      events.PeerRehabilitated,
			Peer:      id.String(),
			Timestamp: now.Unix(),
			Message:   "cooldown elapsed without violations",
		})
		if t.onShun != nil {
			t.onShun(id, false)
		}
	}
	return cleared
}

// Run rehabilitates peers periodically until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Rehabilitate(t.now())
		}
	}
}
