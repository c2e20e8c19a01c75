package routing

import (
	"fmt"
	"sync"

	"github.com/zde37/kadvault/internal/events"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

// Tracker holds the DistanceRange: the XOR radius around self within which
// this node considers itself responsible for keys. It is the distance to the
// k-th closest known peer, or MaxDistance while fewer than k peers are known.
type Tracker struct {
	self hash.Key
	k    int

	mu    sync.RWMutex
	peers []Peer
	rng   hash.Distance

	changes     chan hash.Distance
	logger      *pkg.Logger
	broadcaster events.Broadcaster
}

// NewTracker creates a tracker for the node with ID self and close group size k.
func NewTracker(self hash.Key, k int, logger *pkg.Logger, broadcaster events.Broadcaster) (*Tracker, error) {
	if k <= 0 {
		return nil, fmt.Errorf("close group size must be positive, got %d", k)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if broadcaster == nil {
		broadcaster = events.Nop{}
	}
	return &Tracker{
		self:        self,
		k:           k,
		rng:         hash.MaxDistance,
		changes:     make(chan hash.Distance, 1),
		logger:      logger.WithFields(pkg.Fields{"component": "responsibility"}),
		broadcaster: broadcaster,
	}, nil
}

// Self returns this node's ID.
func (t *Tracker) Self() hash.Key {
	return t.self
}

// K returns the close group size.
func (t *Tracker) K() int {
	return t.k
}

// Update replaces the known peer set and recomputes the range. It reports
// whether the range moved.
func (t *Tracker) Update(peers []Peer) (hash.Distance, bool) {
	others := Without(peers, t.self)
	sorted := ClosestPeers(t.self, others, len(others))

	rng := hash.MaxDistance
	if len(sorted) >= t.k {
		rng = hash.XorDistance(t.self, sorted[t.k-1].ID)
	}

	// the range is compared and published under one lock, so the last
	// value on Changes is always the current range
	t.mu.Lock()
	prev := t.rng
	t.peers = sorted
	t.rng = rng
	if prev != rng {
		// keep only the latest value for a slow consumer
		select {
		case <-t.changes:
		default:
		}
		select {
		case t.changes <- rng:
		default:
		}
	}
	t.mu.Unlock()

	if prev == rng {
		return rng, false
	}

	t.logger.Info().
		Int("known_peers", len(sorted)).
		Int("range_bucket", rng.BucketIndex()).
		Bool("grew", rng.Cmp(prev) > 0).
		Msg("distance range changed")
	t.broadcaster.Broadcast(events.New(events.RangeChanged,
		fmt.Sprintf("range bucket %d with %d known peers", rng.BucketIndex(), len(sorted))))
	return rng, true
}

// Refresh takes a snapshot from provider and updates with it.
func (t *Tracker) Refresh(provider PeerSetProvider) (hash.Distance, bool) {
	return t.Update(provider.CurrentPeers())
}

// Changes delivers the new range after each change. Intermediate values may be skipped.
func (t *Tracker) Changes() <-chan hash.Distance {
	return t.changes
}

// Range returns the current DistanceRange.
func (t *Tracker) Range() hash.Distance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rng
}

// InRange reports whether key lies within the range of self.
func (t *Tracker) InRange(key hash.Key) bool {
	return hash.XorDistance(t.self, key).Cmp(t.Range()) <= 0
}

// Peers returns the last known peers, closest to self first.
func (t *Tracker) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Peer(nil), t.peers...)
}

// CurrentPeers makes the tracker a PeerSetProvider over the last known peers.
func (t *Tracker) CurrentPeers() []Peer {
	return t.Peers()
}

// ClosestPeers returns the k known peers closest to key, self excluded.
func (t *Tracker) ClosestPeers(key hash.Key, k int) []Peer {
	t.mu.RLock()
	peers := t.peers
	t.mu.RUnlock()
	return ClosestPeers(key, peers, k)
}

// ShouldHold reports whether self is among the k closest to key, given the
// last known peers.
func (t *Tracker) ShouldHold(key hash.Key) bool {
	closest := t.ClosestPeers(key, t.k)
	if len(closest) < t.k {
		return true
	}
	return hash.XorDistance(key, t.self).Cmp(hash.XorDistance(key, closest[t.k-1].ID)) <= 0
}
