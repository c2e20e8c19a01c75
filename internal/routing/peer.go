// Package routing decides which peers are close to a key and how far this
// node's responsibility reaches.
package routing

import (
	"fmt"
	"sync"

	"github.com/zde37/kadvault/pkg/hash"
)

// Peer is a member of the overlay.
type Peer struct {
	ID   hash.Key `json:"-" cbor:"id"`
	Addr string   `json:"addr" cbor:"addr"`
}

// NewPeer creates a peer whose ID is derived from its name.
func NewPeer(name, addr string) Peer {
	return Peer{ID: hash.OfString(name), Addr: addr}
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.ID.Short(), p.Addr)
}

// PeerSetProvider is implemented by the membership layer. Every call returns a
// fresh snapshot the caller may keep for the duration of one operation.
type PeerSetProvider interface {
	CurrentPeers() []Peer
}

// ClosestPeers returns up to k peers closest to target, ties broken by ID.
func ClosestPeers(target hash.Key, peers []Peer, k int) []Peer {
	byID := make(map[hash.Key]Peer, len(peers))
	ids := make([]hash.Key, 0, len(peers))
	for _, p := range peers {
		if _, dup := byID[p.ID]; dup {
			continue
		}
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	closest := hash.Closest(target, ids, k)
	out := make([]Peer, len(closest))
	for i, id := range closest {
		out[i] = byID[id]
	}
	return out
}

// Without returns peers minus the one with the given ID.
func Without(peers []Peer, id hash.Key) []Peer {
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

// StaticPeers is a fixed, mutable-by-Set peer set, for seed-only deployments and tests.
type StaticPeers struct {
	mu    sync.RWMutex
	peers []Peer
}

// NewStaticPeers creates a provider returning peers.
func NewStaticPeers(peers ...Peer) *StaticPeers {
	return &StaticPeers{peers: append([]Peer(nil), peers...)}
}

// CurrentPeers returns a copy of the set.
func (s *StaticPeers) CurrentPeers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Peer(nil), s.peers...)
}

// Set replaces the set.
func (s *StaticPeers) Set(peers ...Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append([]Peer(nil), peers...)
}
