package routing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kadvault/internal/events"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

func peerWithLastByte(b byte) Peer {
	var id hash.Key
	id[hash.Size-1] = b
	return Peer{ID: id, Addr: fmt.Sprintf("127.0.0.1:%d", 9000+int(b))}
}

func createTestTracker(t *testing.T, k int) *Tracker {
	t.Helper()
	tr, err := NewTracker(hash.Key{}, k, pkg.Nop(), events.Nop{})
	require.NoError(t, err)
	return tr
}

func TestNewTracker(t *testing.T) {
	_, err := NewTracker(hash.Key{}, 0, pkg.Nop(), nil)
	assert.Error(t, err)

	_, err = NewTracker(hash.Key{}, 3, nil, nil)
	assert.Error(t, err)

	tr, err := NewTracker(hash.Key{}, 3, pkg.Nop(), nil)
	require.NoError(t, err)
	assert.Equal(t, hash.MaxDistance, tr.Range())
}

func TestTrackerUpdate(t *testing.T) {
	t.Run("fewer than k peers keeps everything in range", func(t *testing.T) {
		tr := createTestTracker(t, 3)
		rng, changed := tr.Update([]Peer{peerWithLastByte(1), peerWithLastByte(2)})
		assert.False(t, changed)
		assert.Equal(t, hash.MaxDistance, rng)
		assert.True(t, tr.InRange(hash.OfString("anything")))
	})

	t.Run("range is distance to kth closest", func(t *testing.T) {
		tr := createTestTracker(t, 3)
		rng, changed := tr.Update([]Peer{
			peerWithLastByte(9), peerWithLastByte(2), peerWithLastByte(5), peerWithLastByte(1),
		})
		require.True(t, changed)
		assert.Equal(t, hash.Distance(peerWithLastByte(5).ID), rng)

		var near, far hash.Key
		near[hash.Size-1] = 5
		far[hash.Size-1] = 6
		assert.True(t, tr.InRange(near))
		assert.False(t, tr.InRange(far))

		select {
		case got := <-tr.Changes():
			assert.Equal(t, rng, got)
		default:
			t.Fatal("expected a change notification")
		}
	})

	t.Run("self is ignored", func(t *testing.T) {
		tr := createTestTracker(t, 2)
		_, _ = tr.Update([]Peer{{ID: hash.Key{}}, peerWithLastByte(4), peerWithLastByte(8)})
		assert.Equal(t, hash.Distance(peerWithLastByte(8).ID), tr.Range())
		assert.Len(t, tr.Peers(), 2)
	})

	t.Run("shrinks as the network densifies and grows when peers leave", func(t *testing.T) {
		tr := createTestTracker(t, 2)
		sparse, _ := tr.Update([]Peer{peerWithLastByte(40), peerWithLastByte(80)})
		dense, changed := tr.Update([]Peer{peerWithLastByte(40), peerWithLastByte(80), peerWithLastByte(3), peerWithLastByte(7)})
		require.True(t, changed)
		assert.Equal(t, -1, dense.Cmp(sparse))

		lost, changed := tr.Update([]Peer{peerWithLastByte(80)})
		require.True(t, changed)
		assert.Equal(t, hash.MaxDistance, lost)
	})

	t.Run("notifications coalesce", func(t *testing.T) {
		tr := createTestTracker(t, 1)
		tr.Update([]Peer{peerWithLastByte(9)})
		last, _ := tr.Update([]Peer{peerWithLastByte(3)})
		assert.Equal(t, last, <-tr.Changes())
		select {
		case <-tr.Changes():
			t.Fatal("stale notification left behind")
		default:
		}
	})
}

func TestTrackerConcurrentUpdates(t *testing.T) {
	for round := range 20 {
		tr := createTestTracker(t, 2)

		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				base := byte(i*8 + 1)
				tr.Update([]Peer{peerWithLastByte(base), peerWithLastByte(base + 1 + byte(round%4))})
			}()
		}
		wg.Wait()

		select {
		case last := <-tr.Changes():
			assert.Equal(t, tr.Range(), last, "round %d", round)
		default:
			t.Fatalf("round %d: no range change published", round)
		}
	}
}

func TestClosestPeers(t *testing.T) {
	peers := []Peer{peerWithLastByte(7), peerWithLastByte(1), peerWithLastByte(4), peerWithLastByte(1)}

	got := ClosestPeers(hash.Key{}, peers, 2)
	assert.Equal(t, []Peer{peerWithLastByte(1), peerWithLastByte(4)}, got)

	tr := createTestTracker(t, 2)
	tr.Update(peers)
	assert.Equal(t, got, tr.ClosestPeers(hash.Key{}, 2))
}

func TestShouldHold(t *testing.T) {
	tr := createTestTracker(t, 2)
	assert.True(t, tr.ShouldHold(hash.OfString("x")), "nothing known yet")

	tr.Update([]Peer{peerWithLastByte(0x10), peerWithLastByte(0x11), peerWithLastByte(0x12)})

	var key hash.Key
	key[hash.Size-1] = 0x11
	assert.False(t, tr.ShouldHold(key), "two peers are closer than self")

	key[hash.Size-1] = 0x01
	assert.True(t, tr.ShouldHold(key))
}

func TestStaticPeers(t *testing.T) {
	sp := NewStaticPeers(peerWithLastByte(1))
	snap := sp.CurrentPeers()
	snap[0].Addr = "mutated"
	assert.Equal(t, peerWithLastByte(1), sp.CurrentPeers()[0])

	sp.Set(peerWithLastByte(2), peerWithLastByte(3))
	assert.Len(t, sp.CurrentPeers(), 2)

	tr := createTestTracker(t, 2)
	rng, changed := tr.Refresh(sp)
	assert.True(t, changed)
	assert.Equal(t, hash.Distance(peerWithLastByte(3).ID), rng)
}

func TestWithout(t *testing.T) {
	peers := []Peer{peerWithLastByte(1), peerWithLastByte(2)}
	assert.Equal(t, []Peer{peerWithLastByte(2)}, Without(peers, peerWithLastByte(1).ID))
	assert.Contains(t, peerWithLastByte(1).String(), "@127.0.0.1")
}
