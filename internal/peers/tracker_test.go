package peers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kadvault/internal/events"
	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

func createTestTracker(t *testing.T, threshold int) (*Tracker, *events.Recorder) {
	t.Helper()
	rec := events.NewRecorder(16)
	tr, err := NewTracker(Config{Threshold: threshold, Cooldown: time.Minute}, pkg.Nop(), rec)
	require.NoError(t, err)
	return tr, rec
}

func TestNewTrackerValidation(t *testing.T) {
	_, err := NewTracker(Config{Threshold: 0, Cooldown: time.Minute}, pkg.Nop(), nil)
	assert.Error(t, err)
	_, err = NewTracker(Config{Threshold: 1}, pkg.Nop(), nil)
	assert.Error(t, err)
	_, err = NewTracker(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestReportShunsAtThreshold(t *testing.T) {
	tr, rec := createTestTracker(t, 3)
	peer := hash.OfString("flaky")

	var changes []bool
	tr.OnShunChange(func(_ hash.Key, shunned bool) { changes = append(changes, shunned) })

	assert.False(t, tr.Report(peer, ReasonFetchTimeout))
	assert.False(t, tr.Report(peer, ReasonFetchTimeout))
	assert.False(t, tr.IsShunned(peer))
	assert.NoError(t, tr.Guard(peer))

	assert.True(t, tr.Report(peer, ReasonInvalidRecord))
	assert.True(t, tr.IsShunned(peer))
	assert.ErrorIs(t, tr.Guard(peer), pkg.ErrPeerShunned)

	// already shunned, not crossed again
	assert.False(t, tr.Report(peer, ReasonInvalidRecord))
	assert.Equal(t, 1, tr.ShunnedCount())
	assert.Equal(t, []bool{true}, changes)

	ev := <-rec.Events()
	assert.Equal(t, events.PeerShunned, ev.Type)
	assert.Equal(t, peer.String(), ev.Peer)

	v := tr.Violations()
	require.Len(t, v, 1)
	assert.Equal(t, 4, v[0].Count)
	assert.Equal(t, 2, v[0].Reasons[ReasonFetchTimeout])
	assert.Equal(t, ReasonInvalidRecord, v[0].Last)
}

func TestFilter(t *testing.T) {
	tr, _ := createTestTracker(t, 1)
	a := routing.NewPeer("a", "127.0.0.1:1")
	b := routing.NewPeer("b", "127.0.0.1:2")
	c := routing.NewPeer("c", "127.0.0.1:3")

	tr.Report(b.ID, ReasonBadQuote)
	assert.Equal(t, []routing.Peer{a, c}, tr.Filter([]routing.Peer{a, b, c}))
}

func TestRehabilitate(t *testing.T) {
	tr, rec := createTestTracker(t, 2)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return start }

	shunned := hash.OfString("shunned")
	minor := hash.OfString("minor")
	tr.Report(shunned, ReasonFetchTimeout)
	tr.Report(shunned, ReasonFetchTimeout)
	tr.Report(minor, ReasonFetchTimeout)
	<-rec.Events()

	assert.Empty(t, tr.Rehabilitate(start.Add(30*time.Second)), "cooldown not elapsed")
	assert.True(t, tr.IsShunned(shunned))

	cleared := tr.Rehabilitate(start.Add(time.Minute))
	assert.Equal(t, []hash.Key{shunned}, cleared)
	assert.False(t, tr.IsShunned(shunned))
	assert.Empty(t, tr.Violations(), "stale minor violations are dropped too")

	ev := <-rec.Events()
	assert.Equal(t, events.PeerRehabilitated, ev.Type)
}

func TestForget(t *testing.T) {
	tr, _ := createTestTracker(t, 1)
	p := hash.OfString("gone")
	tr.Report(p, ReasonReplicationFailure)
	tr.Forget(p)
	assert.False(t, tr.IsShunned(p))
}

func TestConcurrentReports(t *testing.T) {
	tr, _ := createTestTracker(t, 1000)
	peer := hash.OfString("busy")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tr.Report(peer, ReasonFetchTimeout)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, tr.Violations()[0].Count)
}

func TestRunStopsOnCancel(t *testing.T) {
	tr, err := NewTracker(Config{Threshold: 1, Cooldown: time.Minute, SweepInterval: time.Millisecond}, pkg.Nop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
