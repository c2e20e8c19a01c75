package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kadvault/internal/config"
	"github.com/zde37/kadvault/internal/events"
	"github.com/zde37/kadvault/internal/peers"
	"github.com/zde37/kadvault/internal/quorum"
	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.Name = name
	cfg.Node.Port = 0
	cfg.Node.RPCTimeout = 2 * time.Second
	cfg.Storage.DataDir = t.TempDir()
	cfg.Quorum.CloseGroup = 3
	cfg.Quorum.RequestTimeout = 2 * time.Second
	cfg.Quorum.InitialBackoff = 10 * time.Millisecond
	cfg.Quorum.MaxBackoff = 50 * time.Millisecond
	cfg.Replication.SweepInterval = time.Hour
	cfg.Replication.FetchTimeout = 2 * time.Second
	return cfg
}

// startCluster starts size nodes that know each other through a shared
// static peer set.
func startCluster(t *testing.T, size int) []*Node {
	t.Helper()
	set := routing.NewStaticPeers()

	nodes := make([]*Node, size)
	selves := make([]routing.Peer, size)
	for i := range nodes {
		n, err := New(testConfig(t, "vault-"+string(rune('a'+i))), pkg.Nop(), WithStaticPeers(set))
		require.NoError(t, err)
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(func() { n.Stop() })

		nodes[i] = n
		selves[i] = n.Self()
	}

	set.Set(selves...)
	for _, n := range nodes {
		n.RefreshPeers()
		require.Len(t, n.Peers(), size-1)
	}
	return nodes
}

func TestLoadIdentity(t *testing.T) {
	t.Run("configured name wins", func(t *testing.T) {
		dir := t.TempDir()
		name, err := loadIdentity(dir, "vault-1")
		require.NoError(t, err)
		assert.Equal(t, "vault-1", name)
		assert.NoFileExists(t, filepath.Join(dir, identityFile))
	})

	t.Run("generated once and reused", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "fresh")
		first, err := loadIdentity(dir, "")
		require.NoError(t, err)
		assert.NotEmpty(t, first)

		second, err := loadIdentity(dir, "")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("empty identity file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, identityFile), []byte("\n"), 0600))
		_, err := loadIdentity(dir, "")
		assert.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, pkg.Nop())
		assert.Error(t, err)
	})

	t.Run("nil logger", func(t *testing.T) {
		_, err := New(testConfig(t, "a"), nil)
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t, "a")
		cfg.Quorum.CloseGroup = 0
		_, err := New(cfg, pkg.Nop())
		assert.Error(t, err)
	})

	t.Run("identity follows name", func(t *testing.T) {
		n, err := New(testConfig(t, "vault-x"), pkg.Nop())
		require.NoError(t, err)
		defer n.Stop()

		assert.Equal(t, hash.OfString("vault-x"), n.Self().ID)
		assert.False(t, n.Running())
		assert.Empty(t, n.GossipAddr())
	})
}

func TestNodeBeforeStart(t *testing.T) {
	n, err := New(testConfig(t, "idle"), pkg.Nop())
	require.NoError(t, err)
	defer n.Stop()

	_, err = n.Hint(routing.NewPeer("other", "127.0.0.1:1"), []hash.Key{hash.OfString("k")})
	assert.ErrorIs(t, err, pkg.ErrStoreClosed)
	assert.Empty(t, n.Replication().Tasks)
	assert.ErrorIs(t, n.Sweep(context.Background()), pkg.ErrStoreClosed)
}

func TestNodeLocalOperations(t *testing.T) {
	n, err := New(testConfig(t, "solo"), pkg.Nop(), WithStaticPeers(routing.NewStaticPeers()))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	ctx := context.Background()
	rec := record.NewChunk([]byte("local chunk"))

	_, err = n.Put(ctx, rec, nil)
	assert.ErrorIs(t, err, pkg.ErrValidationFailed, "a new record needs a proof")

	q, err := n.Quote(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, n.Self().ID, q.Peer)

	outcome, err := n.Put(ctx, rec, &record.QuoteProof{Quote: q, Amount: q.Price, TxRef: []byte("tx-1")})
	require.NoError(t, err)
	assert.Equal(t, record.OutcomeAccepted, outcome)

	got, err := n.LocalRecord(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, 1, n.StoreStats().Records)

	_, err = n.Upload(ctx, record.NewChunk([]byte("nowhere to go")), quorum.Majority)
	assert.ErrorIs(t, err, pkg.ErrQuorumNotReached, "no peers to quote")
}

func TestClusterUploadAndFetch(t *testing.T) {
	nodes := startCluster(t, 3)
	gateway, holders := nodes[0], nodes[1:]
	ctx := context.Background()

	rec := record.NewChunk([]byte("replicated chunk"))
	res, err := gateway.Upload(ctx, rec, quorum.All)
	require.NoError(t, err)
	assert.Equal(t, record.OutcomeAccepted, res.Outcome)
	assert.Len(t, res.Stored, 2)

	for _, h := range holders {
		got, err := h.LocalRecord(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, rec.Payload, got.Payload)
	}

	_, err = gateway.LocalRecord(ctx, rec.Key)
	assert.ErrorIs(t, err, pkg.ErrNotFound, "the uploader is not a target of its own upload")

	fetched, err := gateway.Fetch(ctx, rec.Key, quorum.Majority)
	require.NoError(t, err)
	assert.Equal(t, quorum.StateResolved, fetched.State)
	assert.Equal(t, rec.Payload, fetched.Record.Payload)

	_, err = gateway.Fetch(ctx, hash.OfString("never stored"), quorum.One)
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestClusterReplicatesOnSweep(t *testing.T) {
	nodes := startCluster(t, 3)
	gateway, holder := nodes[0], nodes[1]
	ctx := context.Background()

	rec := record.NewChunk([]byte("sweep me"))
	_, err := gateway.Upload(ctx, rec, quorum.Majority)
	require.NoError(t, err)

	require.NoError(t, holder.Sweep(ctx))

	require.Eventually(t, func() bool {
		_, err := gateway.LocalRecord(ctx, rec.Key)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "sweep hint should make the gateway fetch the record")

	assert.Eventually(t, func() bool {
		return gateway.Replication().Stored >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestNodeEvents(t *testing.T) {
	rec := events.NewRecorder(16)
	n, err := New(testConfig(t, "observed"), pkg.Nop(), WithBroadcaster(rec), WithStaticPeers(routing.NewStaticPeers()))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	for range 3 {
		n.badPeers.Report(hash.OfString("misbehaving"), peers.ReasonBadQuote)
	}

	select {
	case ev := <-rec.Events():
		assert.Equal(t, events.PeerShunned, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a peer shunned event")
	}
	assert.Len(t, n.BadPeers(), 1)
}

func TestStopIsIdempotent(t *testing.T) {
	n, err := New(testConfig(t, "stopper"), pkg.Nop(), WithStaticPeers(routing.NewStaticPeers()))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	assert.NoError(t, n.Stop())
	assert.NoError(t, n.Stop())
}
