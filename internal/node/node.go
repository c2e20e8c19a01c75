// Package node wires the record store, quorum coordinator, replication
// engine, membership and transport into one storage node.
package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zde37/kadvault/internal/config"
	"github.com/zde37/kadvault/internal/events"
	"github.com/zde37/kadvault/internal/membership"
	"github.com/zde37/kadvault/internal/metrics"
	"github.com/zde37/kadvault/internal/peers"
	"github.com/zde37/kadvault/internal/pricing"
	"github.com/zde37/kadvault/internal/quorum"
	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/internal/replication"
	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/internal/store"
	"github.com/zde37/kadvault/internal/transport"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

const (
	peerRefreshInterval = time.Second
	leaveTimeout        = 5 * time.Second
)

var errNotStarted = fmt.Errorf("node not started: %w", pkg.ErrStoreClosed)

// Option customizes a Node.
type Option func(*Node)

// WithBroadcaster sends node events to b, typically the WebSocket hub.
func WithBroadcaster(b events.Broadcaster) Option {
	return func(n *Node) { n.broadcaster = b }
}

// WithStaticPeers replaces gossip membership with a fixed provider. The
// tracker is refreshed from it on start and then periodically.
func WithStaticPeers(p routing.PeerSetProvider) Option {
	return func(n *Node) { n.static = p }
}

// Node is one storage node. It serves the node RPCs through
// transport.Handler and the HTTP surface through api.Node.
type Node struct {
	cfg         *config.Config
	logger      *pkg.Logger
	broadcaster events.Broadcaster
	static      routing.PeerSetProvider

	mu   sync.RWMutex
	self routing.Peer

	metrics     *metrics.Metrics
	tracker     *routing.Tracker
	badPeers    *peers.Tracker
	quotes      *pricing.QuoteBook
	store       *store.Store
	client      *transport.GRPCClient
	server      *transport.GRPCServer
	coordinator *quorum.Coordinator

	// engine and membership need the bound gRPC address, so Start creates them
	engine     atomic.Pointer[replication.Engine]
	membership *membership.Membership

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

var _ transport.Handler = (*Node)(nil)

// New builds every component of the node from cfg. Nothing listens until Start.
func New(cfg *config.Config, logger *pkg.Logger, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	n := &Node{
		cfg:         cfg,
		broadcaster: events.Nop{},
	}
	for _, opt := range opts {
		opt(n)
	}

	name, err := loadIdentity(cfg.Storage.DataDir, cfg.Node.Name)
	if err != nil {
		return nil, err
	}
	n.self = routing.NewPeer(name, cfg.PeerAddr())
	n.logger = logger.WithFields(pkg.Fields{"node": n.self.ID.Short()})
	n.metrics = metrics.New(n.self.ID.String())

	n.tracker, err = routing.NewTracker(n.self.ID, cfg.Quorum.CloseGroup, n.logger, n.broadcaster)
	if err != nil {
		return nil, err
	}

	n.badPeers, err = peers.NewTracker(peers.Config{
		Threshold:     cfg.BadPeers.Threshold,
		Cooldown:      cfg.BadPeers.Cooldown,
		SweepInterval: cfg.BadPeers.SweepInterval,
	}, n.logger, n.broadcaster)
	if err != nil {
		return nil, err
	}
	n.badPeers.OnShunChange(func(peer hash.Key, shunned bool) {
		n.metrics.SetPeers(len(n.tracker.Peers()), n.badPeers.ShunnedCount())
	})

	n.quotes = pricing.NewQuoteBook(&pricing.QuoteBookConfig{TTL: cfg.Pricing.QuoteTTL})

	n.store, err = store.Open(n.self.ID, store.Config{
		Dir:          cfg.Storage.DataDir,
		MaxRecords:   cfg.Storage.MaxRecords,
		MaxValueSize: cfg.Storage.MaxValueSize,
		Curve:        cfg.Pricing.Curve,
	}, store.Deps{
		Range:       n.tracker,
		Quotes:      n.quotes,
		Validator:   record.BasicValidator{},
		Metrics:     n.metrics,
		Broadcaster: n.broadcaster,
		Logger:      n.logger,
	})
	if err != nil {
		n.quotes.Close()
		return nil, err
	}

	n.client = transport.NewGRPCClient(n.logger, cfg.Node.AuthToken, cfg.Node.RPCTimeout)

	n.server, err = transport.NewGRPCServer(n, cfg.GRPCAddr(), cfg.Node.AuthToken, n.metrics, n.logger)
	if err != nil {
		n.closeLocal()
		return nil, err
	}

	n.coordinator, err = quorum.New(quorum.Config{
		CloseGroup:     cfg.Quorum.CloseGroup,
		MaxRounds:      cfg.Quorum.MaxRounds,
		RequestTimeout: cfg.Quorum.RequestTimeout,
		InitialBackoff: cfg.Quorum.InitialBackoff,
		MaxBackoff:     cfg.Quorum.MaxBackoff,
		MaxValueSize:   cfg.Storage.MaxValueSize,
	}, quorum.Deps{
		Self:     n.self.ID,
		Peers:    n.tracker,
		BadPeers: n.badPeers,
		Remote:   n.client,
		Metrics:  n.metrics,
		Logger:   n.logger,
	})
	if err != nil {
		n.closeLocal()
		return nil, err
	}

	return n, nil
}

// Start listens for node RPCs, starts replication and joins the overlay.
func (n *Node) Start(ctx context.Context) error {
	if err := n.server.Start(); err != nil {
		return err
	}

	// a port 0 listener is only known after binding
	n.mu.Lock()
	if n.cfg.Node.AdvertiseAddr == "" {
		n.self.Addr = n.server.Addr()
	}
	self := n.self
	n.mu.Unlock()

	engine, err := replication.New(replication.Config{
		MaxParallel:   n.cfg.Replication.MaxParallel,
		FetchTimeout:  n.cfg.Replication.FetchTimeout,
		SweepInterval: n.cfg.Replication.SweepInterval,
		HintRate:      n.cfg.Replication.HintRate,
		HintBurst:     n.cfg.Replication.HintBurst,
		MaxHintKeys:   n.cfg.Replication.MaxHintKeys,
		MaxValueSize:  n.cfg.Storage.MaxValueSize,
	}, replication.Deps{
		Self:        self,
		Store:       n.store,
		Fetcher:     n.client,
		Tracker:     n.tracker,
		BadPeers:    n.badPeers,
		Metrics:     n.metrics,
		Broadcaster: n.broadcaster,
		Logger:      n.logger,
	})
	if err != nil {
		n.server.Stop()
		return err
	}
	n.engine.Store(engine)

	if n.static != nil {
		n.RefreshPeers()
	} else {
		ms, err := membership.New(membership.Config{
			BindAddr:       n.cfg.Gossip.BindAddr,
			BindPort:       n.cfg.Gossip.BindPort,
			AdvertiseAddr:  n.cfg.Gossip.AdvertiseAddr,
			Seeds:          n.cfg.Gossip.Seeds,
			GossipInterval: n.cfg.Gossip.GossipInterval,
			ProbeInterval:  n.cfg.Gossip.ProbeInterval,
			ProbeTimeout:   n.cfg.Gossip.ProbeTimeout,
		}, self, n.tracker, n.logger)
		if err != nil {
			n.server.Stop()
			return err
		}
		ms.OnLeave(n.forgetPeer)
		n.membership = ms
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		engine.Run(runCtx)
	}()
	go func() {
		defer n.wg.Done()
		n.badPeers.Run(runCtx)
	}()
	go func() {
		defer n.wg.Done()
		n.watchPeers(runCtx)
	}()
	n.started.Store(true)

	n.logger.Info().
		Str("peer", self.String()).
		Int("records", n.store.Len()).
		Int("close_group", n.cfg.Quorum.CloseGroup).
		Msg("Storage node started")
	return nil
}

// watchPeers keeps the peer gauges current and, without gossip, re-reads
// the static provider.
func (n *Node) watchPeers(ctx context.Context) {
	ticker := time.NewTicker(peerRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.static != nil {
				n.RefreshPeers()
			}
			n.metrics.SetPeers(len(n.tracker.Peers()), n.badPeers.ShunnedCount())
		}
	}
}

// RefreshPeers re-reads the static peer provider. It is a no-op under gossip.
func (n *Node) RefreshPeers() {
	if n.static == nil {
		return
	}
	n.tracker.Refresh(n.static)
}

func (n *Node) forgetPeer(p routing.Peer) {
	n.client.Forget(p.Addr)
	n.badPeers.Forget(p.ID)
	n.logger.Debug().Str("peer", p.String()).Msg("Peer left, dropped connection and violations")
}

// Stop leaves the overlay and releases every resource. It is safe to call
// more than once.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.logger.Info().Msg("Stopping storage node")

		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()

		if n.membership != nil {
			if err := n.membership.Leave(leaveTimeout); err != nil {
				n.logger.Error().Err(err).Msg("Error leaving membership")
			}
		}
		if err := n.server.Stop(); err != nil {
			n.logger.Error().Err(err).Msg("Error stopping gRPC server")
		}
		n.coordinator.Wait()
		n.closeLocal()

		n.logger.Info().Msg("Storage node stopped")
	})
	return nil
}

func (n *Node) closeLocal() {
	if err := n.client.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Error closing gRPC client")
	}
	if err := n.store.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Error closing record store")
	}
	if err := n.quotes.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Error closing quote book")
	}
}

// Self returns this node's peer entry.
func (n *Node) Self() routing.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.self
}

// Metrics returns the node's collectors.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// GossipAddr is where other nodes can join this one, or empty without gossip.
func (n *Node) GossipAddr() string {
	if n.membership == nil {
		return ""
	}
	return n.membership.GossipAddr()
}

// Quote prices a record at key on this node.
func (n *Node) Quote(ctx context.Context, key hash.Key) (record.Quote, error) {
	return n.store.Quote(ctx, key)
}

// Get returns the locally held record at key.
func (n *Node) Get(ctx context.Context, key hash.Key) (record.StoredRecord, error) {
	return n.store.Get(ctx, key)
}

// Put stores a client record after checking its quote proof.
func (n *Node) Put(ctx context.Context, rec record.StoredRecord, proof *record.QuoteProof) (record.Outcome, error) {
	return n.store.Put(ctx, rec, proof)
}

// Hint queues keys that holder reports having.
func (n *Node) Hint(holder routing.Peer, keys []hash.Key) (int, error) {
	engine := n.engine.Load()
	if engine == nil {
		return 0, errNotStarted
	}
	return engine.Hint(holder, keys)
}

// LocalRecord returns the record at key from this node's store only.
func (n *Node) LocalRecord(ctx context.Context, key hash.Key) (record.StoredRecord, error) {
	return n.store.Get(ctx, key)
}

// Fetch reads key from its close group.
func (n *Node) Fetch(ctx context.Context, key hash.Key, policy quorum.Policy) (quorum.Result, error) {
	return n.coordinator.Get(ctx, key, policy)
}

// Upload collects quotes for rec from its close group, pays each quote in
// full and writes rec to every quoting peer.
func (n *Node) Upload(ctx context.Context, rec record.StoredRecord, policy quorum.Policy) (quorum.PutResult, error) {
	quotes, err := n.coordinator.Quotes(ctx, rec.Key)
	if err != nil {
		return quorum.PutResult{}, err
	}

	proofs := make(map[hash.Key]record.QuoteProof, len(quotes))
	for _, q := range quotes {
		proofs[q.Peer] = record.QuoteProof{
			Quote:  q,
			Amount: q.Price,
			TxRef:  []byte(uuid.NewString()),
		}
	}

	n.logger.Debug().
		Str("key", rec.Key.Short()).
		Str("kind", rec.Kind.String()).
		Int("quotes", len(quotes)).
		Msg("Uploading record")
	return n.coordinator.Put(ctx, rec, proofs, policy)
}

// StoreStats returns local store statistics.
func (n *Node) StoreStats() store.Stats {
	return n.store.Stats()
}

// Peers returns the known peers, closest to self first.
func (n *Node) Peers() []routing.Peer {
	return n.tracker.Peers()
}

// BadPeers returns every peer with recorded violations.
func (n *Node) BadPeers() []peers.Violation {
	return n.badPeers.Violations()
}

// Replication returns the replication task registry.
func (n *Node) Replication() replication.Stats {
	engine := n.engine.Load()
	if engine == nil {
		return replication.Stats{Tasks: []replication.TaskInfo{}}
	}
	return engine.Stats()
}

// Sweep runs one replication sweep now.
func (n *Node) Sweep(ctx context.Context) error {
	engine := n.engine.Load()
	if engine == nil {
		return errNotStarted
	}
	engine.Sweep(ctx)
	return nil
}

// Running reports whether Start completed.
func (n *Node) Running() bool {
	return n.started.Load()
}
