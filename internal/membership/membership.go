// Package membership discovers peers over gossip and keeps the routing
// tracker's view of the overlay current.
package membership

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/codec"
	"github.com/zde37/kadvault/pkg/hash"
)

// Config holds gossip configuration.
type Config struct {
	BindAddr       string
	BindPort       int
	AdvertiseAddr  string
	AdvertisePort  int
	Seeds          []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
}

// DefaultConfig binds to all interfaces on the standard gossip port.
func DefaultConfig() Config {
	return Config{
		BindAddr:       "0.0.0.0",
		BindPort:       7946,
		GossipInterval: 200 * time.Millisecond,
		ProbeInterval:  time.Second,
		ProbeTimeout:   500 * time.Millisecond,
	}
}

// Meta is what every member advertises about itself.
type Meta struct {
	ID   hash.Key `cbor:"id"`
	Addr string   `cbor:"addr"`
}

// Membership is a routing.PeerSetProvider backed by memberlist.
type Membership struct {
	self    routing.Peer
	meta    []byte
	list    *memberlist.Memberlist
	tracker *routing.Tracker
	logger  *pkg.Logger

	mu      sync.RWMutex
	members map[string]routing.Peer // by memberlist node name
	onLeave []func(routing.Peer)
}

var _ routing.PeerSetProvider = (*Membership)(nil)

// New starts gossiping as self. tracker, when set, is updated on every
// membership change. Call Join to contact seeds.
func New(cfg Config, self routing.Peer, tracker *routing.Tracker, logger *pkg.Logger) (*Membership, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	meta, err := codec.Marshal(Meta{ID: self.ID, Addr: self.Addr})
	if err != nil {
		return nil, fmt.Errorf("encode node meta: %w", err)
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node meta is %d bytes, limit %d", len(meta), memberlist.MetaMaxSize)
	}

	ms := &Membership{
		self:    self,
		meta:    meta,
		tracker: tracker,
		logger:  logger.WithFields(pkg.Fields{"component": "membership"}),
		members: make(map[string]routing.Peer),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = self.ID.String()
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
	mlConfig.AdvertisePort = cfg.AdvertisePort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = &delegate{ms: ms}
	mlConfig.Events = &eventDelegate{ms: ms}
	mlConfig.Logger = log.New(&logWriter{logger: ms.logger}, "", 0)

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	ms.list = list

	ms.logger.Info().
		Str("peer", self.String()).
		Str("gossip_addr", ms.GossipAddr()).
		Msg("Membership started")

	if len(cfg.Seeds) > 0 {
		if _, err := ms.Join(cfg.Seeds); err != nil {
			ms.logger.Warn().Err(err).Strs("seeds", cfg.Seeds).Msg("Failed to join some seed nodes")
		}
	}

	return ms, nil
}

// Join contacts seeds and returns how many were reached.
func (m *Membership) Join(seeds []string) (int, error) {
	n, err := m.list.Join(seeds)
	if err != nil && n == 0 {
		return 0, fmt.Errorf("join %v: %w", seeds, err)
	}
	m.logger.Info().Int("reached", n).Int("seeds", len(seeds)).Msg("Joined cluster")
	return n, nil
}

// GossipAddr is the host:port other members can join through.
func (m *Membership) GossipAddr() string {
	node := m.list.LocalNode()
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
}

// CurrentPeers returns every known member except self, ordered by ID.
func (m *Membership) CurrentPeers() []routing.Peer {
	m.mu.RLock()
	out := make([]routing.Peer, 0, len(m.members))
	for _, p := range m.members {
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// OnLeave registers fn to run when a member leaves or is declared dead.
func (m *Membership) OnLeave(fn func(routing.Peer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeave = append(m.onLeave, fn)
}

// Leave announces departure and stops gossiping.
func (m *Membership) Leave(timeout time.Duration) error {
	if err := m.list.Leave(timeout); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to broadcast leave")
	}
	return m.list.Shutdown()
}

func (m *Membership) upsert(node *memberlist.Node) {
	var meta Meta
	if err := codec.Unmarshal(node.Meta, &meta); err != nil {
		m.logger.Warn().Err(err).Str("node", node.Name).Msg("Ignoring member with unreadable meta")
		return
	}
	if meta.ID == m.self.ID {
		return
	}

	p := routing.Peer{ID: meta.ID, Addr: meta.Addr}
	m.mu.Lock()
	prev, known := m.members[node.Name]
	m.members[node.Name] = p
	m.mu.Unlock()

	if !known {
		m.logger.Info().Str("peer", p.String()).Msg("Node joined")
	} else if prev != p {
		m.logger.Debug().Str("peer", p.String()).Msg("Node updated")
	}
	m.refresh()
}

func (m *Membership) remove(node *memberlist.Node) {
	m.mu.Lock()
	p, known := m.members[node.Name]
	delete(m.members, node.Name)
	hooks := slices.Clone(m.onLeave)
	m.mu.Unlock()

	if !known {
		return
	}
	m.logger.Info().Str("peer", p.String()).Msg("Node left")
	for _, fn := range hooks {
		fn(p)
	}
	m.refresh()
}

func (m *Membership) refresh() {
	if m.tracker != nil {
		m.tracker.Update(m.CurrentPeers())
	}
}

// delegate advertises this node's meta. No user messages are exchanged.
type delegate struct {
	ms *Membership
}

func (d *delegate) NodeMeta(limit int) []byte {
	if len(d.ms.meta) > limit {
		return nil
	}
	return d.ms.meta
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

type eventDelegate struct {
	ms *Membership
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node)   { e.ms.upsert(node) }
func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) { e.ms.upsert(node) }
func (e *eventDelegate) NotifyLeave(node *memberlist.Node)  { e.ms.remove(node) }

// logWriter routes memberlist's "[LEVEL] memberlist: msg" lines into zerolog.
type logWriter struct {
	logger *pkg.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	line := bytes.TrimSpace(p)
	level, msg := "", line
	if len(line) > 0 && line[0] == '[' {
		if end := bytes.IndexByte(line, ']'); end > 0 {
			level, msg = string(line[1:end]), bytes.TrimSpace(line[end+1:])
		}
	}

	switch level {
	case "ERR", "ERROR":
		w.logger.Error().Msg(string(msg))
	case "WARN":
		w.logger.Warn().Msg(string(msg))
	case "INFO":
		w.logger.Debug().Msg(string(msg))
	default:
		w.logger.Trace().Msg(string(msg))
	}
	return len(p), nil
}
