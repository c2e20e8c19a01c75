package quorum

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zde37/kadvault/internal/metrics"
	"github.com/zde37/kadvault/internal/peers"
	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

const defaultMaxValueSize = 65536

var errRoundFailed = errors.New("quorum round incomplete")

// Remote is the client side of the node RPCs the coordinator fans out.
type Remote interface {
	GetStoreCost(ctx context.Context, peer routing.Peer, key hash.Key) (record.Quote, error)
	GetRecord(ctx context.Context, peer routing.Peer, key hash.Key) (record.StoredRecord, error)
	PutRecord(ctx context.Context, peer routing.Peer, rec record.StoredRecord, proof *record.QuoteProof) (record.Outcome, error)
}

// Config for the coordinator.
type Config struct {
	// CloseGroup is how many of the closest peers an operation targets
	CloseGroup     int
	MaxRounds      int
	RequestTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxValueSize   int
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		CloseGroup:     5,
		MaxRounds:      3,
		RequestTimeout: 5 * time.Second,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		MaxValueSize:   defaultMaxValueSize,
	}
}

// Deps are the collaborators of a coordinator.
type Deps struct {
	Self     hash.Key
	Peers    routing.PeerSetProvider
	BadPeers *peers.Tracker
	Remote   Remote
	Metrics  *metrics.Metrics
	Logger   *pkg.Logger
}

// QuorumError means not enough peers answered alike: either found versions
// lacked agreement, or too few peers answered at all.
type QuorumError struct {
	Key      hash.Key
	Required int
	Best     int
	Versions int
	// Missing counts peers that answered not found
	Missing int
	Queried int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("quorum not reached for %s: best version has %d of %d required votes (%d versions, %d not found, %d peers queried)",
		e.Key.Short(), e.Best, e.Required, e.Versions, e.Missing, e.Queried)
}

func (e *QuorumError) Unwrap() error {
	return pkg.ErrQuorumNotReached
}

// Result of a quorum read.
type Result struct {
	Key   hash.Key
	State State
	// Record is the agreed value, unset on a split
	Record record.StoredRecord
	// Conflict holds every divergent spend when State is StateSplitDetected
	Conflict []record.StoredRecord
	Merged   bool
	Rounds   int
}

// PutResult of a quorum write.
type PutResult struct {
	Key hash.Key
	// Outcome is Conflict if any peer saw a double spend, else Merged if any merged
	Outcome  record.Outcome
	Stored   []hash.Key
	Required int
	Rounds   int
}

// Coordinator runs quorum GET, PUT and quote collection. It holds no state
// between operations other than asynchronous register re-pushes.
type Coordinator struct {
	cfg      Config
	self     hash.Key
	peers    routing.PeerSetProvider
	badPeers *peers.Tracker
	remote   Remote
	metrics  *metrics.Metrics
	logger   *pkg.Logger

	wg sync.WaitGroup
}

// New creates a coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Peers == nil || deps.BadPeers == nil || deps.Remote == nil || deps.Logger == nil {
		return nil, fmt.Errorf("coordinator needs a peer provider, bad peer tracker, remote and logger")
	}
	def := DefaultConfig()
	if cfg.CloseGroup <= 0 {
		cfg.CloseGroup = def.CloseGroup
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	return &Coordinator{
		cfg:      cfg,
		self:     deps.Self,
		peers:    deps.Peers,
		badPeers: deps.BadPeers,
		remote:   deps.Remote,
		metrics:  deps.Metrics,
		logger:   deps.Logger.WithFields(pkg.Fields{"component": "quorum"}),
	}, nil
}

// targets snapshots the peer set once and returns the closest non-shunned
// peers to key, self excluded.
func (c *Coordinator) targets(key hash.Key) []routing.Peer {
	snapshot := routing.Without(c.peers.CurrentPeers(), c.self)
	return routing.ClosestPeers(key, c.badPeers.Filter(snapshot), c.cfg.CloseGroup)
}

func (c *Coordinator) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRounds-1)), ctx)
}

// verify checks a record returned by a peer for key.
func (c *Coordinator) verify(key hash.Key, rec record.StoredRecord) error {
	if rec.Key != key {
		return pkg.Invalid("peer returned record %s for key %s", rec.Key.Short(), key.Short())
	}
	return record.Validate(rec, c.cfg.MaxValueSize)
}

type getReply struct {
	peer routing.Peer
	rec  record.StoredRecord
	err  error
}

// Get reads key from its close group and resolves the answers under policy.
// It returns pkg.ErrNotFound only when enough peers answered that they do not
// hold the key. Timeouts and unreachable peers count toward nothing, so a read
// nobody answered ends in a *QuorumError, as does one whose versions lacked
// agreement.
func (c *Coordinator) Get(ctx context.Context, key hash.Key, policy Policy) (Result, error) {
	started := time.Now()
	log := c.logger.WithFields(pkg.Fields{"op": uuid.NewString(), "key": key.Short()})

	tally := NewTally()
	known := make(map[hash.Key]routing.Peer)
	var (
		res      Resolution
		rounds   int
		queried  int
		required int
	)

	op := func() error {
		rounds++
		targets := c.targets(key)
		if len(targets) == 0 {
			log.Warn().Int("round", rounds).Msg("no peers to query")
			return errRoundFailed
		}
		for _, p := range targets {
			known[p.ID] = p
		}
		queried = len(targets)
		required = policy.Required(queried)

		var missing int
		res, missing = c.collect(ctx, key, targets, tally, required)
		log.Debug().
			Int("round", rounds).
			Int("queried", queried).
			Int("required", required).
			Int("versions", tally.Versions()).
			Str("state", res.State.String()).
			Msg("get round finished")

		switch res.State {
		case StateResolved, StateSplitDetected:
			return nil
		}
		if tally.Versions() == 0 && missing == queried {
			return backoff.Permanent(pkg.ErrNotFound)
		}
		return errRoundFailed
	}

	err := backoff.Retry(op, c.newBackOff(ctx))
	if err != nil {
		outcome := "failed"
		switch {
		case ctx.Err() != nil:
			err = fmt.Errorf("%w: %v", pkg.ErrContextCanceled, ctx.Err())
			outcome = "canceled"
		case errors.Is(err, pkg.ErrNotFound), required > 0 && tally.Versions() == 0 && tally.Missing() >= required:
			err = fmt.Errorf("%w: key %s", pkg.ErrNotFound, key.Short())
			outcome = "not_found"
		default:
			err = &QuorumError{
				Key:      key,
				Required: required,
				Best:     res.Best,
				Versions: tally.Versions(),
				Missing:  tally.Missing(),
				Queried:  queried,
			}
		}
		c.metrics.ObserveQuorum("get", outcome, rounds, started)
		log.Info().Err(err).Int("rounds", rounds).Msg("quorum get failed")
		return Result{Key: key, State: StateFailed, Rounds: rounds}, err
	}

	out := Result{
		Key:      key,
		State:    res.State,
		Record:   res.Record,
		Conflict: res.Conflict,
		Merged:   res.Merged,
		Rounds:   rounds,
	}
	if res.State == StateSplitDetected {
		log.Warn().Int("versions", len(res.Conflict)).Msg("divergent spends at key")
	}
	if res.State == StateResolved && res.Record.Kind == record.KindRegister && len(res.Laggards) > 0 {
		c.repush(res.Record, res.Laggards, known)
	}
	c.metrics.ObserveQuorum("get", res.State.String(), rounds, started)
	return out, nil
}

// collect runs one fan-out round and reports how many peers answered not
// found. A chunk settles as soon as one version reaches the required count.
// Registers and spends wait for every leg to answer or time out, so a late
// fork is merged and a late double spend is seen.
func (c *Coordinator) collect(ctx context.Context, key hash.Key, targets []routing.Peer, tally *Tally, required int) (Resolution, int) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan getReply, len(targets))
	g, gctx := errgroup.WithContext(rctx)
	for _, p := range targets {
		g.Go(func() error {
			if err := c.badPeers.Guard(p.ID); err != nil {
				replies <- getReply{peer: p, err: err}
				return nil
			}
			lctx, lcancel := context.WithTimeout(gctx, c.cfg.RequestTimeout)
			defer lcancel()
			rec, err := c.remote.GetRecord(lctx, p, key)
			replies <- getReply{peer: p, rec: rec, err: err}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(replies)
	}()

	missing := 0
	for r := range replies {
		switch {
		case r.err == nil:
			if err := c.verify(key, r.rec); err != nil {
				c.logger.Warn().Err(err).Str("peer", r.peer.ID.Short()).Msg("peer returned invalid record")
				c.badPeers.Report(r.peer.ID, peers.ReasonInvalidRecord)
				continue
			}
			tally.Add(r.peer.ID, r.rec)
		case errors.Is(r.err, pkg.ErrNotFound):
			tally.AddMissing(r.peer.ID)
			missing++
		default:
			// a timeout is a non-response, not a violation
			c.logger.Debug().Err(r.err).Str("peer", r.peer.ID.Short()).Msg("get leg failed")
		}

		if res := Resolve(tally, required, false); res.State == StateResolved && res.Record.Kind == record.KindChunk {
			return res, missing
		}
	}
	return Resolve(tally, required, true), missing
}

// repush sends a merged register to peers that returned an older version.
func (c *Coordinator) repush(rec record.StoredRecord, laggards []hash.Key, known map[hash.Key]routing.Peer) {
	targets := make([]routing.Peer, 0, len(laggards))
	for _, id := range laggards {
		if p, ok := known[id]; ok {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, p := range targets {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			_, err := c.remote.PutRecord(ctx, p, rec, nil)
			cancel()
			if err != nil {
				c.logger.Debug().Err(err).Str("peer", p.ID.Short()).Str("key", rec.Key.Short()).Msg("register re-push failed")
				continue
			}
			c.logger.Debug().Str("peer", p.ID.Short()).Str("key", rec.Key.Short()).Msg("register re-pushed")
		}
	}()
}

// Wait blocks until background re-pushes finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

type putReply struct {
	peer    routing.Peer
	outcome record.Outcome
	err     error
}

// Put writes rec to the close-group peers a proof exists for. A register
// update may be sent without proofs. Validation and pricing failures end the
// operation at once; other failures are retried in later rounds.
func (c *Coordinator) Put(ctx context.Context, rec record.StoredRecord, proofs map[hash.Key]record.QuoteProof, policy Policy) (PutResult, error) {
	started := time.Now()
	log := c.logger.WithFields(pkg.Fields{"op": uuid.NewString(), "key": rec.Key.Short()})

	if err := record.Validate(rec, c.cfg.MaxValueSize); err != nil {
		c.metrics.ObserveQuorum("put", "invalid", 0, started)
		return PutResult{Key: rec.Key}, err
	}
	free := len(proofs) == 0 && rec.Kind == record.KindRegister

	result := PutResult{Key: rec.Key, Outcome: record.OutcomeAccepted}
	stored := make(map[hash.Key]struct{})
	var queried int

	op := func() error {
		result.Rounds++
		var targets []routing.Peer
		for _, p := range c.targets(rec.Key) {
			if _, ok := proofs[p.ID]; ok || free {
				targets = append(targets, p)
			}
		}
		if len(targets) == 0 {
			return backoff.Permanent(&QuorumError{Key: rec.Key, Required: policy.Required(0)})
		}
		queried = len(targets)
		result.Required = policy.Required(queried)

		pending := make([]routing.Peer, 0, len(targets))
		for _, p := range targets {
			if _, done := stored[p.ID]; !done {
				pending = append(pending, p)
			}
		}

		replies := make(chan putReply, len(pending))
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range pending {
			g.Go(func() error {
				if err := c.badPeers.Guard(p.ID); err != nil {
					replies <- putReply{peer: p, err: err}
					return nil
				}
				var proof *record.QuoteProof
				if pr, ok := proofs[p.ID]; ok {
					proof = &pr
				}
				lctx, cancel := context.WithTimeout(gctx, c.cfg.RequestTimeout)
				defer cancel()
				outcome, err := c.remote.PutRecord(lctx, p, rec, proof)
				replies <- putReply{peer: p, outcome: outcome, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(replies)

		var terminal error
		for r := range replies {
			switch {
			case r.err == nil:
				stored[r.peer.ID] = struct{}{}
				result.Outcome = combine(result.Outcome, r.outcome)
			case pkg.IsTerminal(r.err):
				if errors.Is(r.err, pkg.ErrUnderPriced) {
					c.badPeers.Report(r.peer.ID, peers.ReasonBadQuote)
				}
				if terminal == nil {
					terminal = fmt.Errorf("peer %s rejected put: %w", r.peer.ID.Short(), r.err)
				}
			default:
				log.Debug().Err(r.err).Str("peer", r.peer.ID.Short()).Msg("put leg failed")
			}
		}

		log.Debug().
			Int("round", result.Rounds).
			Int("stored", len(stored)).
			Int("required", result.Required).
			Msg("put round finished")

		if terminal != nil {
			return backoff.Permanent(terminal)
		}
		if len(stored) >= result.Required {
			return nil
		}
		return errRoundFailed
	}

	err := backoff.Retry(op, c.newBackOff(ctx))
	result.Stored = sortedKeys(stored)
	if err != nil {
		outcome := "failed"
		var qerr *QuorumError
		switch {
		case pkg.IsTerminal(err):
			outcome = "rejected"
		case ctx.Err() != nil:
			err = fmt.Errorf("%w: %v", pkg.ErrContextCanceled, ctx.Err())
			outcome = "canceled"
		case errors.As(err, &qerr):
		default:
			err = &QuorumError{
				Key:      rec.Key,
				Required: result.Required,
				Best:     len(stored),
				Versions: 1,
				Queried:  queried,
			}
		}
		c.metrics.ObserveQuorum("put", outcome, result.Rounds, started)
		log.Info().Err(err).Int("stored", len(stored)).Msg("quorum put failed")
		return result, err
	}

	if result.Outcome == record.OutcomeConflict {
		log.Warn().Msg("peers reported a double spend")
	}
	c.metrics.ObserveQuorum("put", result.Outcome.String(), result.Rounds, started)
	log.Info().
		Int("stored", len(stored)).
		Int("rounds", result.Rounds).
		Str("outcome", result.Outcome.String()).
		Msg("quorum put succeeded")
	return result, nil
}

// combine keeps the most significant outcome: Conflict, then Merged.
func combine(a, b record.Outcome) record.Outcome {
	if a == record.OutcomeConflict || b == record.OutcomeConflict {
		return record.OutcomeConflict
	}
	if a == record.OutcomeMerged || b == record.OutcomeMerged {
		return record.OutcomeMerged
	}
	return record.OutcomeAccepted
}

// Quotes collects store cost quotes for key from its close group, closest
// peer first. A quote for another key or signed as another peer counts as a
// bad quote.
func (c *Coordinator) Quotes(ctx context.Context, key hash.Key) ([]record.Quote, error) {
	started := time.Now()
	targets := c.targets(key)
	if len(targets) == 0 {
		c.metrics.ObserveQuorum("quote", "failed", 1, started)
		return nil, &QuorumError{Key: key, Required: 1}
	}

	quotes := make([]*record.Quote, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range targets {
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(gctx, c.cfg.RequestTimeout)
			defer cancel()
			q, err := c.remote.GetStoreCost(lctx, p, key)
			if err != nil {
				c.logger.Debug().Err(err).Str("peer", p.ID.Short()).Msg("quote request failed")
				return nil
			}
			if q.Key != key || q.Peer != p.ID {
				c.logger.Warn().Str("peer", p.ID.Short()).Msg("peer returned a mismatched quote")
				c.badPeers.Report(p.ID, peers.ReasonBadQuote)
				return nil
			}
			quotes[i] = &q
			return nil
		})
	}
	_ = g.Wait()

	out := make([]record.Quote, 0, len(quotes))
	for _, q := range quotes {
		if q != nil {
			out = append(out, *q)
		}
	}
	if len(out) == 0 {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", pkg.ErrContextCanceled, ctx.Err())
		}
		c.metrics.ObserveQuorum("quote", "failed", 1, started)
		return nil, &QuorumError{Key: key, Required: 1, Queried: len(targets)}
	}
	c.metrics.ObserveQuorum("quote", "resolved", 1, started)
	return out, nil
}

func sortedKeys(m map[hash.Key]struct{}) []hash.Key {
	out := make([]hash.Key, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
