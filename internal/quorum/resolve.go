package quorum

import (
	"bytes"
	"sort"

	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/pkg/hash"
)

// State of one logical operation.
type State uint8

const (
	StateIdle State = iota
	StateFanOut
	StateCollecting
	StateResolved
	StateSplitDetected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFanOut:
		return "fan_out"
	case StateCollecting:
		return "collecting"
	case StateResolved:
		return "resolved"
	case StateSplitDetected:
		return "split_detected"
	default:
		return "failed"
	}
}

type version struct {
	rec   record.StoredRecord
	hash  hash.Key
	peers map[hash.Key]struct{}
}

// Tally folds GET responses keyed by content hash. Folding is commutative, and
// adding the same response twice changes nothing.
type Tally struct {
	versions map[hash.Key]*version
	missing  map[hash.Key]struct{}
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{
		versions: make(map[hash.Key]*version),
		missing:  make(map[hash.Key]struct{}),
	}
}

// Add records that peer returned rec.
func (t *Tally) Add(peer hash.Key, rec record.StoredRecord) {
	h := rec.ContentHash()
	v, ok := t.versions[h]
	if !ok {
		v = &version{rec: rec, hash: h, peers: make(map[hash.Key]struct{})}
		t.versions[h] = v
	}
	v.peers[peer] = struct{}{}
}

// AddMissing records that peer answered but does not hold the key.
func (t *Tally) AddMissing(peer hash.Key) {
	t.missing[peer] = struct{}{}
}

// Versions returns the number of distinct contents seen.
func (t *Tally) Versions() int {
	return len(t.versions)
}

// Responders returns the number of distinct peers that returned a record.
func (t *Tally) Responders() int {
	seen := make(map[hash.Key]struct{})
	for _, v := range t.versions {
		for p := range v.peers {
			seen[p] = struct{}{}
		}
	}
	return len(seen)
}

// Missing returns how many peers reported the key absent.
func (t *Tally) Missing() int {
	return len(t.missing)
}

// ranked orders versions by vote count, then by content hash.
func (t *Tally) ranked() []*version {
	out := make([]*version, 0, len(t.versions))
	for _, v := range t.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].peers) != len(out[j].peers) {
			return len(out[i].peers) > len(out[j].peers)
		}
		return bytes.Compare(out[i].hash[:], out[j].hash[:]) < 0
	})
	return out
}

// Resolution is the verdict over a tally.
type Resolution struct {
	State State
	// Record is set when State is StateResolved
	Record record.StoredRecord
	// Conflict holds every divergent spend version when State is StateSplitDetected
	Conflict []record.StoredRecord
	// Merged is true when Record is a register merge that no single peer returned
	Merged bool
	// Laggards returned a version other than Record
	Laggards []hash.Key
	// Best is the vote count of the leading version
	Best int
}

// Resolve decides the outcome of a tally given the number of matching
// responses required. Until final, divergent registers and spends keep
// collecting; a single version resolves as soon as it has enough votes.
func Resolve(t *Tally, required int, final bool) Resolution {
	ranked := t.ranked()
	if len(ranked) == 0 {
		if final {
			return Resolution{State: StateFailed}
		}
		return Resolution{State: StateCollecting}
	}

	lead := ranked[0]
	res := Resolution{Best: len(lead.peers)}

	divergent := len(ranked) > 1
	if !divergent || (lead.rec.Kind == record.KindChunk && res.Best >= required) {
		if res.Best >= required {
			res.State = StateResolved
			res.Record = lead.rec
			res.Laggards = laggards(ranked, lead.hash)
			return res
		}
		res.State = stateFor(final)
		return res
	}

	if !final {
		res.State = StateCollecting
		return res
	}

	switch lead.rec.Kind {
	case record.KindRegister:
		if t.Responders() < required {
			res.State = StateFailed
			return res
		}
		merged, ok := mergeRegisters(ranked)
		if !ok {
			res.State = StateFailed
			return res
		}
		h := merged.ContentHash()
		v, returned := t.versions[h]
		if returned {
			merged = v.rec
		}
		res.State = StateResolved
		res.Record = merged
		res.Merged = !returned
		res.Laggards = laggards(ranked, h)
		return res

	case record.KindSpend:
		byHash := make([]*version, len(ranked))
		copy(byHash, ranked)
		sort.Slice(byHash, func(i, j int) bool {
			return bytes.Compare(byHash[i].hash[:], byHash[j].hash[:]) < 0
		})
		res.State = StateSplitDetected
		for _, v := range byHash {
			res.Conflict = append(res.Conflict, v.rec)
		}
		return res
	}

	if res.Best >= required {
		res.State = StateResolved
		res.Record = lead.rec
		res.Laggards = laggards(ranked, lead.hash)
		return res
	}
	res.State = StateFailed
	return res
}

func stateFor(final bool) State {
	if final {
		return StateFailed
	}
	return StateCollecting
}

func mergeRegisters(ranked []*version) (record.StoredRecord, bool) {
	var acc record.Register
	for i, v := range ranked {
		reg, err := v.rec.Register()
		if err != nil {
			return record.StoredRecord{}, false
		}
		if i == 0 {
			acc = reg
			continue
		}
		if acc, err = record.Merge(acc, reg); err != nil {
			return record.StoredRecord{}, false
		}
	}
	rec, err := record.NewRegister(acc)
	if err != nil {
		return record.StoredRecord{}, false
	}
	return rec, true
}

func laggards(ranked []*version, winner hash.Key) []hash.Key {
	current := make(map[hash.Key]struct{})
	for _, v := range ranked {
		if v.hash == winner {
			current = v.peers
		}
	}
	seen := make(map[hash.Key]struct{})
	var out []hash.Key
	for _, v := range ranked {
		for p := range v.peers {
			if _, ok := current[p]; ok {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
