package record

import (
	"bytes"
	"sort"

	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/codec"
	"github.com/zde37/kadvault/pkg/hash"
)

// Spend is a single-write transaction record keyed by the output address it consumes.
type Spend struct {
	Address []byte `cbor:"address"`
	Tx      []byte `cbor:"tx"`
	Amount  uint64 `cbor:"amount"`
}

// SpendKey is the key a spend of this output address lives at.
func SpendKey(address []byte) hash.Key {
	return hash.Of([]byte("spend"), address)
}

// Key returns the spend's record key.
func (s Spend) Key() hash.Key {
	return SpendKey(s.Address)
}

// Equal compares two spends by content.
func (s Spend) Equal(other Spend) bool {
	return bytes.Equal(s.Address, other.Address) &&
		bytes.Equal(s.Tx, other.Tx) &&
		s.Amount == other.Amount
}

func (s Spend) contentHash() hash.Key {
	b, err := codec.Marshal(s)
	if err != nil {
		// a struct of byte slices and an integer always encodes
		panic(err)
	}
	return hash.Of(b)
}

// SpendOutcome is the verdict of the external spend validator.
type SpendOutcome uint8

const (
	SpendAccepted SpendOutcome = iota
	SpendDoubleSpend
	SpendRejected
)

func (o SpendOutcome) String() string {
	switch o {
	case SpendAccepted:
		return "accepted"
	case SpendDoubleSpend:
		return "double_spend"
	default:
		return "rejected"
	}
}

// normalizeSpends dedupes and orders spends so a set encodes the same on every node.
func normalizeSpends(spends []Spend) ([]Spend, error) {
	if len(spends) == 0 {
		return nil, nil
	}
	key := spends[0].Key()
	type keyed struct {
		h hash.Key
		s Spend
	}
	seen := make(map[hash.Key]struct{}, len(spends))
	list := make([]keyed, 0, len(spends))
	for _, s := range spends {
		if s.Key() != key {
			return nil, pkg.Invalid("spends for different addresses cannot share a record")
		}
		h := s.contentHash()
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		list = append(list, keyed{h: h, s: s})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].h.Less(list[j].h) })

	out := make([]Spend, len(list))
	for i, k := range list {
		out[i] = k.s
	}
	return out, nil
}
