// Package record defines the records the network stores and the rules a node
// applies before accepting one: chunk hashing, register merge and spend
// double-spend detection.
package record

import (
	"fmt"
	"hash/crc32"

	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/codec"
	"github.com/zde37/kadvault/pkg/hash"
)

// Kind tags what a record holds and which validation rules apply to it.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindChunk
	KindRegister
	KindSpend
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindRegister:
		return "register"
	case KindSpend:
		return "spend"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "chunk":
		return KindChunk, nil
	case "register":
		return KindRegister, nil
	case "spend":
		return KindSpend, nil
	}
	return KindUnknown, fmt.Errorf("unknown record kind %q", s)
}

// Outcome is the result of accepting a record next to what is already stored.
type Outcome uint8

const (
	// OutcomeAccepted means the record was stored as given, or was already present.
	OutcomeAccepted Outcome = iota
	// OutcomeMerged means a register was merged with the stored value.
	OutcomeMerged
	// OutcomeConflict means two differing spends now live at the same key.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeMerged:
		return "merged"
	case OutcomeConflict:
		return "double_spend"
	default:
		return "unknown"
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header lets a node check integrity without re-deriving the key from the payload.
type Header struct {
	Kind     Kind   `cbor:"kind"`
	Checksum uint32 `cbor:"checksum"`
}

// StoredRecord is the unit a node persists and serves.
type StoredRecord struct {
	Key     hash.Key `cbor:"key"`
	Kind    Kind     `cbor:"kind"`
	Payload []byte   `cbor:"payload"`
	Header  Header   `cbor:"header"`
}

func newRecord(key hash.Key, kind Kind, payload []byte) StoredRecord {
	return StoredRecord{
		Key:     key,
		Kind:    kind,
		Payload: payload,
		Header: Header{
			Kind:     kind,
			Checksum: crc32.Checksum(payload, castagnoli),
		},
	}
}

// NewChunk builds a content-addressed chunk record.
func NewChunk(payload []byte) StoredRecord {
	return newRecord(hash.Of(payload), KindChunk, payload)
}

// NewRegister builds a register record addressed by owner and name.
func NewRegister(reg Register) (StoredRecord, error) {
	reg = reg.canonical()
	payload, err := codec.Marshal(reg)
	if err != nil {
		return StoredRecord{}, fmt.Errorf("encode register: %w", err)
	}
	return newRecord(reg.Address(), KindRegister, payload), nil
}

// NewSpends builds a spend record. All spends must share one address.
func NewSpends(spends ...Spend) (StoredRecord, error) {
	if len(spends) == 0 {
		return StoredRecord{}, fmt.Errorf("no spends given")
	}
	set, err := normalizeSpends(spends)
	if err != nil {
		return StoredRecord{}, err
	}
	payload, err := codec.Marshal(set)
	if err != nil {
		return StoredRecord{}, fmt.Errorf("encode spends: %w", err)
	}
	return newRecord(set[0].Key(), KindSpend, payload), nil
}

// ContentHash identifies the record's content independent of who served it.
func (r StoredRecord) ContentHash() hash.Key {
	return hash.Of([]byte{byte(r.Kind)}, r.Payload)
}

// VerifyHeader checks the header against the kind and payload.
func (r StoredRecord) VerifyHeader() error {
	if r.Header.Kind != r.Kind {
		return pkg.Invalid("header kind %s does not match record kind %s", r.Header.Kind, r.Kind)
	}
	if sum := crc32.Checksum(r.Payload, castagnoli); sum != r.Header.Checksum {
		return pkg.Invalid("checksum mismatch: header %08x, payload %08x", r.Header.Checksum, sum)
	}
	return nil
}

// Register decodes the payload of a register record.
func (r StoredRecord) Register() (Register, error) {
	if r.Kind != KindRegister {
		return Register{}, fmt.Errorf("record %s is a %s, not a register", r.Key.Short(), r.Kind)
	}
	var reg Register
	if err := codec.Unmarshal(r.Payload, &reg); err != nil {
		return Register{}, pkg.Invalid("undecodable register: %v", err)
	}
	return reg, nil
}

// Spends decodes the payload of a spend record. More than one spend means a double spend.
func (r StoredRecord) Spends() ([]Spend, error) {
	if r.Kind != KindSpend {
		return nil, fmt.Errorf("record %s is a %s, not a spend", r.Key.Short(), r.Kind)
	}
	var spends []Spend
	if err := codec.Unmarshal(r.Payload, &spends); err != nil {
		return nil, pkg.Invalid("undecodable spends: %v", err)
	}
	return spends, nil
}

// Validate applies the kind-specific rules that do not depend on stored state.
func Validate(r StoredRecord, maxSize int) error {
	if maxSize > 0 && len(r.Payload) > maxSize {
		return pkg.Invalid("payload of %d bytes exceeds limit of %d", len(r.Payload), maxSize)
	}
	if err := r.VerifyHeader(); err != nil {
		return err
	}

	switch r.Kind {
	case KindChunk:
		if hash.Of(r.Payload) != r.Key {
			return pkg.Invalid("chunk content does not hash to key %s", r.Key.Short())
		}
	case KindRegister:
		reg, err := r.Register()
		if err != nil {
			return err
		}
		if reg.Address() != r.Key {
			return pkg.Invalid("register address does not match key %s", r.Key.Short())
		}
		if err := reg.Validate(); err != nil {
			return err
		}
	case KindSpend:
		spends, err := r.Spends()
		if err != nil {
			return err
		}
		if len(spends) == 0 {
			return pkg.Invalid("spend record without spends")
		}
		for _, s := range spends {
			if s.Key() != r.Key {
				return pkg.Invalid("spend address does not match key %s", r.Key.Short())
			}
		}
	default:
		return pkg.Invalid("unknown record kind %d", r.Kind)
	}
	return nil
}
