package record

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

// Entry is one write to a register. Parents are the heads the writer saw.
type Entry struct {
	Value   []byte     `cbor:"value"`
	Parents []hash.Key `cbor:"parents"`
}

// ID is the content address of the entry inside its register. Parent order
// does not matter.
func (e Entry) ID() hash.Key {
	parents := append([]hash.Key(nil), e.Parents...)
	sort.Slice(parents, func(i, j int) bool { return parents[i].Less(parents[j]) })

	parts := make([][]byte, 0, len(parents)+2)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(parents)))
	parts = append(parts, n[:])
	for _, p := range parents {
		parts = append(parts, p[:])
	}
	parts = append(parts, e.Value)
	return hash.Of(parts...)
}

// Register is a Merkle-DAG CRDT. Concurrent writers produce several heads;
// merge is the union of entries, so it is commutative and idempotent.
type Register struct {
	Owner   []byte  `cbor:"owner"`
	Name    string  `cbor:"name"`
	Entries []Entry `cbor:"entries"`
}

// NewEmptyRegister creates a register with no entries.
func NewEmptyRegister(owner []byte, name string) Register {
	return Register{Owner: owner, Name: name}
}

// RegisterAddress is the key a register with this owner and name lives at.
func RegisterAddress(owner []byte, name string) hash.Key {
	return hash.Of([]byte("register"), owner, []byte(name))
}

// Address returns the register's key.
func (r Register) Address() hash.Key {
	return RegisterAddress(r.Owner, r.Name)
}

// Append writes value on top of the current heads and returns the new register.
func (r Register) Append(value []byte) Register {
	out := r.canonical()
	out.Entries = append(out.Entries, Entry{Value: value, Parents: out.Heads()})
	return out.canonical()
}

// Heads returns IDs of entries no other entry points at, sorted.
func (r Register) Heads() []hash.Key {
	referenced := make(map[hash.Key]struct{})
	for _, e := range r.Entries {
		for _, p := range e.Parents {
			referenced[p] = struct{}{}
		}
	}
	var heads []hash.Key
	seen := make(map[hash.Key]struct{})
	for _, e := range r.Entries {
		id := e.ID()
		if _, ok := referenced[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		heads = append(heads, id)
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].Less(heads[j]) })
	return heads
}

// HeadValues returns the values of the current heads, ordered by entry ID.
func (r Register) HeadValues() [][]byte {
	byID := make(map[hash.Key][]byte, len(r.Entries))
	for _, e := range r.Entries {
		byID[e.ID()] = e.Value
	}
	var out [][]byte
	for _, h := range r.Heads() {
		out = append(out, byID[h])
	}
	return out
}

// Validate checks the register is well formed: an owner, and every parent
// reference resolving to an entry in the same register.
func (r Register) Validate() error {
	if len(r.Owner) == 0 {
		return pkg.Invalid("register without owner")
	}
	ids := make(map[hash.Key]struct{}, len(r.Entries))
	for _, e := range r.Entries {
		ids[e.ID()] = struct{}{}
	}
	for _, e := range r.Entries {
		for _, p := range e.Parents {
			if _, ok := ids[p]; !ok {
				return pkg.Invalid("register entry references unknown parent %s", p.Short())
			}
		}
	}
	return nil
}

// Merge returns the union of two registers at the same address.
func Merge(a, b Register) (Register, error) {
	if a.Address() != b.Address() {
		return Register{}, pkg.Invalid("cannot merge registers at different addresses")
	}
	out := Register{
		Owner:   a.Owner,
		Name:    a.Name,
		Entries: make([]Entry, 0, len(a.Entries)+len(b.Entries)),
	}
	out.Entries = append(out.Entries, a.Entries...)
	out.Entries = append(out.Entries, b.Entries...)
	return out.canonical(), nil
}

// canonical dedupes entries and orders them by ID so equal registers encode equally.
func (r Register) canonical() Register {
	type keyed struct {
		id    hash.Key
		entry Entry
	}
	seen := make(map[hash.Key]struct{}, len(r.Entries))
	list := make([]keyed, 0, len(r.Entries))
	for _, e := range r.Entries {
		id := e.ID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		parents := append([]hash.Key(nil), e.Parents...)
		sort.Slice(parents, func(i, j int) bool { return parents[i].Less(parents[j]) })
		list = append(list, keyed{id: id, entry: Entry{Value: e.Value, Parents: parents}})
	}
	sort.Slice(list, func(i, j int) bool { return bytes.Compare(list[i].id[:], list[j].id[:]) < 0 })

	out := Register{Owner: r.Owner, Name: r.Name}
	if len(list) > 0 {
		out.Entries = make([]Entry, len(list))
		for i, k := range list {
			out.Entries[i] = k.entry
		}
	}
	return out
}
