package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

func TestValidate(t *testing.T) {
	chunk := NewChunk([]byte("hello world"))

	reg, err := NewRegister(NewEmptyRegister([]byte("alice"), "notes").Append([]byte("v1")))
	require.NoError(t, err)

	spend, err := NewSpends(Spend{Address: []byte("out-1"), Tx: []byte("tx-a"), Amount: 5})
	require.NoError(t, err)

	tests := []struct {
		name    string
		rec     func() StoredRecord
		maxSize int
		wantErr bool
	}{
		{name: "valid chunk", rec: func() StoredRecord { return chunk }},
		{name: "valid register", rec: func() StoredRecord { return reg }},
		{name: "valid spend", rec: func() StoredRecord { return spend }},
		{
			name: "chunk under wrong key",
			rec: func() StoredRecord {
				r := chunk
				r.Key = hash.OfString("elsewhere")
				return r
			},
			wantErr: true,
		},
		{
			name: "tampered payload fails checksum",
			rec: func() StoredRecord {
				r := NewChunk([]byte("abc"))
				r.Payload = []byte("abd")
				return r
			},
			wantErr: true,
		},
		{
			name: "header kind mismatch",
			rec: func() StoredRecord {
				r := chunk
				r.Header.Kind = KindSpend
				return r
			},
			wantErr: true,
		},
		{
			name: "register at foreign address",
			rec: func() StoredRecord {
				r := reg
				r.Key = hash.OfString("not the register")
				return r
			},
			wantErr: true,
		},
		{
			name:    "too large",
			rec:     func() StoredRecord { return NewChunk(make([]byte, 100)) },
			maxSize: 99,
			wantErr: true,
		},
		{
			name:    "unknown kind",
			rec:     func() StoredRecord { return newRecord(hash.OfString("x"), KindUnknown, nil) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.rec(), tt.maxSize)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, pkg.ErrValidationFailed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegisterMerge(t *testing.T) {
	base := NewEmptyRegister([]byte("alice"), "profile").Append([]byte("root"))
	a := base.Append([]byte("from-a"))
	b := base.Append([]byte("from-b"))

	t.Run("commutative", func(t *testing.T) {
		ab, err := Merge(a, b)
		require.NoError(t, err)
		ba, err := Merge(b, a)
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
	})

	t.Run("idempotent", func(t *testing.T) {
		aa, err := Merge(a, a)
		require.NoError(t, err)
		assert.Equal(t, a, aa)
	})

	t.Run("concurrent writes leave two heads", func(t *testing.T) {
		merged, err := Merge(a, b)
		require.NoError(t, err)
		assert.Len(t, merged.Heads(), 2)
		assert.ElementsMatch(t, [][]byte{[]byte("from-a"), []byte("from-b")}, merged.HeadValues())
		require.NoError(t, merged.Validate())

		// a write on top of both heads closes the fork
		joined := merged.Append([]byte("join"))
		assert.Len(t, joined.Heads(), 1)
		assert.Equal(t, [][]byte{[]byte("join")}, joined.HeadValues())
	})

	t.Run("different address", func(t *testing.T) {
		other := NewEmptyRegister([]byte("bob"), "profile")
		_, err := Merge(a, other)
		assert.ErrorIs(t, err, pkg.ErrValidationFailed)
	})

	t.Run("dangling parent rejected", func(t *testing.T) {
		bad := Register{
			Owner:   []byte("alice"),
			Name:    "profile",
			Entries: []Entry{{Value: []byte("x"), Parents: []hash.Key{hash.OfString("missing")}}},
		}
		assert.ErrorIs(t, bad.Validate(), pkg.ErrValidationFailed)
	})
}

func TestResolve(t *testing.T) {
	v := BasicValidator{}

	t.Run("chunk already stored", func(t *testing.T) {
		c := NewChunk([]byte("same"))
		out, outcome, err := Resolve(&c, c, v)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
		assert.Equal(t, c, out)
	})

	t.Run("kind mismatch", func(t *testing.T) {
		c := NewChunk([]byte("same"))
		s, err := NewSpends(Spend{Address: []byte("o"), Tx: []byte("t")})
		require.NoError(t, err)
		_, _, err = Resolve(&c, s, v)
		assert.ErrorIs(t, err, pkg.ErrValidationFailed)
	})

	t.Run("register merge", func(t *testing.T) {
		base := NewEmptyRegister([]byte("o"), "n").Append([]byte("1"))
		cur, err := NewRegister(base.Append([]byte("2")))
		require.NoError(t, err)
		in, err := NewRegister(base.Append([]byte("3")))
		require.NoError(t, err)

		out, outcome, err := Resolve(&cur, in, v)
		require.NoError(t, err)
		assert.Equal(t, OutcomeMerged, outcome)
		reg, err := out.Register()
		require.NoError(t, err)
		assert.Len(t, reg.Heads(), 2)

		// replaying the merged value changes nothing
		again, outcome, err := Resolve(&out, in, v)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
		assert.Equal(t, out.ContentHash(), again.ContentHash())
	})

	t.Run("double spend keeps both", func(t *testing.T) {
		s1 := Spend{Address: []byte("out"), Tx: []byte("tx-1"), Amount: 1}
		s2 := Spend{Address: []byte("out"), Tx: []byte("tx-2"), Amount: 1}
		cur, err := NewSpends(s1)
		require.NoError(t, err)
		in, err := NewSpends(s2)
		require.NoError(t, err)

		out, outcome, err := Resolve(&cur, in, v)
		require.NoError(t, err)
		assert.Equal(t, OutcomeConflict, outcome)

		spends, err := out.Spends()
		require.NoError(t, err)
		require.Len(t, spends, 2)
		assert.True(t, (spends[0].Equal(s1) && spends[1].Equal(s2)) || (spends[0].Equal(s2) && spends[1].Equal(s1)))
	})

	t.Run("same spend twice is accepted", func(t *testing.T) {
		s1 := Spend{Address: []byte("out"), Tx: []byte("tx-1")}
		cur, err := NewSpends(s1)
		require.NoError(t, err)
		out, outcome, err := Resolve(&cur, cur, v)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
		assert.Equal(t, cur.ContentHash(), out.ContentHash())
	})

	t.Run("spend without tx rejected", func(t *testing.T) {
		in, err := NewSpends(Spend{Address: []byte("out")})
		require.NoError(t, err)
		_, _, err = Resolve(nil, in, v)
		assert.ErrorIs(t, err, pkg.ErrValidationFailed)
	})
}

func TestNewSpendsDifferentAddresses(t *testing.T) {
	_, err := NewSpends(
		Spend{Address: []byte("a"), Tx: []byte("t")},
		Spend{Address: []byte("b"), Tx: []byte("t")},
	)
	assert.ErrorIs(t, err, pkg.ErrValidationFailed)

	_, err = NewSpends()
	assert.Error(t, err)
}

func TestBasicValidatorPayment(t *testing.T) {
	key := hash.OfString("k")
	v := BasicValidator{}
	proof := QuoteProof{Quote: Quote{Key: key, Price: 10}, Amount: 10, TxRef: []byte("tx")}

	assert.True(t, v.ValidatePayment(proof, key, 10))
	assert.False(t, v.ValidatePayment(proof, key, 11))
	assert.False(t, v.ValidatePayment(proof, hash.OfString("other"), 10))

	proof.TxRef = nil
	assert.False(t, v.ValidatePayment(proof, key, 10))
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindChunk, KindRegister, KindSpend} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("blob")
	assert.Error(t, err)
}
