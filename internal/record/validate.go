package record

import (
	"bytes"

	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

// PaymentValidator checks a quote proof with the external payment layer.
type PaymentValidator interface {
	ValidatePayment(proof QuoteProof, key hash.Key, price uint64) bool
}

// SpendValidator judges a candidate spend against one already stored at the
// same key. existing is nil when the key is new.
type SpendValidator interface {
	ValidateSpend(candidate Spend, existing *Spend) SpendOutcome
}

// Validator bundles both callbacks.
type Validator interface {
	PaymentValidator
	SpendValidator
}

// BasicValidator is the validator used when no transfer layer is plugged in.
// A payment must reference a transaction and cover the price. A spend must
// carry a transaction; two different spends of one address are a double spend.
type BasicValidator struct{}

var _ Validator = BasicValidator{}

func (BasicValidator) ValidatePayment(proof QuoteProof, key hash.Key, price uint64) bool {
	return len(proof.TxRef) > 0 && proof.Quote.Key == key && proof.Amount >= price
}

func (BasicValidator) ValidateSpend(candidate Spend, existing *Spend) SpendOutcome {
	if len(candidate.Address) == 0 || len(candidate.Tx) == 0 {
		return SpendRejected
	}
	if existing == nil {
		return SpendAccepted
	}
	if !bytes.Equal(candidate.Address, existing.Address) {
		return SpendRejected
	}
	if candidate.Equal(*existing) {
		return SpendAccepted
	}
	return SpendDoubleSpend
}

// Resolve decides what must be stored when incoming arrives at a key that may
// already hold existing. Both records must already have passed Validate.
func Resolve(existing *StoredRecord, incoming StoredRecord, spends SpendValidator) (StoredRecord, Outcome, error) {
	if existing != nil && existing.Kind != incoming.Kind {
		return StoredRecord{}, OutcomeAccepted, pkg.Invalid("kind %s cannot replace stored %s", incoming.Kind, existing.Kind)
	}

	switch incoming.Kind {
	case KindChunk:
		// content addressed, an existing chunk is the same chunk
		if existing != nil {
			return *existing, OutcomeAccepted, nil
		}
		return incoming, OutcomeAccepted, nil

	case KindRegister:
		return resolveRegister(existing, incoming)

	case KindSpend:
		return resolveSpend(existing, incoming, spends)
	}
	return StoredRecord{}, OutcomeAccepted, pkg.Invalid("unknown record kind %d", incoming.Kind)
}

func resolveRegister(existing *StoredRecord, incoming StoredRecord) (StoredRecord, Outcome, error) {
	in, err := incoming.Register()
	if err != nil {
		return StoredRecord{}, OutcomeAccepted, err
	}
	if existing == nil {
		rec, err := NewRegister(in)
		return rec, OutcomeAccepted, err
	}
	cur, err := existing.Register()
	if err != nil {
		return StoredRecord{}, OutcomeAccepted, err
	}
	merged, err := Merge(cur, in)
	if err != nil {
		return StoredRecord{}, OutcomeAccepted, err
	}
	rec, err := NewRegister(merged)
	if err != nil {
		return StoredRecord{}, OutcomeAccepted, err
	}
	if rec.ContentHash() == existing.ContentHash() {
		return *existing, OutcomeAccepted, nil
	}
	return rec, OutcomeMerged, nil
}

func resolveSpend(existing *StoredRecord, incoming StoredRecord, v SpendValidator) (StoredRecord, Outcome, error) {
	in, err := incoming.Spends()
	if err != nil {
		return StoredRecord{}, OutcomeAccepted, err
	}

	var cur []Spend
	if existing != nil {
		if cur, err = existing.Spends(); err != nil {
			return StoredRecord{}, OutcomeAccepted, err
		}
	}

	conflict := len(cur) > 1 || len(in) > 1
	for _, candidate := range in {
		if len(cur) == 0 {
			if v.ValidateSpend(candidate, nil) == SpendRejected {
				return StoredRecord{}, OutcomeAccepted, pkg.Invalid("spend rejected by validator")
			}
			continue
		}
		for i := range cur {
			switch v.ValidateSpend(candidate, &cur[i]) {
			case SpendRejected:
				return StoredRecord{}, OutcomeAccepted, pkg.Invalid("spend rejected by validator")
			case SpendDoubleSpend:
				conflict = true
			}
		}
	}

	all := append(append([]Spend(nil), cur...), in...)
	rec, err := NewSpends(all...)
	if err != nil {
		return StoredRecord{}, OutcomeAccepted, err
	}
	spends, err := rec.Spends()
	if err != nil {
		return StoredRecord{}, OutcomeAccepted, err
	}
	if conflict || len(spends) > 1 {
		return rec, OutcomeConflict, nil
	}
	return rec, OutcomeAccepted, nil
}
