package record

import (
	"time"

	"github.com/zde37/kadvault/pkg/hash"
)

// QuoteMetrics is the node state a price was derived from. Clients compare
// these across quotes from a close group.
type QuoteMetrics struct {
	CloseRecordsStored   int    `cbor:"close_records_stored" json:"close_records_stored"`
	MaxRecords           int    `cbor:"max_records" json:"max_records"`
	ReceivedPaymentCount uint64 `cbor:"received_payment_count" json:"received_payment_count"`
	LiveTimeSeconds      int64  `cbor:"live_time" json:"live_time"`
}

// Quote is a node's offer to store one record at Key for Price.
type Quote struct {
	ID        string       `cbor:"id" json:"id"`
	Key       hash.Key     `cbor:"key" json:"-"`
	Price     uint64       `cbor:"price" json:"price"`
	Peer      hash.Key     `cbor:"peer" json:"-"`
	Timestamp time.Time    `cbor:"timestamp" json:"timestamp"`
	Metrics   QuoteMetrics `cbor:"metrics" json:"metrics"`
}

// Expired reports whether the quote is older than ttl at now.
func (q Quote) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.Timestamp) > ttl
}

// QuoteProof is what a client hands over with a PUT: the quote it was given
// and evidence that it paid.
type QuoteProof struct {
	Quote  Quote  `cbor:"quote"`
	Amount uint64 `cbor:"amount"`
	TxRef  []byte `cbor:"tx_ref"`
}
