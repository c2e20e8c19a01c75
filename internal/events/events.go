// Package events carries node notifications to external observers such as
// WebSocket clients, without those observers being imported by the core.
package events

import "time"

// Event types
const (
	PeerShunned          = "peer_shunned"
	PeerRehabilitated    = "peer_rehabilitated"
	ReplicationStored    = "replication_stored"
	ReplicationAbandoned = "replication_abandoned"
	DoubleSpendDetected  = "double_spend_detected"
	RangeChanged         = "range_changed"
	RecordEvicted        = "record_evicted"
)

// Event is one notification.
type Event struct {
	Type      string `json:"type"`
	Key       string `json:"key,omitempty"`
	Peer      string `json:"peer,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// New builds an event stamped with the current time.
func New(typ, message string) Event {
	return Event{Type: typ, Timestamp: time.Now().Unix(), Message: message}
}

// Broadcaster receives node events. Implementations must not block.
type Broadcaster interface {
	Broadcast(Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Broadcast(Event) {}

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	ch chan Event
}

// NewRecorder returns a recorder buffering up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Broadcast(e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Events returns the channel events are delivered on.
func (r *Recorder) Events() <-chan Event {
	return r.ch
}
