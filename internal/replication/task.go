package replication

import (
	"time"

	"github.com/zde37/kadvault/pkg/hash"
)

// TaskState is where a replication task is in its lifecycle.
type TaskState uint8

const (
	StatePending TaskState = iota
	StateFetching
	StateStored
	StateAbandoned
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateStored:
		return "stored"
	default:
		return "abandoned"
	}
}

// Task is one key this node should hold but does not.
type Task struct {
	Key      hash.Key
	Holders  []hash.Key
	Attempts int
	State    TaskState
	Created  time.Time

	tried map[hash.Key]struct{}
}

func (t *Task) addHolder(id hash.Key) {
	for _, h := range t.Holders {
		if h == id {
			return
		}
	}
	t.Holders = append(t.Holders, id)
}

// nextHolder returns the first holder not yet tried and not shunned.
func (t *Task) nextHolder(shunned func(hash.Key) bool) (hash.Key, bool) {
	for _, h := range t.Holders {
		if _, done := t.tried[h]; done {
			continue
		}
		if shunned(h) {
			continue
		}
		return h, true
	}
	return hash.Key{}, false
}

// TaskInfo is the JSON view of a task.
type TaskInfo struct {
	Key      string    `json:"key"`
	State    string    `json:"state"`
	Holders  int       `json:"holders"`
	Tried    int       `json:"tried"`
	Attempts int       `json:"attempts"`
	Created  time.Time `json:"created"`
}

func (t *Task) info() TaskInfo {
	return TaskInfo{
		Key:      t.Key.String(),
		State:    t.State.String(),
		Holders:  len(t.Holders),
		Tried:    len(t.tried),
		Attempts: t.Attempts,
		Created:  t.Created,
	}
}
