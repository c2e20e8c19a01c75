package pricing

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zde37/kadvault/pkg/codec"
)

// Sample is the decaying average of accepted prices in one distance bucket.
type Sample struct {
	Average float64   `cbor:"avg" json:"average"`
	Count   uint64    `cbor:"count" json:"count"`
	Updated time.Time `cbor:"updated" json:"updated"`
}

// SampleTable keeps one Sample per distance bucket and writes itself to disk
// after every update so a restarted node does not price as if it were new.
type SampleTable struct {
	mu      sync.RWMutex
	path    string
	decay   float64
	buckets map[int]Sample
}

type sampleFile struct {
	Buckets map[int]Sample `cbor:"buckets"`
}

// LoadSampleTable reads the table at path. A missing file yields an empty table.
// An empty path keeps the table in memory only.
func LoadSampleTable(path string, decay float64) (*SampleTable, error) {
	t := &SampleTable{
		path:    path,
		decay:   decay,
		buckets: make(map[int]Sample),
	}
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pricing samples: %w", err)
	}

	var f sampleFile
	if err := codec.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode pricing samples: %w", err)
	}
	for b, s := range f.Buckets {
		t.buckets[b] = s
	}
	return t, nil
}

// Average returns the decaying average for bucket, zero when nothing was recorded.
func (t *SampleTable) Average(bucket int) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buckets[bucket].Average
}

// Record folds an accepted price into bucket and persists the table.
func (t *SampleTable) Record(bucket int, price uint64, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.buckets[bucket]
	if !ok {
		s.Average = float64(price)
	} else {
		s.Average = t.decay*float64(price) + (1-t.decay)*s.Average
	}
	s.Count++
	s.Updated = now
	t.buckets[bucket] = s

	return t.saveLocked()
}

// Snapshot copies the table.
func (t *SampleTable) Snapshot() map[int]Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// TotalCount is the number of accepted payments recorded across buckets.
func (t *SampleTable) TotalCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n uint64
	for _, s := range t.buckets {
		n += s.Count
	}
	return n
}

func (t *SampleTable) snapshotLocked() map[int]Sample {
	out := make(map[int]Sample, len(t.buckets))
	for b, s := range t.buckets {
		out[b] = s
	}
	return out
}

// saveLocked writes through a temp file and renames it so readers never see a torn table.
func (t *SampleTable) saveLocked() error {
	if t.path == "" {
		return nil
	}
	data, err := codec.Marshal(sampleFile{Buckets: t.buckets})
	if err != nil {
		return fmt.Errorf("encode pricing samples: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("create pricing dir: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write pricing samples: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replace pricing samples: %w", err)
	}
	return nil
}
