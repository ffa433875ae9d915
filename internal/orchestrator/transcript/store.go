// Package transcript keeps the recent transcripts and verdicts in memory
// and fans completion events out to realtime observers.
package transcript

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	EventTranscript = "transcript"
	EventSentiment  = "sentiment"
)

// Event is broadcast to observers once per completed job and kind, in
// completion order.
type Event struct {
	Type      string    `json:"type"`
	SegmentID string    `json:"segment_id"`
	JobID     string    `json:"job_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Verdict   string    `json:"verdict,omitempty"`
	MinScore  *float64  `json:"min_score,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Started   bool      `json:"effect_started,omitempty"`
	At        time.Time `json:"at"`
}

// Entry is one completed job as remembered by the store.
type Entry struct {
	Timestamp time.Time
	SegmentID string
	JobID     string
	Text      string
	Verdict   string
}

// MemoryStore is a bounded ring of recent entries plus an event channel.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []Entry
	maxSize  int
	eventsCh chan Event
	dropped  atomic.Int64
}

// NewStore creates a new transcript store.
func NewStore(maxEntries, eventBuffer int) *MemoryStore {
	return &MemoryStore{
		entries:  make([]Entry, 0, maxEntries),
		maxSize:  maxEntries,
		eventsCh: make(chan Event, eventBuffer),
	}
}

// Add stores e, stamping it if needed, and evicts the oldest entries.
func (s *MemoryStore) Add(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, e)
	if len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}
}

// GetRecent renders entries newer than window, one per line.
func (s *MemoryStore) GetRecent(window time.Duration) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var parts []string
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) || e.Text == "" {
			continue
		}
		parts = append(parts, "["+e.Verdict+"] "+e.Text)
	}
	return strings.Join(parts, "\n")
}

// Latest returns the most recent entry.
func (s *MemoryStore) Latest() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Events returns the channel for transcript events.
func (s *MemoryStore) Events() <-chan Event {
	return s.eventsCh
}

// Emit sends an event without blocking; it is dropped when nobody keeps up.
func (s *MemoryStore) Emit(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	select {
	case s.eventsCh <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped counts events lost to a full channel.
func (s *MemoryStore) Dropped() int64 { return s.dropped.Load() }

// Entries returns a copy of all entries.
func (s *MemoryStore) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Entry, len(s.entries))
	copy(result, s.entries)
	return result
}
