package transcript

import (
	"strings"
	"testing"
	"time"
)

func TestStoreAdd(t *testing.T) {
	s := NewStore(30, 10)
	s.Add(Entry{SegmentID: "seg-1", JobID: "job-1", Text: "Hello", Verdict: "POSITIVE"})

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Text != "Hello" || entries[0].JobID != "job-1" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestStoreMaxSize(t *testing.T) {
	s := NewStore(5, 10)
	for i := 0; i < 10; i++ {
		s.Add(Entry{JobID: string(rune('a' + i))})
	}

	entries := s.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].JobID != "f" {
		t.Errorf("oldest kept = %q, want f", entries[0].JobID)
	}
	if last, ok := s.Latest(); !ok || last.JobID != "j" {
		t.Errorf("Latest = %+v, %v", last, ok)
	}
}

func TestLatestEmpty(t *testing.T) {
	if _, ok := NewStore(5, 1).Latest(); ok {
		t.Error("empty store reported a latest entry")
	}
}

func TestGetRecent(t *testing.T) {
	s := NewStore(30, 10)
	s.Add(Entry{Timestamp: time.Now().Add(-5 * time.Minute), Text: "Old", Verdict: "POSITIVE"})
	s.Add(Entry{Text: "Stop shouting", Verdict: "NEGATIVE"})
	s.Add(Entry{Verdict: "POSITIVE"})

	recent := s.GetRecent(time.Minute)
	if strings.Contains(recent, "Old") {
		t.Error("should not contain old message")
	}
	if recent != "[NEGATIVE] Stop shouting" {
		t.Errorf("GetRecent = %q", recent)
	}
}

func TestEmit(t *testing.T) {
	s := NewStore(30, 10)
	go s.Emit(Event{Type: EventTranscript, Text: "test"})

	select {
	case e := <-s.Events():
		if e.Text != "test" || e.Type != EventTranscript {
			t.Errorf("unexpected event %+v", e)
		}
		if e.At.IsZero() {
			t.Error("event time not set")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for event")
	}
}

func TestEmitNonBlocking(t *testing.T) {
	s := NewStore(30, 1)
	s.Emit(Event{Type: EventTranscript, Text: "1"})

	done := make(chan struct{})
	go func() {
		s.Emit(Event{Type: EventTranscript, Text: "2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full channel")
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", s.Dropped())
	}
	if e := <-s.Events(); e.Text != "1" {
		t.Errorf("kept event = %q, want the first", e.Text)
	}
}
