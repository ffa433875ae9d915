// Package store persists segment audio and transcripts to disk and keeps
// a SQLite history of analysis jobs.
package store

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/calm-listener/platform/internal/analysis"
	apperrors "github.com/calm-listener/platform/internal/errors"
)

// Transcript is the JSON document written per completed job.
type Transcript struct {
	SegmentID      string             `json:"segment_id"`
	JobID          string             `json:"job_id"`
	ConversationID string             `json:"conversation_id"`
	Verdict        string             `json:"verdict"`
	MinScore       *float64           `json:"min_score,omitempty"`
	Text           string             `json:"text"`
	Messages       []analysis.Message `json:"messages"`
	Topics         []analysis.Topic   `json:"topics"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Files writes segment WAVs and transcript JSON under two directories.
// Names are ULIDs, so they sort by creation time and never collide.
type Files struct {
	audioDir      string
	transcriptDir string

	mu      sync.Mutex
	entropy io.Reader
}

// NewFiles creates both directories if needed.
func NewFiles(audioDir, transcriptDir string) (*Files, error) {
	for _, dir := range []string{audioDir, transcriptDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ConfigInvalid, "create %s", dir)
		}
	}
	return &Files{
		audioDir:      audioDir,
		transcriptDir: transcriptDir,
		entropy:       ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (f *Files) newID(at time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), f.entropy).String()
}

// SaveSegment writes an encoded WAV and returns its path.
func (f *Files) SaveSegment(audio []byte, at time.Time) (string, error) {
	path := filepath.Join(f.audioDir, "audio_"+f.newID(at)+".wav")
	if err := writeAtomic(path, audio); err != nil {
		return "", err
	}
	return path, nil
}

// SaveTranscript writes t as indented JSON and returns its path.
func (f *Files) SaveTranscript(t Transcript) (string, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Internal, "encode transcript")
	}
	path := filepath.Join(f.transcriptDir, "transcript_"+f.newID(t.CreatedAt)+".json")
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// writeAtomic writes to a temp file in the same directory, syncs it and
// renames it into place, so readers never see a partial file.
func writeAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "create temp file")
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.Wrapf(err, apperrors.Internal, "write %s", path)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return apperrors.Wrapf(err, apperrors.Internal, "sync %s", path)
	}
	if err = tmp.Close(); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "close %s", path)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "rename into %s", path)
	}
	return nil
}
