// Package segment turns the unbounded capture stream into overlapping,
// fixed-duration WAV segments.
package segment

import (
	"time"

	"github.com/google/uuid"

	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/wav"
)

// Config describes the PCM format and the segment geometry.
type Config struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Target     time.Duration
	Overlap    time.Duration
}

// Segment is one finalized, self-contained unit of audio. Immutable once
// emitted.
type Segment struct {
	ID        string
	Seq       uint64
	Audio     []byte // PCM wrapped in a WAVE header
	Duration  time.Duration
	CreatedAt time.Time
}

// PCM is the raw payload, overlap included. It aliases Audio.
func (s *Segment) PCM() []byte {
	if len(s.Audio) < wav.HeaderSize {
		return nil
	}
	return s.Audio[wav.HeaderSize:]
}

// Segmenter accumulates capture chunks and emits a Segment whenever the
// buffer reaches the target size. Not safe for concurrent use: it is owned
// by the single ingest goroutine.
type Segmenter struct {
	cfg          Config
	frameBytes   int
	targetBytes  int
	overlapBytes int
	buf          []byte
	seq          uint64
}

// New validates cfg and returns a Segmenter. Overlap must be strictly
// shorter than the target.
func New(cfg Config) (*Segmenter, error) {
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.BitDepth == 0 {
		cfg.BitDepth = 16
	}
	if cfg.SampleRate <= 0 || cfg.BitDepth%8 != 0 || cfg.Channels < 0 {
		return nil, apperrors.Newf(apperrors.ConfigInvalid,
			"invalid pcm format: rate=%d channels=%d bits=%d", cfg.SampleRate, cfg.Channels, cfg.BitDepth)
	}
	if cfg.Target <= 0 {
		return nil, apperrors.Newf(apperrors.ConfigInvalid, "segment target must be positive, got %s", cfg.Target)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Target {
		return nil, apperrors.Newf(apperrors.ConfigInvalid,
			"overlap %s must be in [0, target %s)", cfg.Overlap, cfg.Target)
	}

	frame := cfg.Channels * cfg.BitDepth / 8
	s := &Segmenter{
		cfg:          cfg,
		frameBytes:   frame,
		targetBytes:  durationToBytes(cfg.Target, cfg.SampleRate, frame),
		overlapBytes: durationToBytes(cfg.Overlap, cfg.SampleRate, frame),
	}
	if s.targetBytes == 0 {
		return nil, apperrors.Newf(apperrors.ConfigInvalid, "segment target %s is shorter than one frame", cfg.Target)
	}
	return s, nil
}

// durationToBytes rounds down to whole frames so overlap tails never split a
// sample.
func durationToBytes(d time.Duration, sampleRate, frameBytes int) int {
	frames := int64(d) * int64(sampleRate) / int64(time.Second)
	return int(frames) * frameBytes
}

// Ingest appends chunk and returns a Segment if the target was reached.
// The emitted segment contains the whole accumulated buffer; the buffer is
// then reseeded with a copy of its last OverlapBytes.
func (s *Segmenter) Ingest(chunk []byte) (*Segment, error) {
	s.buf = append(s.buf, chunk...)
	if len(s.buf) < s.targetBytes {
		return nil, nil
	}

	payload := s.buf
	audio, err := wav.Encode(payload, s.cfg.SampleRate, s.cfg.Channels, s.cfg.BitDepth)
	if err != nil {
		return nil, err
	}

	tail := make([]byte, min(s.overlapBytes, len(payload)))
	copy(tail, payload[len(payload)-len(tail):])
	s.buf = tail
	s.seq++

	return &Segment{
		ID:        uuid.NewString(),
		Seq:       s.seq,
		Audio:     audio,
		Duration:  s.bytesToDuration(len(payload)),
		CreatedAt: time.Now(),
	}, nil
}

func (s *Segmenter) bytesToDuration(n int) time.Duration {
	frames := int64(n / s.frameBytes)
	return time.Duration(frames * int64(time.Second) / int64(s.cfg.SampleRate))
}

// Pending returns the number of buffered bytes not yet emitted.
func (s *Segmenter) Pending() int { return len(s.buf) }

// TargetBytes is the emission threshold in bytes.
func (s *Segmenter) TargetBytes() int { return s.targetBytes }

// OverlapBytes is the size of the tail carried into the next segment.
func (s *Segmenter) OverlapBytes() int { return s.overlapBytes }
