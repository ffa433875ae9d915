// Package orchestrator wires capture, segmentation, the job pipeline, the
// sentiment gate and the effect sequencer into one running listener.
package orchestrator

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calm-listener/platform/internal/audio"
	"github.com/calm-listener/platform/internal/effect"
	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/observe"
	"github.com/calm-listener/platform/internal/orchestrator/transcript"
	"github.com/calm-listener/platform/internal/pipeline"
	"github.com/calm-listener/platform/internal/segment"
	"github.com/calm-listener/platform/internal/sentiment"
	"github.com/calm-listener/platform/internal/store"
	"github.com/calm-listener/platform/internal/syncx"
	"github.com/calm-listener/platform/internal/trace"
)

// TranscriptEvent re-exported for the server.
type TranscriptEvent = transcript.Event

// Source produces capture chunks. *audio.Capturer implements it.
type Source interface {
	Start(ctx context.Context) error
	Output() <-chan audio.Chunk
	Errors() <-chan error
	Stop()
}

// Runner takes a segment through the remote analysis. *pipeline.Pipeline
// implements it.
type Runner interface {
	Run(ctx context.Context, seg *segment.Segment) (*pipeline.Result, error)
}

// Archive persists segment audio and transcripts. *store.Files implements it.
type Archive interface {
	SaveSegment(audio []byte, at time.Time) (string, error)
	SaveTranscript(t store.Transcript) (string, error)
}

// History answers job history queries. *store.SQLiteStore implements it.
type History interface {
	RecentJobs(ctx context.Context, limit int) ([]store.JobRecord, error)
}

// Health receives capture liveness. *grpcserver.Server implements it.
type Health interface {
	SetServing(serving bool)
}

// Deps are the collaborators of a Manager. Source, Segmenter, Pipeline,
// Gate and Effects are required.
type Deps struct {
	Source    Source
	Segmenter *segment.Segmenter
	Pipeline  Runner
	Pool      *pipeline.Pool
	Gate      *sentiment.Gate
	Effects   *effect.Sequencer

	Files       Archive
	Jobs        *store.Batcher
	History     History
	Health      Health
	Metrics     *observe.Metrics
	Transcripts *transcript.MemoryStore
}

// Status is a point-in-time view of the listener.
type Status struct {
	Capturing       bool       `json:"capturing"`
	Device          string     `json:"device,omitempty"`
	CaptureError    string     `json:"capture_error,omitempty"`
	SegmentsEmitted uint64     `json:"segments_emitted"`
	JobsInFlight    int        `json:"jobs_in_flight"`
	JobsQueued      int        `json:"jobs_queued"`
	SegmentsDropped int        `json:"segments_dropped"`
	Flashing        bool       `json:"flashing"`
	HasSaid         bool       `json:"has_said"`
	LastSequenceEnd *time.Time `json:"last_sequence_end,omitempty"`
	LastVerdict     string     `json:"last_verdict,omitempty"`
	Threshold       float64    `json:"threshold"`
}

// Manager coordinates all services
type Manager struct {
	d Deps

	ctx    context.Context
	cancel context.CancelFunc

	started    atomic.Bool
	capturing  atomic.Bool
	segments   atomic.Uint64
	captureErr *syncx.Guard[error]
	ingestDone chan struct{}
	stopOnce   sync.Once
}

// New creates a manager.
func New(d Deps) (*Manager, error) {
	if d.Source == nil || d.Segmenter == nil || d.Pipeline == nil || d.Gate == nil || d.Effects == nil {
		return nil, apperrors.New(apperrors.ConfigInvalid, "orchestrator: missing required dependency")
	}
	if d.Pool == nil {
		d.Pool = pipeline.NewPool(pipeline.DefaultMaxConcurrent, pipeline.DefaultMaxQueued)
	}
	if d.Transcripts == nil {
		d.Transcripts = transcript.NewStore(TranscriptMaxEntries, TranscriptEventBuffer)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		d:          d,
		ctx:        ctx,
		cancel:     cancel,
		captureErr: syncx.NewGuard[error](nil),
		ingestDone: make(chan struct{}),
	}, nil
}

// Start begins capture and ingestion. Cancelling ctx or calling Stop
// abandons in-flight pipelines.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	context.AfterFunc(ctx, m.cancel)

	if err := m.d.Source.Start(m.ctx); err != nil {
		close(m.ingestDone)
		m.captureErr.Set(err)
		return err
	}
	m.capturing.Store(true)
	m.setServing(true)
	go m.ingest()
	trace.Logger(ctx).Info("listener started", "threshold", m.d.Gate.Threshold())
	return nil
}

// ingest is the only reader of capture output, so chunks reach the
// segmenter in capture order.
func (m *Manager) ingest() {
	defer close(m.ingestDone)
	out, errs := m.d.Source.Output(), m.d.Source.Errors()
	for {
		select {
		case <-m.ctx.Done():
			m.captureStopped(nil)
			return
		case err := <-errs:
			m.captureStopped(err)
			return
		case chunk, ok := <-out:
			if !ok {
				m.captureStopped(nil)
				return
			}
			m.ingestChunk(chunk)
		}
	}
}

func (m *Manager) captureStopped(err error) {
	m.capturing.Store(false)
	m.setServing(false)
	if err != nil {
		m.captureErr.Set(err)
		trace.Logger(m.ctx).Error("capture stopped, ingestion halted", "error", err)
	}
}

func (m *Manager) ingestChunk(chunk audio.Chunk) {
	seg, err := m.d.Segmenter.Ingest(chunk.Data)
	if err != nil {
		trace.Logger(m.ctx).Error("segment encoding failed", "error", err)
		return
	}
	if seg == nil {
		return
	}
	m.segments.Add(1)
	if m.d.Metrics != nil {
		m.d.Metrics.SegmentsEmitted.Add(m.ctx, 1)
	}

	if m.d.Files != nil {
		if path, err := m.d.Files.SaveSegment(seg.Audio, seg.CreatedAt); err != nil {
			trace.Logger(m.ctx).Warn("save segment failed", "segment_id", seg.ID, "error", err)
		} else {
			trace.Logger(m.ctx).Debug("segment saved", "segment_id", seg.ID, "path", path, "duration", seg.Duration)
		}
	}
	if !m.d.Pool.Dispatch(m.ctx, seg, m.handleSegment) && m.d.Metrics != nil {
		m.d.Metrics.SegmentsDropped.Add(m.ctx, 1)
	}
}

// handleSegment runs on a pool goroutine, one per segment.
func (m *Manager) handleSegment(ctx context.Context, seg *segment.Segment) {
	if m.d.Metrics != nil {
		m.d.Metrics.JobsActive.Add(ctx, 1)
		defer m.d.Metrics.JobsActive.Add(ctx, -1)
	}

	res, err := m.d.Pipeline.Run(ctx, seg)
	rec := store.JobRecord{SegmentID: seg.ID, SubmittedAt: seg.CreatedAt}
	if res != nil {
		job := res.Job
		rec.JobID, rec.ConversationID = job.ID, job.ConversationID
		rec.Status, rec.Polls = job.State.String(), job.Polls
		if !job.SubmittedAt.IsZero() {
			rec.SubmittedAt = job.SubmittedAt
		}
		rec.CompletedAt = job.CompletedAt
	}
	if err != nil {
		rec.Status = pipeline.Failed.String()
		rec.Error = err.Error()
		m.record(rec)
		return
	}

	verdict, started := m.d.Gate.Handle(ctx, res.Topics)
	text := res.Transcript()
	var minScore *float64
	if !math.IsNaN(verdict.MinScore) {
		v := verdict.MinScore
		minScore = &v
	}

	m.d.Transcripts.Add(transcript.Entry{SegmentID: seg.ID, JobID: res.Job.ID, Text: text, Verdict: verdict.Label()})
	m.d.Transcripts.Emit(transcript.Event{
		Type: transcript.EventTranscript, SegmentID: seg.ID, JobID: res.Job.ID, Text: text,
	})
	m.d.Transcripts.Emit(transcript.Event{
		Type: transcript.EventSentiment, SegmentID: seg.ID, JobID: res.Job.ID,
		Verdict: verdict.Label(), MinScore: minScore, Topic: verdict.Topic, Started: started,
	})

	if m.d.Files != nil {
		_, err := m.d.Files.SaveTranscript(store.Transcript{
			SegmentID:      seg.ID,
			JobID:          res.Job.ID,
			ConversationID: res.Job.ConversationID,
			Verdict:        verdict.Label(),
			MinScore:       minScore,
			Text:           text,
			Messages:       res.Messages,
			Topics:         res.Topics,
			CreatedAt:      time.Now(),
		})
		if err != nil {
			trace.Logger(ctx).Warn("save transcript failed", "job_id", res.Job.ID, "error", err)
		}
	}

	rec.Verdict, rec.MinScore, rec.Transcript = verdict.Label(), minScore, text
	m.record(rec)
}

func (m *Manager) record(rec store.JobRecord) {
	if m.d.Jobs != nil {
		m.d.Jobs.Add(rec)
	}
}

func (m *Manager) setServing(ok bool) {
	if m.d.Health != nil {
		m.d.Health.SetServing(ok)
	}
}

// Events delivers transcript and sentiment events in completion order.
func (m *Manager) Events() <-chan TranscriptEvent {
	return m.d.Transcripts.Events()
}

// RecentTranscript renders the last few minutes of transcripts.
func (m *Manager) RecentTranscript() string {
	return m.d.Transcripts.GetRecent(RecentTranscriptWindow)
}

// TriggerEffect starts a sequence on the manager's context, so it
// outlives the caller's request. Returns effect.ErrBusy or
// effect.ErrCooldown when dropped.
func (m *Manager) TriggerEffect(ctx context.Context) error {
	trace.Logger(ctx).Info("manual effect trigger")
	return m.d.Effects.Start(m.ctx)
}

// RecentJobs returns the job history, newest first.
func (m *Manager) RecentJobs(ctx context.Context, limit int) ([]store.JobRecord, error) {
	if m.d.History == nil {
		return nil, apperrors.New(apperrors.Unavailable, "job history disabled")
	}
	return m.d.History.RecentJobs(ctx, limit)
}

// Status returns a snapshot for observers.
func (m *Manager) Status() Status {
	st := m.d.Effects.State()
	s := Status{
		Capturing:       m.capturing.Load(),
		SegmentsEmitted: m.segments.Load(),
		JobsInFlight:    m.d.Pool.InFlight(),
		JobsQueued:      m.d.Pool.Queued(),
		SegmentsDropped: m.d.Pool.Dropped(),
		Flashing:        st.Flashing,
		HasSaid:         st.HasSaid,
		Threshold:       m.d.Gate.Threshold(),
	}
	if !st.LastFinished.IsZero() {
		t := st.LastFinished
		s.LastSequenceEnd = &t
	}
	if d, ok := m.d.Source.(interface{ Device() string }); ok {
		s.Device = d.Device()
	}
	if err := m.captureErr.Get(); err != nil {
		s.CaptureError = err.Error()
	}
	if e, ok := m.d.Transcripts.Latest(); ok {
		s.LastVerdict = e.Verdict
	}
	return s
}

// Stop halts capture, abandons in-flight pipelines, waits for them (up to
// PoolDrainTimeout) and for a running sequence to reach a step boundary,
// then flushes job history.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		log := trace.Logger(ctx)
		m.cancel()
		m.d.Source.Stop()
		if m.started.Load() {
			<-m.ingestDone
		}
		m.setServing(false)

		wctx, cancel := context.WithTimeout(ctx, PoolDrainTimeout)
		defer cancel()
		if err := m.d.Pool.Wait(wctx); err != nil {
			log.Warn("pipelines still running at shutdown", "in_flight", m.d.Pool.InFlight(), "error", err)
		}
		m.d.Effects.Close()
		if m.d.Jobs != nil {
			m.d.Jobs.Stop()
		}
		log.Info("listener stopped")
	})
}
