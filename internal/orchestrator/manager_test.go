package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/calm-listener/platform/internal/analysis"
	"github.com/calm-listener/platform/internal/audio"
	"github.com/calm-listener/platform/internal/effect"
	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/orchestrator/transcript"
	"github.com/calm-listener/platform/internal/pipeline"
	"github.com/calm-listener/platform/internal/segment"
	"github.com/calm-listener/platform/internal/sentiment"
	"github.com/calm-listener/platform/internal/store"
)

type fakeSource struct {
	out      chan audio.Chunk
	errs     chan error
	startErr error
	stopOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{out: make(chan audio.Chunk, 16), errs: make(chan error, 1)}
}

func (f *fakeSource) Start(context.Context) error { return f.startErr }
func (f *fakeSource) Output() <-chan audio.Chunk  { return f.out }
func (f *fakeSource) Errors() <-chan error        { return f.errs }
func (f *fakeSource) Device() string              { return "Test Microphone" }
func (f *fakeSource) Stop()                       { f.stopOnce.Do(func() { close(f.out) }) }

// fakeRunner answers by segment sequence number.
type fakeRunner struct {
	negative map[uint64]bool
	fail     map[uint64]error
}

func (r *fakeRunner) Run(_ context.Context, seg *segment.Segment) (*pipeline.Result, error) {
	job := pipeline.Job{ID: fmt.Sprintf("job-%d", seg.Seq), SegmentID: seg.ID, Polls: 1, SubmittedAt: time.Now()}
	if err := r.fail[seg.Seq]; err != nil {
		job.State = pipeline.Failed
		job.Err = err
		return &pipeline.Result{Job: job}, err
	}
	job.State = pipeline.Completed
	job.CompletedAt = time.Now()
	score := 0.4
	if r.negative[seg.Seq] {
		score = -0.9
	}
	return &pipeline.Result{
		Job:      job,
		Topics:   []analysis.Topic{{Text: "deadline", Sentiment: analysis.Sentiment{Polarity: analysis.Polarity{Score: score}}}},
		Messages: []analysis.Message{{Text: fmt.Sprintf("segment %d", seg.Seq)}},
	}, nil
}

// blockingRunner holds every job until release is closed.
type blockingRunner struct {
	release chan struct{}
	fakeRunner
}

func (r *blockingRunner) Run(ctx context.Context, seg *segment.Segment) (*pipeline.Result, error) {
	<-r.release
	return r.fakeRunner.Run(ctx, seg)
}

type fakeActuator struct {
	mu     sync.Mutex
	states []string
}

func (a *fakeActuator) SetState(_ context.Context, s string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states = append(a.states, s)
	return nil
}

type memSink struct {
	mu   sync.Mutex
	recs []store.JobRecord
}

func (s *memSink) SaveJobs(_ context.Context, recs []store.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, recs...)
	return nil
}

func (s *memSink) byJob() map[string]store.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]store.JobRecord, len(s.recs))
	for _, r := range s.recs {
		out[r.JobID] = r
	}
	return out
}

type fakeArchive struct {
	mu          sync.Mutex
	segments    int
	transcripts []store.Transcript
}

func (a *fakeArchive) SaveSegment([]byte, time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segments++
	return fmt.Sprintf("audio_%d.wav", a.segments), nil
}

func (a *fakeArchive) SaveTranscript(t store.Transcript) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transcripts = append(a.transcripts, t)
	return "transcript.json", nil
}

type fakeHealth struct {
	mu      sync.Mutex
	history []bool
}

func (h *fakeHealth) SetServing(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, ok)
}

func (h *fakeHealth) last() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history) > 0 && h.history[len(h.history)-1]
}

type fixture struct {
	m       *Manager
	src     *fakeSource
	act     *fakeActuator
	sink    *memSink
	files   *fakeArchive
	health  *fakeHealth
	effects *effect.Sequencer
}

// newFixture builds a manager whose segments are exactly one 2000-byte
// chunk (1 kHz, 1 s, no overlap).
func newFixture(t *testing.T, runner Runner, hold func(time.Duration)) *fixture {
	t.Helper()
	seg, err := segment.New(segment.Config{SampleRate: 1000, Target: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if hold == nil {
		hold = func(time.Duration) {}
	}
	f := &fixture{
		src:    newFakeSource(),
		act:    &fakeActuator{},
		sink:   &memSink{},
		files:  &fakeArchive{},
		health: &fakeHealth{},
	}
	f.effects = effect.New(f.act, nil, effect.Config{
		Steps: []effect.Step{{State: effect.StateAlert}, {State: effect.StateCalm}},
		Hold:  hold,
	})
	f.m, err = New(Deps{
		Source:    f.src,
		Segmenter: seg,
		Pipeline:  runner,
		Pool:      pipeline.NewPool(2, 8),
		Gate:      sentiment.NewGate(sentiment.DefaultThreshold, f.effects, nil),
		Effects:   f.effects,
		Files:     f.files,
		Jobs:      store.NewBatcher(f.sink, 100, time.Hour),
		Health:    f.health,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func nextEvent(t *testing.T, m *Manager) TranscriptEvent {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return TranscriptEvent{}
	}
}

func TestManagerProcessesSegments(t *testing.T) {
	f := newFixture(t, &fakeRunner{negative: map[uint64]bool{1: true}}, nil)
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.health.last() {
		t.Error("health not SERVING after start")
	}

	f.src.out <- audio.Chunk{Data: make([]byte, 1500)}
	f.src.out <- audio.Chunk{Data: make([]byte, 2500)} // completes segment 1
	f.src.out <- audio.Chunk{Data: make([]byte, 2000)} // segment 2

	counts := map[string]int{}
	verdicts := map[string]string{}
	for i := 0; i < 4; i++ {
		ev := nextEvent(t, f.m)
		counts[ev.Type]++
		if ev.Type == transcript.EventSentiment {
			verdicts[ev.JobID] = ev.Verdict
		}
	}
	if counts[transcript.EventTranscript] != 2 || counts[transcript.EventSentiment] != 2 {
		t.Errorf("event counts = %v", counts)
	}
	if verdicts["job-1"] != "NEGATIVE" || verdicts["job-2"] != "POSITIVE" {
		t.Errorf("verdicts = %v", verdicts)
	}

	f.m.Stop(context.Background())

	if f.health.last() {
		t.Error("health still SERVING after stop")
	}
	if !f.effects.State().HasSaid {
		t.Error("negative verdict did not start the effect")
	}
	recs := f.sink.byJob()
	if len(recs) != 2 {
		t.Fatalf("job records = %d, want 2", len(recs))
	}
	if r := recs["job-1"]; r.Verdict != "NEGATIVE" || r.MinScore == nil || *r.MinScore != -0.9 || r.Status != "completed" {
		t.Errorf("job-1 record = %+v", r)
	}
	if r := recs["job-2"]; r.Transcript != "segment 2" {
		t.Errorf("job-2 transcript = %q", r.Transcript)
	}
	if f.files.segments != 2 || len(f.files.transcripts) != 2 {
		t.Errorf("archive = %d segments, %d transcripts", f.files.segments, len(f.files.transcripts))
	}
	if st := f.m.Status(); st.SegmentsEmitted != 2 || st.Device != "Test Microphone" {
		t.Errorf("status = %+v", st)
	}
}

func TestManagerRecordsFailedJobs(t *testing.T) {
	poll := apperrors.New(apperrors.PollTimeout, "job still in_progress")
	f := newFixture(t, &fakeRunner{fail: map[uint64]error{1: poll}}, nil)
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.src.out <- audio.Chunk{Data: make([]byte, 2000)}

	deadline := time.Now().Add(5 * time.Second)
	for f.m.d.Jobs.Pending() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f.m.Stop(context.Background())

	r, ok := f.sink.byJob()["job-1"]
	if !ok {
		t.Fatal("failed job not recorded")
	}
	if r.Status != "failed" || r.Error == "" || r.Verdict != "" {
		t.Errorf("record = %+v", r)
	}
	if f.effects.State().HasSaid {
		t.Error("failed job must not reach the gate")
	}
}

func TestFullBacklogDropsSegments(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	f := newFixture(t, runner, nil)
	f.m.d.Pool = pipeline.NewPool(1, 1)
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		f.src.out <- audio.Chunk{Data: make([]byte, 2000)}
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.m.Status().SegmentsDropped < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	st := f.m.Status()
	if st.SegmentsEmitted != 5 || st.SegmentsDropped != 3 || st.JobsQueued > 1 {
		t.Errorf("status = %+v, want 5 emitted, 3 dropped", st)
	}
	f.files.mu.Lock()
	archived := f.files.segments
	f.files.mu.Unlock()
	if archived != 5 {
		t.Errorf("archived %d segments, want all 5", archived)
	}

	close(runner.release)
	for i := 0; i < 4; i++ {
		nextEvent(t, f.m)
	}
	f.m.Stop(context.Background())
	if recs := f.sink.byJob(); len(recs) != 2 {
		t.Errorf("job records = %d, want 2", len(recs))
	}
}

func TestCaptureErrorStopsIngestion(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.src.errs <- apperrors.New(apperrors.CaptureFailed, "device unplugged")

	deadline := time.Now().Add(5 * time.Second)
	for f.m.Status().Capturing && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	st := f.m.Status()
	if st.Capturing || st.CaptureError == "" {
		t.Errorf("status = %+v", st)
	}
	if f.health.last() {
		t.Error("health should be NOT_SERVING after a capture error")
	}
	f.m.Stop(context.Background())
}

func TestStartFailure(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	f.src.startErr = apperrors.New(apperrors.CaptureFailed, "no device")
	if err := f.m.Start(context.Background()); !apperrors.IsCode(err, apperrors.CaptureFailed) {
		t.Errorf("Start = %v", err)
	}
	if f.health.last() {
		t.Error("health SERVING after failed start")
	}
	f.m.Stop(context.Background())
}

func TestTriggerEffectBusy(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, &fakeRunner{}, func(time.Duration) { <-release })

	if err := f.m.TriggerEffect(context.Background()); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := f.m.TriggerEffect(context.Background()); !errors.Is(err, effect.ErrBusy) {
		t.Errorf("second trigger = %v, want ErrBusy", err)
	}
	if !f.m.Status().Flashing {
		t.Error("status does not report flashing")
	}
	close(release)
	f.m.Stop(context.Background())
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); !apperrors.IsCode(err, apperrors.ConfigInvalid) {
		t.Errorf("New = %v", err)
	}
}

func TestRecentJobsWithoutHistory(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	if _, err := f.m.RecentJobs(context.Background(), 5); !apperrors.IsCode(err, apperrors.Unavailable) {
		t.Errorf("RecentJobs = %v", err)
	}
}
