package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calm-listener/platform/internal/analysis"
	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/resilience"
	"github.com/calm-listener/platform/internal/segment"
)

// mockService replays a scripted sequence of job statuses.
type mockService struct {
	mu          sync.Mutex
	statuses    []string
	polls       int
	submitErr   error
	pollErr     error
	topicsErr   error
	messagesErr error
	topics      []analysis.Topic
	messages    []analysis.Message
}

func (m *mockService) Submit(_ context.Context, audio []byte) (analysis.Submission, error) {
	if m.submitErr != nil {
		return analysis.Submission{}, m.submitErr
	}
	return analysis.Submission{JobID: "job-1", ConversationID: "conv-1"}, nil
}

func (m *mockService) JobStatus(_ context.Context, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollErr != nil {
		return "", m.pollErr
	}
	i := min(m.polls, len(m.statuses)-1)
	m.polls++
	return m.statuses[i], nil
}

func (m *mockService) Topics(context.Context, string) ([]analysis.Topic, error) {
	return m.topics, m.topicsErr
}

func (m *mockService) Messages(context.Context, string) ([]analysis.Message, error) {
	return m.messages, m.messagesErr
}

type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

type recordingObserver struct {
	jobs []Job
}

func (r *recordingObserver) JobFinished(_ context.Context, job Job, _ time.Duration) {
	r.jobs = append(r.jobs, job)
}

func testSegment() *segment.Segment {
	return &segment.Segment{ID: "seg-1", Audio: []byte("RIFF")}
}

func TestAwaitCompletionWaitsBetweenPolls(t *testing.T) {
	svc := &mockService{statuses: []string{analysis.StatusInProgress, analysis.StatusInProgress, analysis.StatusCompleted}}
	sl := &recordingSleeper{}
	p := New(svc, Config{PollInterval: time.Second, MaxPolls: 10, Sleep: sl.sleep})

	job, err := p.Submit(context.Background(), testSegment())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.State != Polling || job.ID != "job-1" || job.ConversationID != "conv-1" {
		t.Fatalf("job after submit = %+v", job)
	}

	if err := p.AwaitCompletion(context.Background(), job); err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if svc.polls != 3 {
		t.Errorf("polls = %d, want 3", svc.polls)
	}
	if len(sl.waits) != 2 {
		t.Errorf("waits = %d, want 2", len(sl.waits))
	}
	for _, w := range sl.waits {
		if w != time.Second {
			t.Errorf("wait = %s, want 1s", w)
		}
	}
	if job.State != Completed || job.Polls != 3 {
		t.Errorf("job = %+v", job)
	}
}

func TestAwaitCompletionTerminalFailures(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		pollErr  error
		want     apperrors.Code
		polls    int
	}{
		{"service reports failed", []string{analysis.StatusInProgress, analysis.StatusFailed}, nil, apperrors.RemoteService, 2},
		{"service reports error", []string{analysis.StatusError}, nil, apperrors.RemoteService, 1},
		{"poll limit exhausted", []string{analysis.StatusInProgress}, nil, apperrors.PollTimeout, 4},
		{"transport error", []string{analysis.StatusInProgress}, errors.New("connection reset"), apperrors.RemoteService, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{statuses: tt.statuses, pollErr: tt.pollErr}
			sl := &recordingSleeper{}
			p := New(svc, Config{MaxPolls: 4, Sleep: sl.sleep})

			job := &Job{ID: "job-1", State: Polling}
			err := p.AwaitCompletion(context.Background(), job)
			if !apperrors.IsCode(err, tt.want) {
				t.Fatalf("err = %v, want %s", err, tt.want)
			}
			if job.State != Failed || job.Err == nil {
				t.Errorf("job = %+v", job)
			}
			if job.Polls != tt.polls {
				t.Errorf("polls = %d, want %d", job.Polls, tt.polls)
			}
			if len(sl.waits) != tt.polls-1 && tt.pollErr == nil {
				t.Errorf("waits = %d, want %d", len(sl.waits), tt.polls-1)
			}
		})
	}
}

func TestAwaitCompletionCancelled(t *testing.T) {
	svc := &mockService{statuses: []string{analysis.StatusInProgress}}
	ctx, cancel := context.WithCancel(context.Background())
	p := New(svc, Config{Sleep: func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}})

	err := p.AwaitCompletion(ctx, &Job{ID: "job-1"})
	if !apperrors.IsCode(err, apperrors.Cancelled) {
		t.Errorf("err = %v, want CANCELLED", err)
	}
}

func TestRunProducesResult(t *testing.T) {
	svc := &mockService{
		statuses: []string{analysis.StatusCompleted},
		topics:   []analysis.Topic{{Text: "deadline", Sentiment: analysis.Sentiment{Polarity: analysis.Polarity{Score: -0.6}}}},
		messages: []analysis.Message{{Text: "we are late"}, {Text: "again"}},
	}
	obs := &recordingObserver{}
	p := New(svc, Config{Sleep: (&recordingSleeper{}).sleep, Observer: obs})

	res, err := p.Run(context.Background(), testSegment())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Topics) != 1 || res.Transcript() != "we are late again" {
		t.Errorf("result = %+v", res)
	}
	if res.Job.SegmentID != "seg-1" || res.Job.State != Completed {
		t.Errorf("job = %+v", res.Job)
	}
	if len(obs.jobs) != 1 || obs.jobs[0].State != Completed {
		t.Errorf("observer saw %+v", obs.jobs)
	}
}

func TestRunFetchFailures(t *testing.T) {
	t.Run("topics failure fails the job", func(t *testing.T) {
		svc := &mockService{statuses: []string{analysis.StatusCompleted}, topicsErr: errors.New("500")}
		obs := &recordingObserver{}
		p := New(svc, Config{Observer: obs})
		res, err := p.Run(context.Background(), testSegment())
		if !apperrors.IsCode(err, apperrors.RemoteService) {
			t.Errorf("err = %v", err)
		}
		if res == nil || res.Job.State != Failed || res.Job.Err == nil || res.Topics != nil {
			t.Errorf("failed result = %+v", res)
		}
		if obs.jobs[0].State != Failed {
			t.Errorf("state = %v", obs.jobs[0].State)
		}
	})

	t.Run("messages failure keeps the result", func(t *testing.T) {
		svc := &mockService{statuses: []string{analysis.StatusCompleted}, messagesErr: errors.New("404")}
		p := New(svc, Config{})
		res, err := p.Run(context.Background(), testSegment())
		if err != nil || res.Messages != nil {
			t.Errorf("Run = %+v, %v", res, err)
		}
	})

	t.Run("submit failure", func(t *testing.T) {
		svc := &mockService{submitErr: apperrors.New(apperrors.RemoteService, "413")}
		p := New(svc, Config{})
		if _, err := p.Run(context.Background(), testSegment()); !apperrors.IsCode(err, apperrors.RemoteService) {
			t.Errorf("err = %v", err)
		}
		if svc.polls != 0 {
			t.Error("must not poll after a failed submit")
		}
	})
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Submitted: "submitted", Polling: "polling", Completed: "completed", Failed: "failed", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", s, s.String(), want)
		}
	}
}

// remoteService serves the analysis API: the first upload becomes job-a,
// every later upload is answered with rejectStatus.
type remoteService struct {
	rejectStatus int
	submits      atomic.Int32
	polls        atomic.Int32
}

func (r *remoteService) start(t *testing.T, breaker resilience.Config) *analysis.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/token:generate", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"accessToken":"tok","expiresIn":3600}`)
	})
	mux.HandleFunc("POST /v1/process/audio", func(w http.ResponseWriter, _ *http.Request) {
		if r.submits.Add(1) > 1 {
			http.Error(w, "rejected", r.rejectStatus)
			return
		}
		io.WriteString(w, `{"jobId":"job-a","conversationId":"conv-a"}`)
	})
	mux.HandleFunc("GET /v1/job/{id}", func(w http.ResponseWriter, req *http.Request) {
		status := analysis.StatusInProgress
		if r.polls.Add(1) > 1 {
			status = analysis.StatusCompleted
		}
		fmt.Fprintf(w, `{"id":%q,"status":%q}`, req.PathValue("id"), status)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := analysis.New(context.Background(), analysis.Config{
		BaseURL:   srv.URL,
		AppID:     "app",
		AppSecret: "secret",
		Breaker:   breaker,
		Retry:     resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("analysis.New: %v", err)
	}
	return c
}

func TestRejectedSubmitsDoNotAbortOtherJobs(t *testing.T) {
	remote := &remoteService{rejectStatus: http.StatusBadRequest}
	c := remote.start(t, resilience.Config{Threshold: 5, ResetTimeout: time.Hour, HalfOpenSuccesses: 1})
	p := New(c, Config{PollInterval: time.Millisecond, MaxPolls: 10})
	ctx := context.Background()

	jobA, err := p.Submit(ctx, testSegment())
	if err != nil {
		t.Fatalf("Submit A: %v", err)
	}
	for i := 0; i < 5; i++ {
		job, err := p.Submit(ctx, testSegment())
		if !apperrors.IsCode(err, apperrors.RemoteService) || job.State != Failed {
			t.Fatalf("submit %d: state=%v err=%v", i, job.State, err)
		}
	}
	if c.Breaker().State() != resilience.Closed {
		t.Fatalf("breaker = %v after 4xx rejections, want closed", c.Breaker().State())
	}

	if err := p.AwaitCompletion(ctx, jobA); err != nil {
		t.Fatalf("AwaitCompletion A: %v", err)
	}
	if jobA.State != Completed || remote.polls.Load() != 2 {
		t.Errorf("job A state=%v server polls=%d, want completed after 2", jobA.State, remote.polls.Load())
	}
}

func TestOpenCircuitDelaysPollInsteadOfFailing(t *testing.T) {
	remote := &remoteService{rejectStatus: http.StatusServiceUnavailable}
	c := remote.start(t, resilience.Config{Threshold: 5, ResetTimeout: 30 * time.Millisecond, HalfOpenSuccesses: 1})
	p := New(c, Config{PollInterval: 100 * time.Millisecond, MaxPolls: 10})
	ctx := context.Background()

	jobA, err := p.Submit(ctx, testSegment())
	if err != nil {
		t.Fatalf("Submit A: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := p.Submit(ctx, testSegment()); err == nil {
			t.Fatalf("submit %d succeeded", i)
		}
	}
	if c.Breaker().State() != resilience.Open {
		t.Fatalf("breaker = %v after 5xx responses, want open", c.Breaker().State())
	}

	if err := p.AwaitCompletion(ctx, jobA); err != nil {
		t.Fatalf("AwaitCompletion A: %v", err)
	}
	// First poll refused locally, then two reach the server once the breaker half-opens.
	if jobA.State != Completed || jobA.Polls != 3 || remote.polls.Load() != 2 {
		t.Errorf("job A state=%v polls=%d server polls=%d", jobA.State, jobA.Polls, remote.polls.Load())
	}
}

func TestOpenCircuitStillBoundedByMaxPolls(t *testing.T) {
	svc := &mockService{pollErr: apperrors.Wrap(resilience.ErrOpen, apperrors.RemoteService, "analysis service circuit open")}
	sl := &recordingSleeper{}
	p := New(svc, Config{PollInterval: time.Second, MaxPolls: 3, Sleep: sl.sleep})

	job := &Job{ID: "job-1", State: Polling}
	err := p.AwaitCompletion(context.Background(), job)
	if !apperrors.IsCode(err, apperrors.PollTimeout) {
		t.Fatalf("err = %v, want POLL_TIMEOUT", err)
	}
	if job.Polls != 3 || len(sl.waits) != 2 {
		t.Errorf("polls=%d waits=%d, want 3 and 2", job.Polls, len(sl.waits))
	}
}
