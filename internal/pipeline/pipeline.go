// Package pipeline drives one segment through the remote analysis service:
// submit, poll until terminal, then fetch topics and messages. Runs are
// independent; the Pool bounds how many are in flight.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/calm-listener/platform/internal/analysis"
	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/resilience"
	"github.com/calm-listener/platform/internal/segment"
	"github.com/calm-listener/platform/internal/trace"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxPolls     = 120

	// statusRefused stands in for a poll the open circuit never sent.
	statusRefused = "refused"
)

// Service is the remote analysis capability.
type Service interface {
	Submit(ctx context.Context, audio []byte) (analysis.Submission, error)
	JobStatus(ctx context.Context, jobID string) (string, error)
	Topics(ctx context.Context, conversationID string) ([]analysis.Topic, error)
	Messages(ctx context.Context, conversationID string) ([]analysis.Message, error)
}

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Observer receives job lifecycle events; metrics implement it.
type Observer interface {
	JobFinished(ctx context.Context, job Job, dur time.Duration)
}

// Config for a Pipeline.
type Config struct {
	PollInterval time.Duration
	MaxPolls     int
	Sleep        Sleeper
	Observer     Observer
}

// Pipeline runs jobs against a Service. Stateless between runs.
type Pipeline struct {
	svc Service
	cfg Config
}

// New creates a Pipeline, filling defaults.
func New(svc Service, cfg Config) *Pipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = DefaultMaxPolls
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	return &Pipeline{svc: svc, cfg: cfg}
}

// Submit uploads the segment and returns a Job in the Polling state.
func (p *Pipeline) Submit(ctx context.Context, seg *segment.Segment) (*Job, error) {
	job := &Job{SegmentID: seg.ID, State: Submitted, SubmittedAt: time.Now()}
	sub, err := p.svc.Submit(ctx, seg.Audio)
	if err != nil {
		return job, p.fail(job, asRemote(err, "submit segment"))
	}
	job.ID = sub.JobID
	job.ConversationID = sub.ConversationID
	job.State = Polling
	return job, nil
}

// AwaitCompletion polls until the job is terminal. It returns after the
// poll that reports completion, having waited PollInterval between
// non-terminal answers, or fails after MaxPolls non-terminal answers.
// A poll refused by an open circuit counts as non-terminal: the job is
// still running remotely and other pipelines' failures must not end it.
func (p *Pipeline) AwaitCompletion(ctx context.Context, job *Job) error {
	log := trace.Logger(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return p.fail(job, apperrors.Wrap(err, apperrors.Cancelled, "await job"))
		}

		status, err := p.svc.JobStatus(ctx, job.ID)
		job.Polls++
		switch {
		case errors.Is(err, resilience.ErrOpen):
			status = statusRefused
		case err != nil:
			return p.fail(job, asRemote(err, "poll job"))
		}

		switch status {
		case analysis.StatusCompleted:
			job.State = Completed
			job.CompletedAt = time.Now()
			return nil
		case analysis.StatusFailed, analysis.StatusError:
			return p.fail(job, apperrors.Newf(apperrors.RemoteService, "job reported %s", status).
				WithMetadata("job_id", job.ID))
		}

		if job.Polls >= p.cfg.MaxPolls {
			return p.fail(job, apperrors.Newf(apperrors.PollTimeout,
				"job still %q after %d polls", status, job.Polls).WithMetadata("job_id", job.ID))
		}
		log.Debug("job pending", "job_id", job.ID, "status", status, "polls", job.Polls)

		if err := p.cfg.Sleep(ctx, p.cfg.PollInterval); err != nil {
			return p.fail(job, apperrors.Wrap(err, apperrors.Cancelled, "await job"))
		}
	}
}

// Run takes one segment all the way to a Result. A failed topics fetch
// fails the job; a failed messages fetch only loses the transcript. On
// failure the returned Result carries only the failed Job.
func (p *Pipeline) Run(ctx context.Context, seg *segment.Segment) (*Result, error) {
	ctx, span := trace.StartSpan(ctx, "job_pipeline")
	span.SetAttr("segment_id", seg.ID)
	log := trace.Logger(ctx)
	start := time.Now()

	job, err := p.Submit(ctx, seg)
	if err == nil {
		span.SetAttr("job_id", job.ID)
		log.Debug("segment submitted", "segment_id", seg.ID, "job_id", job.ID, "conversation_id", job.ConversationID)
		err = p.AwaitCompletion(ctx, job)
	}

	var res *Result
	if err == nil {
		res, err = p.fetch(ctx, job)
	}

	span.SetAttr("state", job.State.String())
	span.End()
	if p.cfg.Observer != nil {
		p.cfg.Observer.JobFinished(ctx, *job, time.Since(start))
	}
	if err != nil {
		log.Warn("job failed", "span", span, "error", err)
		return &Result{Job: *job}, err
	}
	log.Info("job completed", "span", span, "polls", job.Polls, "topics", len(res.Topics))
	return res, nil
}

func (p *Pipeline) fetch(ctx context.Context, job *Job) (*Result, error) {
	topics, err := p.svc.Topics(ctx, job.ConversationID)
	if err != nil {
		return nil, p.fail(job, asRemote(err, "fetch topics"))
	}
	res := &Result{Job: *job, Topics: topics}

	msgs, err := p.svc.Messages(ctx, job.ConversationID)
	if err != nil {
		trace.Logger(ctx).Warn("transcript unavailable", "job_id", job.ID, "error", err)
	} else {
		res.Messages = msgs
	}
	return res, nil
}

func (p *Pipeline) fail(job *Job, err error) error {
	job.State = Failed
	job.Err = err
	job.CompletedAt = time.Now()
	return err
}

// asRemote keeps classified errors and tags anything else as a remote
// service failure.
func asRemote(err error, op string) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.Wrap(err, apperrors.RemoteService, op)
}
