package pipeline

import (
	"time"

	"github.com/calm-listener/platform/internal/analysis"
)

// State is a Job's position in submitted → polling → completed|failed.
type State int

const (
	Submitted State = iota
	Polling
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Polling:
		return "polling"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is one remote analysis request. Owned by a single pipeline run.
type Job struct {
	ID             string
	ConversationID string
	SegmentID      string
	State          State
	Polls          int
	SubmittedAt    time.Time
	CompletedAt    time.Time
	Err            error
}

// Result is what a completed job hands to the sentiment gate and the
// transcript fan-out.
type Result struct {
	Job      Job
	Topics   []analysis.Topic
	Messages []analysis.Message
}

// Transcript joins the message texts in order.
func (r Result) Transcript() string {
	var n int
	for _, m := range r.Messages {
		n += len(m.Text) + 1
	}
	buf := make([]byte, 0, n)
	for i, m := range r.Messages {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, m.Text...)
	}
	return string(buf)
}
