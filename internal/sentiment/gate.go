// Package sentiment decides whether a completed analysis is negative
// enough to start the calming light sequence.
package sentiment

import (
	"context"
	"math"

	"github.com/calm-listener/platform/internal/analysis"
	"github.com/calm-listener/platform/internal/trace"
)

// DefaultThreshold: a topic polarity at or below this is negative.
const DefaultThreshold = -0.5

// Verdict is the outcome of evaluating one result.
type Verdict struct {
	Negative bool
	// MinScore is the lowest topic polarity seen, NaN when there were no
	// topics.
	MinScore float64
	// Topic is the text of the lowest-scoring topic.
	Topic string
}

// Label is the verdict as logged and broadcast.
func (v Verdict) Label() string {
	if v.Negative {
		return "NEGATIVE"
	}
	return "POSITIVE"
}

// Trigger starts an effect run. It returns false when a run is already
// active (or cooling down) and the request was dropped.
type Trigger interface {
	Trigger(ctx context.Context) bool
}

// Observer records verdicts; metrics implement it.
type Observer interface {
	Verdict(ctx context.Context, v Verdict, started bool)
}

// Gate evaluates results against a threshold. Safe for concurrent use:
// it holds no mutable state, and exclusion lives in the Trigger.
type Gate struct {
	threshold float64
	trigger   Trigger
	observer  Observer
}

// NewGate creates a gate. observer may be nil.
func NewGate(threshold float64, trigger Trigger, observer Observer) *Gate {
	return &Gate{threshold: threshold, trigger: trigger, observer: observer}
}

// Threshold returns the configured threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// Evaluate reports whether any topic's polarity is at or below the
// threshold.
func (g *Gate) Evaluate(topics []analysis.Topic) Verdict {
	v := Verdict{MinScore: math.NaN()}
	for _, t := range topics {
		score := t.Sentiment.Polarity.Score
		if math.IsNaN(v.MinScore) || score < v.MinScore {
			v.MinScore = score
			v.Topic = t.Text
		}
		if score <= g.threshold {
			v.Negative = true
		}
	}
	return v
}

// Handle evaluates topics, logs the verdict and, when negative, asks the
// trigger for a run. Evaluation happens even while a run is active.
func (g *Gate) Handle(ctx context.Context, topics []analysis.Topic) (Verdict, bool) {
	v := g.Evaluate(topics)
	started := false
	if v.Negative && g.trigger != nil {
		started = g.trigger.Trigger(ctx)
	}

	log := trace.Logger(ctx)
	log.Info("sentiment", "verdict", v.Label(), "min_score", v.MinScore, "topic", v.Topic, "topics", len(topics))
	if v.Negative && !started {
		log.Info("effect already running, trigger dropped")
	}
	if g.observer != nil {
		g.observer.Verdict(ctx, v, started)
	}
	return v, started
}
