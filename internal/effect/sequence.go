package effect

import (
	"bytes"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/calm-listener/platform/internal/errors"
)

// Named light effects.
const (
	StateAlert = "Romance"
	StateCalm  = "Cool white"
)

// DefaultHold is how long each step holds its state.
const DefaultHold = 500 * time.Millisecond

// Step sets the light to State, then holds it for Hold.
type Step struct {
	State string        `yaml:"state"`
	Hold  time.Duration `yaml:"hold"`
}

// DefaultSequence settles the light on calm, alternates alert and calm
// with a couple of doubled calm beats, and ends calm.
var DefaultSequence = append([]Step{{State: StateCalm}}, buildSequence(
	StateAlert, StateCalm, StateAlert, StateCalm, StateAlert, StateCalm,
	StateAlert, StateCalm, StateAlert, StateCalm, StateAlert, StateCalm,
	StateCalm, StateAlert, StateCalm, StateAlert, StateCalm, StateCalm,
	StateAlert, StateCalm,
)...)

func buildSequence(states ...string) []Step {
	steps := make([]Step, len(states))
	for i, s := range states {
		steps[i] = Step{State: s, Hold: DefaultHold}
	}
	steps[len(steps)-1].Hold = 0
	return steps
}

type sequenceFile struct {
	Steps []Step `yaml:"steps"`
}

// LoadSequence reads a step table from YAML:
//
//	steps:
//	  - state: Romance
//	    hold: 500ms
func LoadSequence(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ConfigInvalid, "read effect sequence %s", path)
	}
	return ParseSequence(data)
}

// ParseSequence decodes and validates a YAML step table. Unknown keys are
// rejected.
func ParseSequence(data []byte) ([]Step, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f sequenceFile
	if err := dec.Decode(&f); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ConfigInvalid, "decode effect sequence")
	}
	if err := Validate(f.Steps); err != nil {
		return nil, err
	}
	return f.Steps, nil
}

// Validate rejects empty tables, blank states and negative holds.
func Validate(steps []Step) error {
	if len(steps) == 0 {
		return apperrors.New(apperrors.ConfigInvalid, "effect sequence has no steps")
	}
	for i, s := range steps {
		if s.State == "" {
			return apperrors.Newf(apperrors.ConfigInvalid, "step %d has no state", i)
		}
		if s.Hold < 0 {
			return apperrors.Newf(apperrors.ConfigInvalid, "step %d has negative hold %s", i, s.Hold)
		}
	}
	return nil
}

// TotalDuration sums the holds.
func TotalDuration(steps []Step) time.Duration {
	var d time.Duration
	for _, s := range steps {
		d += s.Hold
	}
	return d
}
