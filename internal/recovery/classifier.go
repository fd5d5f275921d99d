// Package recovery turns dead letters into scored recovery candidates,
// gates them through tenant approval policy, and reinjects approved ones
// as parent-linked runs.
package recovery

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/aocs/core/internal/deadletter"
)

// Recovery actions.
const (
	ActionRetryAsIs      = "retry_as_is"
	ActionRetryTransform = "retry_with_transform"
	ActionRouteAltSkill  = "route_to_alt_skill"
	ActionAbort          = "abort"
)

// Actions lists every valid action.
var Actions = []string{ActionRetryAsIs, ActionRetryTransform, ActionRouteAltSkill, ActionAbort}

// Features is the fixed feature vector the learned model scores over.
// Keys are stable; weights are trained offline against the same names.
type Features map[string]float64

// Model is a per-action logistic classifier with offline-trained
// weights. A zero-value model scores nothing; the pipeline then relies
// on heuristics alone.
type Model struct {
	// Actions maps action name to its weight vector and bias.
	Actions map[string]ActionWeights `yaml:"actions"`
}

type ActionWeights struct {
	Bias    float64            `yaml:"bias"`
	Weights map[string]float64 `yaml:"weights"`
}

// LoadModel reads trained weights from YAML. A missing file yields a nil
// model, which disables the learned source.
func LoadModel(path string) (*Model, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recovery model %s: %w", path, err)
	}
	var m Model
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse recovery model %s: %w", path, err)
	}
	return &m, nil
}

// Extract builds the feature vector for a dead letter. historical maps
// action name to its observed success rate for this failure kind.
func Extract(dl *deadletter.DeadLetter, historical map[string]float64) Features {
	f := Features{
		"attempts":   float64(dl.Attempts),
		"replayable": boolFeature(dl.Replayable),
		"matched":    boolFeature(dl.CatalogMatch.Valid),
	}
	f["kind:"+dl.FailureKind] = 1
	f["skill:"+dl.Skill] = 1
	for action, rate := range historical {
		f["hist:"+action] = rate
	}
	return f
}

// Score returns the confidence for one action, in [0,1].
func (m *Model) Score(action string, f Features) (float64, bool) {
	if m == nil {
		return 0, false
	}
	aw, ok := m.Actions[action]
	if !ok {
		return 0, false
	}
	z := aw.Bias
	for name, v := range f {
		z += aw.Weights[name] * v
	}
	return sigmoid(z), true
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
