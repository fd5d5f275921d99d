package recovery

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aocs/core/internal/deadletter"
)

func TestExtractFeatures(t *testing.T) {
	dl := &deadletter.DeadLetter{
		Skill:        "email.send",
		FailureKind:  "RateLimited",
		Attempts:     4,
		Replayable:   true,
		CatalogMatch: sql.NullString{String: "sendgrid-429", Valid: true},
	}
	f := Extract(dl, map[string]float64{"retry_as_is": 0.8})

	assert.Equal(t, 4.0, f["attempts"])
	assert.Equal(t, 1.0, f["replayable"])
	assert.Equal(t, 1.0, f["matched"])
	assert.Equal(t, 1.0, f["kind:RateLimited"])
	assert.Equal(t, 1.0, f["skill:email.send"])
	assert.Equal(t, 0.8, f["hist:retry_as_is"])
}

func TestExtractUnmatchedNotReplayable(t *testing.T) {
	f := Extract(&deadletter.DeadLetter{Skill: "x", FailureKind: "Transient"}, nil)
	assert.Equal(t, 0.0, f["replayable"])
	assert.Equal(t, 0.0, f["matched"])
	assert.NotContains(t, f, "hist:retry_as_is")
}

func TestModelScore(t *testing.T) {
	m := &Model{Actions: map[string]ActionWeights{
		ActionRetryAsIs: {
			Bias:    -1,
			Weights: map[string]float64{"kind:RateLimited": 3, "attempts": -0.5},
		},
	}}
	f := Features{"kind:RateLimited": 1, "attempts": 2}

	score, ok := m.Score(ActionRetryAsIs, f)
	require.True(t, ok)
	// z = -1 + 3 - 1 = 1, sigmoid(1) ~ 0.731
	assert.InDelta(t, 0.731, score, 0.001)

	_, ok = m.Score(ActionAbort, f)
	assert.False(t, ok, "unweighted action must not score")
}

func TestNilModelScoresNothing(t *testing.T) {
	var m *Model
	_, ok := m.Score(ActionRetryAsIs, Features{})
	assert.False(t, ok)
}

func TestLoadModelYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	doc := `actions:
  retry_as_is:
    bias: 0.5
    weights:
      kind:Transient: 1.2
      attempts: -0.1
  abort:
    bias: -2.0
    weights:
      kind:Forbidden: 4.0
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	m, err := LoadModel(path)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Len(t, m.Actions, 2)
	assert.Equal(t, 1.2, m.Actions[ActionRetryAsIs].Weights["kind:Transient"])

	score, ok := m.Score(ActionAbort, Features{"kind:Forbidden": 1})
	require.True(t, ok)
	assert.Greater(t, score, 0.85)
}

func TestLoadModelMissingFileDisablesLearnedSource(t *testing.T) {
	m, err := LoadModel(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Nil(t, m)

	m2, err := LoadModel("")
	require.NoError(t, err)
	assert.Nil(t, m2)
}
