package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{JSON: true, Verbosity: 1, Output: &buf})

	log.Info("Job started", "run_id", "exp_trial_0000")
	log.V(1).Info("debug line")
	log.V(2).Info("hidden")
	log.Error(errors.New("boom"), "Job failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "Job started", first["msg"])
	assert.Equal(t, "exp_trial_0000", first["run_id"])
	assert.Equal(t, "protein", first["logger"])

	assert.Contains(t, lines[2], "boom")
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Output: &buf})

	log.Info("Loop started", "experiment", "exp")
	log.V(1).Info("hidden")

	assert.Contains(t, buf.String(), `"msg"="Loop started"`)
	assert.Contains(t, buf.String(), `"experiment"="exp"`)
	assert.NotContains(t, buf.String(), "hidden")
}
