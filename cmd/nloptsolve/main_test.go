package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const (
	tutorialFile   = "../../internal/problem/testdata/tutorial.yaml"
	rosenbrockFile = "../../internal/problem/testdata/rosenbrock.json"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestSolveYAML(t *testing.T) {
	out, err := execute(t, "solve", "-f", tutorialFile)
	require.NoError(t, err, out)

	var res struct {
		Termination string             `yaml:"termination_status"`
		Objective   float64            `yaml:"objective_value"`
		Variables   map[string]float64 `yaml:"variables"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &res))
	assert.Equal(t, "LOCALLY_SOLVED", res.Termination)
	assert.InDelta(t, 0.5443310476200902, res.Objective, 1e-6)
	assert.InDelta(t, 1.0/3, res.Variables["a"], 1e-4)
}

func TestSolveJSONWithOverrides(t *testing.T) {
	out, err := execute(t, "solve", "-f", rosenbrockFile, "-o", "json", "--algorithm", "LN_NELDERMEAD", "--maxeval", "20")
	require.NoError(t, err, out)

	var res map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "LN_NELDERMEAD", res["algorithm"])
	assert.Equal(t, "ITERATION_LIMIT", res["termination_status"])
	assert.Equal(t, float64(20), res["evaluations"])
}

func TestSolveMultistartAll(t *testing.T) {
	out, err := execute(t, "solve", "-f", rosenbrockFile, "-o", "json", "--starts", "3", "--workers", "2", "--all")
	require.NoError(t, err, out)

	var all []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	require.Len(t, all, 3)
	for i, r := range all {
		assert.Equal(t, float64(i), r["start_index"])
	}
}

func TestSolveErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing file flag", []string{"solve"}, "required flag"},
		{"missing file", []string{"solve", "-f", "nope.yaml"}, "nope.yaml"},
		{"bad output", []string{"solve", "-f", tutorialFile, "-o", "xml"}, "unknown output format"},
		{"bad starts", []string{"solve", "-f", tutorialFile, "--starts", "0"}, "--starts"},
		{"bad algorithm", []string{"solve", "-f", tutorialFile, "--algorithm", "LD_NOPE"}, "LD_NOPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAlgorithmsCommand(t *testing.T) {
	out, err := execute(t, "algorithms", "--prefix", "ld")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Greater(t, len(lines), 1)
	assert.True(t, strings.HasPrefix(lines[0], "TAG"))
	for _, l := range lines[1:] {
		assert.True(t, strings.HasPrefix(l, "LD_"), l)
	}
	assert.Contains(t, out, "LD_MMA")
	assert.NotContains(t, out, "LN_COBYLA")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "nloptsolve version dev")
	assert.Contains(t, out, "NLopt ")
}
