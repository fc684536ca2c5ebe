package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TestConfig)
		wantErr bool
	}{
		{"defaults", func(*TestConfig) {}, false},
		{"one node", func(c *TestConfig) { c.Nodes = 1 }, true},
		{"empty payload", func(c *TestConfig) { c.PayloadSize = 0 }, true},
		{"zero timeout", func(c *TestConfig) { c.StepTimeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultTestConfig()
			tt.mutate(c)
			if tt.wantErr {
				assert.Error(t, c.Validate())
			} else {
				assert.NoError(t, c.Validate())
			}
		})
	}
}

func TestParseCLIFlags(t *testing.T) {
	cli, err := parseCLIFlags([]string{"-nodes", "3", "-payload-size", "10"})
	require.NoError(t, err)
	cfg := createTestConfig(cli)
	assert.Equal(t, 3, cfg.Nodes)
	assert.Equal(t, 10, cfg.PayloadSize)
	assert.NoError(t, cfg.Validate())
}

func TestTestStatusString(t *testing.T) {
	assert.Equal(t, "PASSED", TestStatusPassed.String())
	assert.Equal(t, "FAILED", TestStatusFailed.String())
	assert.Equal(t, "UNKNOWN", TestStatus(42).String())
}

func TestRunScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("starts several nodes")
	}

	cfg := DefaultTestConfig()
	cfg.Nodes = 3
	cfg.PayloadSize = 4096
	cfg.StepTimeout = 10 * time.Second

	var out bytes.Buffer
	orch, err := NewTestOrchestrator(cfg, &out)
	require.NoError(t, err)

	results, err := orch.RunTests(context.Background())
	require.NoError(t, err, out.String())
	assert.Equal(t, TestStatusPassed, results.FinalStatus)
	assert.Equal(t, 7, results.PassedSteps)
	assert.Contains(t, out.String(), "PASSED")
}
