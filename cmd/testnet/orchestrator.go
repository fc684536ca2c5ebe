package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// TestConfig configures a testnet run.
type TestConfig struct {
	Nodes          int
	PayloadSize    int
	OverallTimeout time.Duration
	StepTimeout    time.Duration
	RPCTimeout     time.Duration
	Verbose        bool
}

// DefaultTestConfig returns the settings used when no flags are given.
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		Nodes:          5,
		PayloadSize:    64 * 1024,
		OverallTimeout: 2 * time.Minute,
		StepTimeout:    20 * time.Second,
		RPCTimeout:     300 * time.Millisecond,
		Verbose:        true,
	}
}

// Validate checks the configuration.
func (c *TestConfig) Validate() error {
	switch {
	case c.Nodes < 2:
		return fmt.Errorf("at least 2 nodes are required, got %d", c.Nodes)
	case c.PayloadSize < 1:
		return fmt.Errorf("payload size must be positive")
	case c.OverallTimeout <= 0 || c.StepTimeout <= 0 || c.RPCTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// TestStatus is the state of a run or a step.
type TestStatus int

const (
	TestStatusPending TestStatus = iota
	TestStatusRunning
	TestStatusPassed
	TestStatusFailed
)

func (ts TestStatus) String() string {
	switch ts {
	case TestStatusPending:
		return "PENDING"
	case TestStatusRunning:
		return "RUNNING"
	case TestStatusPassed:
		return "PASSED"
	case TestStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// TestStepResult is the outcome of one step.
type TestStepResult struct {
	StepName      string
	Status        TestStatus
	ExecutionTime time.Duration
	ErrorMessage  string
}

// TestResults collects the outcome of a run.
type TestResults struct {
	TotalSteps    int
	PassedSteps   int
	FailedSteps   int
	ExecutionTime time.Duration
	Steps         []TestStepResult
	FinalStatus   TestStatus
}

// TestOrchestrator runs the publish, discover and fetch scenario.
type TestOrchestrator struct {
	config  *TestConfig
	out     io.Writer
	results *TestResults
}

// NewTestOrchestrator returns an orchestrator writing progress to out.
func NewTestOrchestrator(config *TestConfig, out io.Writer) (*TestOrchestrator, error) {
	if config == nil {
		config = DefaultTestConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TestOrchestrator{
		config:  config,
		out:     out,
		results: &TestResults{FinalStatus: TestStatusPending},
	}, nil
}

// RunTests executes every step in order, stopping at the first failure.
func (to *TestOrchestrator) RunTests(ctx context.Context) (*TestResults, error) {
	start := time.Now()
	to.results.FinalStatus = TestStatusRunning

	to.printf("PermaStore testnet: %d nodes, %d byte payload\n", to.config.Nodes, to.config.PayloadSize)

	ctx, cancel := context.WithTimeout(ctx, to.config.OverallTimeout)
	defer cancel()

	net := newTestNetwork(to.config)
	defer func() {
		if err := net.Close(); err != nil {
			to.printf("cleanup warning: %v\n", err)
		}
	}()

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"Start nodes", net.Start},
		{"Bootstrap through node 0", net.WaitBootstrapped},
		{"Upload on first node", net.Upload},
		{"Announce provider record", net.WaitAnnounced},
		{"Download on last node", net.DownloadRemote},
		{"Download again from local replica", net.DownloadReplica},
		{"Missing content reports CONTENT_NOT_FOUND", net.DownloadMissing},
	}

	var err error
	for _, step := range steps {
		if err = to.executeStep(ctx, step.name, step.run); err != nil {
			break
		}
	}

	to.results.ExecutionTime = time.Since(start)
	if err != nil {
		to.results.FinalStatus = TestStatusFailed
	} else {
		to.results.FinalStatus = TestStatusPassed
	}
	to.report()
	return to.results, err
}

func (to *TestOrchestrator) executeStep(ctx context.Context, name string, op func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, to.config.StepTimeout)
	defer cancel()

	start := time.Now()
	err := op(stepCtx)

	result := TestStepResult{StepName: name, ExecutionTime: time.Since(start)}
	to.results.TotalSteps++
	if err != nil {
		result.Status = TestStatusFailed
		result.ErrorMessage = err.Error()
		to.results.FailedSteps++
		to.printf("FAIL %-45s %v\n", name, err)
	} else {
		result.Status = TestStatusPassed
		to.results.PassedSteps++
		if to.config.Verbose {
			to.printf("ok   %-45s %v\n", name, result.ExecutionTime.Round(time.Millisecond))
		}
	}
	to.results.Steps = append(to.results.Steps, result)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (to *TestOrchestrator) report() {
	to.printf("%s\n", strings.Repeat("=", 60))
	to.printf("Result: %s (%d/%d steps passed in %v)\n",
		to.results.FinalStatus, to.results.PassedSteps, to.results.TotalSteps,
		to.results.ExecutionTime.Round(time.Millisecond))
}

func (to *TestOrchestrator) printf(format string, args ...interface{}) {
	fmt.Fprintf(to.out, format, args...)
}
