// Command testnet runs several PermaStore nodes in one process over an
// in-memory datagram network and checks that content uploaded on the first
// node can be discovered and fetched from the last.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
)

// CLIConfig holds the parsed flags.
type CLIConfig struct {
	nodes          int
	payloadSize    int
	overallTimeout time.Duration
	stepTimeout    time.Duration
	rpcTimeout     time.Duration
	logLevel       string
	verbose        bool
}

func parseCLIFlags(args []string) (*CLIConfig, error) {
	def := DefaultTestConfig()
	cli := &CLIConfig{}
	fs := flag.NewFlagSet("testnet", flag.ContinueOnError)

	fs.IntVar(&cli.nodes, "nodes", def.Nodes, "Number of nodes")
	fs.IntVar(&cli.payloadSize, "payload-size", def.PayloadSize, "Size of the uploaded payload in bytes")
	fs.DurationVar(&cli.overallTimeout, "overall-timeout", def.OverallTimeout, "Overall run timeout")
	fs.DurationVar(&cli.stepTimeout, "step-timeout", def.StepTimeout, "Timeout for each step")
	fs.DurationVar(&cli.rpcTimeout, "rpc-timeout", def.RPCTimeout, "DHT RPC timeout")
	fs.StringVar(&cli.logLevel, "log-level", "warn", "Node log level")
	fs.BoolVar(&cli.verbose, "verbose", def.Verbose, "Print every passing step")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cli, nil
}

func createTestConfig(cli *CLIConfig) *TestConfig {
	return &TestConfig{
		Nodes:          cli.nodes,
		PayloadSize:    cli.payloadSize,
		OverallTimeout: cli.overallTimeout,
		StepTimeout:    cli.stepTimeout,
		RPCTimeout:     cli.rpcTimeout,
		Verbose:        cli.verbose,
	}
}

func main() {
	cli, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	level, err := logrus.ParseLevel(cli.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testnet: %v\n", err)
		os.Exit(2)
	}
	logrus.SetLevel(level)

	orchestrator, err := NewTestOrchestrator(createTestConfig(cli), os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testnet: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	results, err := orchestrator.RunTests(ctx)
	if err != nil || results.FinalStatus != TestStatusPassed {
		os.Exit(1)
	}
}
