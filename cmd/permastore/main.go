// Command permastore runs a storage node: the DHT over UDP and the HTTP API.
//
// Configuration comes from PERMASTORE_* environment variables, optionally
// overlaid from a .env file; flags override both.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/permastore"
	"github.com/opd-ai/permastore/config"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

// CLIConfig holds flag values. Zero values leave the loaded configuration
// untouched.
type CLIConfig struct {
	envFile       string
	dataDir       string
	udpPort       int
	apiPort       int
	advertiseHost string
	publicURL     string
	bootstrap     string
	databaseURL   string
	logLevel      string
	noZKP         bool
	accessLog     bool
}

func parseCLIFlags(args []string) (*CLIConfig, error) {
	cli := &CLIConfig{}
	fs := flag.NewFlagSet("permastore", flag.ContinueOnError)

	fs.StringVar(&cli.envFile, "env", ".env", "Path to a .env file (missing file is ignored)")
	fs.StringVar(&cli.dataDir, "data-dir", "", "Directory for keys and blobs")
	fs.IntVar(&cli.udpPort, "udp-port", 0, "DHT UDP port")
	fs.IntVar(&cli.apiPort, "api-port", 0, "HTTP API port")
	fs.StringVar(&cli.advertiseHost, "advertise-host", "", "Host other nodes use to reach this one")
	fs.StringVar(&cli.publicURL, "public-url", "", "Peer API URL announced in provider records")
	fs.StringVar(&cli.bootstrap, "bootstrap", "", "Comma separated host:port seed nodes")
	fs.StringVar(&cli.databaseURL, "database-url", "", "PostgreSQL connection string for metadata")
	fs.StringVar(&cli.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&cli.noZKP, "no-zkp", false, "Disable possession proofs")
	fs.BoolVar(&cli.accessLog, "access-log", false, "Log every HTTP request")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cli, nil
}

// applyFlags overrides cfg with every flag that was set.
func applyFlags(cfg *config.Config, cli *CLIConfig) error {
	if cli.dataDir != "" {
		cfg.DataDir = cli.dataDir
	}
	if cli.udpPort != 0 {
		cfg.UDPPort = cli.udpPort
	}
	if cli.apiPort != 0 {
		cfg.APIPort = cli.apiPort
	}
	if cli.advertiseHost != "" {
		cfg.AdvertiseHost = cli.advertiseHost
	}
	if cli.publicURL != "" {
		cfg.PublicAPIURL = cli.publicURL
	}
	if cli.bootstrap != "" {
		nodes, err := config.ParseBootstrapNodes(cli.bootstrap)
		if err != nil {
			return err
		}
		cfg.BootstrapNodes = nodes
	}
	if cli.databaseURL != "" {
		cfg.DatabaseURL = cli.databaseURL
	}
	if cli.logLevel != "" {
		cfg.LogLevel = cli.logLevel
	}
	if cli.noZKP {
		cfg.ZKPEnabled = false
	}
	if cli.accessLog {
		cfg.AccessLog = true
	}
	return cfg.Validate()
}

func run(args []string) error {
	cli, err := parseCLIFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cli.envFile)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg, cli); err != nil {
		return err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return err
	}

	node, err := permastore.New(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		_ = node.Stop(context.Background())
		return fmt.Errorf("start node: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "run",
		"node_id":    node.ID().String(),
		"api":        cfg.APIAddr(),
		"dht":        cfg.UDPAddr(),
		"public_url": node.PublicURL(),
	}).Info("PermaStore node running")

	var serveErr error
	select {
	case <-ctx.Done():
		logrus.WithField("function", "run").Info("Shutdown signal received")
	case serveErr = <-node.Errors():
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    serveErr.Error(),
		}).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := node.Stop(shutdownCtx); err != nil {
		return err
	}
	return serveErr
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "permastore: %v\n", err)
		os.Exit(1)
	}
}
