package main

import (
	"testing"

	"github.com/opd-ai/permastore/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCLIFlags(t *testing.T) {
	cli, err := parseCLIFlags([]string{"-api-port", "9001", "-bootstrap", "seed:33445", "-no-zkp"})
	require.NoError(t, err)
	assert.Equal(t, 9001, cli.apiPort)
	assert.Equal(t, "seed:33445", cli.bootstrap)
	assert.True(t, cli.noZKP)
	assert.Equal(t, ".env", cli.envFile)

	_, err = parseCLIFlags([]string{"-unknown"})
	assert.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name    string
		cli     CLIConfig
		check   func(*testing.T, *config.Config)
		wantErr bool
	}{
		{
			name: "no flags keeps loaded values",
			cli:  CLIConfig{},
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, 8000, c.APIPort)
				assert.True(t, c.ZKPEnabled)
			},
		},
		{
			name: "overrides",
			cli: CLIConfig{
				dataDir:       "/tmp/node",
				udpPort:       4000,
				advertiseHost: "node.example",
				bootstrap:     "a:1,b:2",
				noZKP:         true,
				logLevel:      "debug",
			},
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, "/tmp/node", c.DataDir)
				assert.Equal(t, 4000, c.UDPPort)
				assert.Len(t, c.BootstrapNodes, 2)
				assert.False(t, c.ZKPEnabled)
				assert.Equal(t, "http://node.example:8000", c.PublicURL())
			},
		},
		{name: "bad bootstrap", cli: CLIConfig{bootstrap: "nope"}, wantErr: true},
		{name: "bad port", cli: CLIConfig{apiPort: 99999}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			err := applyFlags(cfg, &tt.cli)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}
