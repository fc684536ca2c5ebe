// Package config loads node configuration from the environment, optionally
// overlaid with a .env file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opd-ai/permastore/dht"
	"github.com/opd-ai/permastore/limits"
	"github.com/sirupsen/logrus"
)

// Prefix is prepended to every environment variable name.
const Prefix = "PERMASTORE_"

// BootstrapNode is a seed address.
type BootstrapNode struct {
	Host string
	Port int
}

func (b BootstrapNode) String() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Config is the full node configuration.
type Config struct {
	DataDir string

	UDPListenAddr string
	UDPPort       int
	// AdvertiseHost is the host put in our contact. Empty lets peers use
	// the datagram source address.
	AdvertiseHost string

	APIListenAddr string
	APIPort       int
	// PublicAPIURL is announced in provider records. Derived when empty.
	PublicAPIURL string

	BootstrapNodes []BootstrapNode

	// DatabaseURL selects PostgreSQL metadata; empty keeps metadata in memory.
	DatabaseURL string
	ZKPEnabled  bool

	LogLevel  string
	LogJSON   bool
	AccessLog bool

	K                 int
	Alpha             int
	MaxRounds         int
	RPCTimeout        time.Duration
	RPCRetries        int
	LookupTimeout     time.Duration
	RecordTTL         time.Duration
	RepublishInterval time.Duration
	RefreshInterval   time.Duration
	ExpireInterval    time.Duration
	FetchTimeout      time.Duration
	MaxUploadSize     int64
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	d := dht.DefaultConfig()
	return &Config{
		DataDir:           "./data",
		UDPListenAddr:     "0.0.0.0",
		UDPPort:           33445,
		APIListenAddr:     "0.0.0.0",
		APIPort:           8000,
		ZKPEnabled:        true,
		LogLevel:          "info",
		K:                 d.K,
		Alpha:             d.Alpha,
		MaxRounds:         d.MaxRounds,
		RPCTimeout:        d.RPCTimeout,
		RPCRetries:        d.RPCRetries,
		LookupTimeout:     d.LookupTimeout,
		RecordTTL:         d.RecordTTL,
		RepublishInterval: d.RepublishInterval,
		RefreshInterval:   d.RefreshInterval,
		ExpireInterval:    d.ExpireInterval,
		FetchTimeout:      time.Minute,
		MaxUploadSize:     limits.DefaultMaxUploadSize,
	}
}

// Load reads envFile (when it exists) and then PERMASTORE_* variables over
// the defaults. Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	c := Default()
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.DataDir = getEnvOrDefault("DATA_DIR", c.DataDir)
	c.UDPListenAddr = getEnvOrDefault("UDP_LISTEN_ADDR", c.UDPListenAddr)
	c.AdvertiseHost = getEnvOrDefault("ADVERTISE_HOST", c.AdvertiseHost)
	c.APIListenAddr = getEnvOrDefault("API_LISTEN_ADDR", c.APIListenAddr)
	c.PublicAPIURL = getEnvOrDefault("PUBLIC_API_URL", c.PublicAPIURL)
	c.DatabaseURL = getEnvOrDefault("DATABASE_URL", c.DatabaseURL)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)

	var err error
	c.UDPPort, err = getEnvInt("UDP_PORT", c.UDPPort)
	collect(err)
	c.APIPort, err = getEnvInt("API_PORT", c.APIPort)
	collect(err)
	c.ZKPEnabled, err = getEnvBool("ZKP_ENABLED", c.ZKPEnabled)
	collect(err)
	c.LogJSON, err = getEnvBool("LOG_JSON", c.LogJSON)
	collect(err)
	c.AccessLog, err = getEnvBool("ACCESS_LOG", c.AccessLog)
	collect(err)

	c.K, err = getEnvInt("K", c.K)
	collect(err)
	c.Alpha, err = getEnvInt("ALPHA", c.Alpha)
	collect(err)
	c.MaxRounds, err = getEnvInt("MAX_ROUNDS", c.MaxRounds)
	collect(err)
	c.RPCRetries, err = getEnvInt("RPC_RETRIES", c.RPCRetries)
	collect(err)
	c.RPCTimeout, err = getEnvDuration("RPC_TIMEOUT", c.RPCTimeout)
	collect(err)
	c.LookupTimeout, err = getEnvDuration("LOOKUP_TIMEOUT", c.LookupTimeout)
	collect(err)
	c.RecordTTL, err = getEnvDuration("RECORD_TTL", c.RecordTTL)
	collect(err)
	c.RepublishInterval, err = getEnvDuration("REPUBLISH_INTERVAL", c.RepublishInterval)
	collect(err)
	c.RefreshInterval, err = getEnvDuration("REFRESH_INTERVAL", c.RefreshInterval)
	collect(err)
	c.ExpireInterval, err = getEnvDuration("EXPIRE_INTERVAL", c.ExpireInterval)
	collect(err)
	c.FetchTimeout, err = getEnvDuration("FETCH_TIMEOUT", c.FetchTimeout)
	collect(err)
	c.MaxUploadSize, err = getEnvInt64("MAX_UPLOAD_SIZE", c.MaxUploadSize)
	collect(err)

	if raw := getEnvOrDefault("BOOTSTRAP_NODES", ""); raw != "" {
		c.BootstrapNodes, err = ParseBootstrapNodes(raw)
		collect(err)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("load config: %w", errors.Join(errs...))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func loadEnvFile(envFile string) error {
	if envFile == "" {
		envFile = ".env"
	}
	err := godotenv.Load(envFile)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", envFile, err)
}

// ParseBootstrapNodes parses a comma separated list of host:port pairs.
func ParseBootstrapNodes(raw string) ([]BootstrapNode, error) {
	var nodes []BootstrapNode
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			return nil, fmt.Errorf("bootstrap node %q: %w", entry, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("bootstrap node %q: invalid port", entry)
		}
		if host == "" {
			return nil, fmt.Errorf("bootstrap node %q: empty host", entry)
		}
		nodes = append(nodes, BootstrapNode{Host: host, Port: port})
	}
	return nodes, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("config: data dir must be set")
	case c.UDPPort < 0 || c.UDPPort > 65535:
		return fmt.Errorf("config: udp port %d out of range", c.UDPPort)
	case c.APIPort < 1 || c.APIPort > 65535:
		return fmt.Errorf("config: api port %d out of range", c.APIPort)
	case c.K < 1 || c.Alpha < 1 || c.MaxRounds < 1:
		return errors.New("config: k, alpha and max rounds must be positive")
	case c.RPCRetries < 0:
		return errors.New("config: rpc retries must not be negative")
	case c.RPCTimeout <= 0 || c.LookupTimeout <= 0 || c.FetchTimeout <= 0:
		return errors.New("config: timeouts must be positive")
	case c.RecordTTL <= 0 || c.RefreshInterval <= 0 || c.ExpireInterval <= 0:
		return errors.New("config: record ttl and maintenance intervals must be positive")
	case c.RepublishInterval <= 0 || c.RepublishInterval >= c.RecordTTL:
		return fmt.Errorf("config: republish interval %v must be positive and below record ttl %v",
			c.RepublishInterval, c.RecordTTL)
	case c.MaxUploadSize <= 0:
		return errors.New("config: max upload size must be positive")
	}

	for _, b := range c.BootstrapNodes {
		if b.Host == "" || b.Port < 1 || b.Port > 65535 {
			return fmt.Errorf("config: invalid bootstrap node %q", b.String())
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// UDPAddr is the DHT listen address.
func (c *Config) UDPAddr() string {
	return net.JoinHostPort(c.UDPListenAddr, strconv.Itoa(c.UDPPort))
}

// APIAddr is the HTTP listen address.
func (c *Config) APIAddr() string {
	return net.JoinHostPort(c.APIListenAddr, strconv.Itoa(c.APIPort))
}

// PublicURL returns PublicAPIURL, or one derived from the advertised host
// and API port.
func (c *Config) PublicURL() string {
	if c.PublicAPIURL != "" {
		return strings.TrimRight(c.PublicAPIURL, "/")
	}
	host := c.AdvertiseHost
	if host == "" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.APIPort))
}

// KeyFile is where the node key pair is persisted.
func (c *Config) KeyFile() string {
	return filepath.Join(c.DataDir, "node.key")
}

// BlobDir is the root of the content store.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// DHTConfig converts the protocol settings.
func (c *Config) DHTConfig() *dht.Config {
	d := dht.DefaultConfig()
	d.K = c.K
	d.Alpha = c.Alpha
	d.MaxRounds = c.MaxRounds
	d.RPCTimeout = c.RPCTimeout
	d.RPCRetries = c.RPCRetries
	d.LookupTimeout = c.LookupTimeout
	d.RecordTTL = c.RecordTTL
	d.RepublishInterval = c.RepublishInterval
	d.RefreshInterval = c.RefreshInterval
	d.ExpireInterval = c.ExpireInterval
	return d
}

// ConfigureLogging applies LogLevel and LogJSON to the standard logrus logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(Prefix + key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", Prefix, key, err)
	}
	return n, nil
}

func getEnvInt64(key string, def int64) (int64, error) {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", Prefix, key, err)
	}
	return n, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", Prefix, key, err)
	}
	return b, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", Prefix, key, err)
	}
	return d, nil
}
