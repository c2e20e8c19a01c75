package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zde37/kadvault/internal/pricing"
	"github.com/zde37/kadvault/internal/quorum"
	"github.com/zde37/kadvault/pkg"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KADVAULT_"

// Config holds all configuration for a storage node
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Storage     StorageConfig     `yaml:"storage"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Quorum      QuorumConfig      `yaml:"quorum"`
	Replication ReplicationConfig `yaml:"replication"`
	BadPeers    BadPeersConfig    `yaml:"bad_peers"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Log         *pkg.Config       `yaml:"log"`
}

// NodeConfig identifies the node and its listeners.
type NodeConfig struct {
	// Name seeds the node ID. Empty means use the persisted identity.
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	// Port serves the node-to-node gRPC service
	Port     int `yaml:"port"`
	HTTPPort int `yaml:"http_port"`
	// AdvertiseAddr is the gRPC address peers dial, when it differs from host:port
	AdvertiseAddr string        `yaml:"advertise_addr"`
	AuthToken     string        `yaml:"auth_token"` // Shared secret for node authentication
	RPCTimeout    time.Duration `yaml:"rpc_timeout"`
}

type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	MaxRecords   int    `yaml:"max_records"`
	MaxValueSize int    `yaml:"max_value_size"`
}

type PricingConfig struct {
	pricing.Curve `yaml:",inline"`
	QuoteTTL      time.Duration `yaml:"quote_ttl"`
}

type QuorumConfig struct {
	CloseGroup     int           `yaml:"close_group"`
	Read           quorum.Policy `yaml:"read"`
	Write          quorum.Policy `yaml:"write"`
	MaxRounds      int           `yaml:"max_rounds"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type ReplicationConfig struct {
	MaxParallel   int           `yaml:"max_parallel"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	HintRate      float64       `yaml:"hint_rate"`
	HintBurst     int           `yaml:"hint_burst"`
	MaxHintKeys   int           `yaml:"max_hint_keys"`
}

type BadPeersConfig struct {
	Threshold     int           `yaml:"threshold"`
	Cooldown      time.Duration `yaml:"cooldown"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type GossipConfig struct {
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	AdvertiseAddr  string        `yaml:"advertise_addr"`
	Seeds          []string      `yaml:"seeds"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Host:       "127.0.0.1",
			Port:       8440,
			HTTPPort:   8080,
			RPCTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:      "data",
			MaxRecords:   2048,
			MaxValueSize: 64 * 1024,
		},
		Pricing: PricingConfig{
			Curve:    pricing.DefaultCurve(),
			QuoteTTL: time.Hour,
		},
		Quorum: QuorumConfig{
			CloseGroup:     5,
			Read:           quorum.Majority,
			Write:          quorum.Majority,
			MaxRounds:      3,
			RequestTimeout: 5 * time.Second,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		Replication: ReplicationConfig{
			MaxParallel:   4,
			FetchTimeout:  10 * time.Second,
			SweepInterval: 2 * time.Minute,
			HintRate:      50,
			HintBurst:     100,
			MaxHintKeys:   512,
		},
		BadPeers: BadPeersConfig{
			Threshold:     3,
			Cooldown:      30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Gossip: GossipConfig{
			BindAddr:       "0.0.0.0",
			BindPort:       7946,
			GossipInterval: 200 * time.Millisecond,
			ProbeInterval:  time.Second,
			ProbeTimeout:   500 * time.Millisecond,
		},
		Log: pkg.DefaultConfig(),
	}
}

// Load reads path over the defaults, then applies KADVAULT_* environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("NAME", &c.Node.Name)
	str("HOST", &c.Node.Host)
	str("ADVERTISE_ADDR", &c.Node.AdvertiseAddr)
	str("AUTH_TOKEN", &c.Node.AuthToken)
	str("DATA_DIR", &c.Storage.DataDir)
	str("GOSSIP_ADVERTISE_ADDR", &c.Gossip.AdvertiseAddr)
	if c.Log != nil {
		str("LOG_LEVEL", &c.Log.Level)
		str("LOG_FORMAT", &c.Log.Format)
	}

	for name, dst := range map[string]*int{
		"PORT":        &c.Node.Port,
		"HTTP_PORT":   &c.Node.HTTPPort,
		"GOSSIP_PORT": &c.Gossip.BindPort,
		"MAX_RECORDS": &c.Storage.MaxRecords,
		"CLOSE_GROUP": &c.Quorum.CloseGroup,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(EnvPrefix + "SEEDS"); ok {
		c.Gossip.Seeds = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "READ_POLICY"); ok {
		if err := c.Quorum.Read.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sREAD_POLICY: %w", EnvPrefix, err)
		}
	}
	if v, ok := lookup(EnvPrefix + "WRITE_POLICY"); ok {
		if err := c.Quorum.Write.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sWRITE_POLICY: %w", EnvPrefix, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.Port < 0 || c.Node.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Node.Port)
	}
	if c.Node.HTTPPort <= 0 || c.Node.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Node.HTTPPort)
	}
	if c.Gossip.BindPort < 0 || c.Gossip.BindPort > 65535 {
		return fmt.Errorf("invalid gossip port: %d", c.Gossip.BindPort)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Storage.MaxRecords <= 0 {
		return fmt.Errorf("max_records must be positive, got %d", c.Storage.MaxRecords)
	}
	if c.Storage.MaxValueSize <= 0 {
		return fmt.Errorf("max_value_size must be positive, got %d", c.Storage.MaxValueSize)
	}
	if err := c.Pricing.Curve.Validate(); err != nil {
		return err
	}
	if c.Pricing.QuoteTTL <= 0 {
		return fmt.Errorf("quote_ttl must be positive")
	}
	if c.Quorum.CloseGroup <= 0 {
		return fmt.Errorf("close_group must be positive, got %d", c.Quorum.CloseGroup)
	}
	if c.Quorum.MaxRounds <= 0 {
		return fmt.Errorf("max_rounds must be positive, got %d", c.Quorum.MaxRounds)
	}
	if c.Replication.MaxParallel <= 0 {
		return fmt.Errorf("replication max_parallel must be positive, got %d", c.Replication.MaxParallel)
	}
	if c.BadPeers.Threshold <= 0 {
		return fmt.Errorf("bad_peers threshold must be positive, got %d", c.BadPeers.Threshold)
	}
	return nil
}

// GRPCAddr is the address the gRPC server listens on.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Node.Host, c.Node.Port)
}

// PeerAddr is the gRPC address other nodes dial.
func (c *Config) PeerAddr() string {
	if c.Node.AdvertiseAddr != "" {
		return c.Node.AdvertiseAddr
	}
	return c.GRPCAddr()
}

// HTTPAddr is the address of the HTTP API.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Node.Host, c.Node.HTTPPort)
}
