package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kadvault/internal/quorum"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.Equal(t, 5, cfg.Quorum.CloseGroup)
	assert.Equal(t, 2048, cfg.Storage.MaxRecords)
	assert.Equal(t, 4, cfg.Replication.MaxParallel)
	assert.Equal(t, time.Hour, cfg.Pricing.QuoteTTL)
	assert.Equal(t, quorum.Majority, cfg.Quorum.Read)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "invalid port (negative)", mutate: func(c *Config) { c.Node.Port = -1 }, wantErr: true},
		{name: "invalid port (too large)", mutate: func(c *Config) { c.Node.Port = 70000 }, wantErr: true},
		{name: "invalid HTTP port", mutate: func(c *Config) { c.Node.HTTPPort = 0 }, wantErr: true},
		{name: "gossip port zero picks a free port", mutate: func(c *Config) { c.Gossip.BindPort = 0 }},
		{name: "missing data dir", mutate: func(c *Config) { c.Storage.DataDir = "" }, wantErr: true},
		{name: "zero max records", mutate: func(c *Config) { c.Storage.MaxRecords = 0 }, wantErr: true},
		{name: "bad curve", mutate: func(c *Config) { c.Pricing.Ceiling = 1 }, wantErr: true},
		{name: "zero quote ttl", mutate: func(c *Config) { c.Pricing.QuoteTTL = 0 }, wantErr: true},
		{name: "zero close group", mutate: func(c *Config) { c.Quorum.CloseGroup = 0 }, wantErr: true},
		{name: "zero parallel fetches", mutate: func(c *Config) { c.Replication.MaxParallel = 0 }, wantErr: true},
		{name: "zero shun threshold", mutate: func(c *Config) { c.BadPeers.Threshold = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	content := `
node:
  name: vault-1
  port: 9440
  auth_token: secret
storage:
  data_dir: /tmp/vault-1
  max_records: 100
pricing:
  floor: 5
  ceiling: 5000
quorum:
  read: all
  write: "3"
  request_timeout: 2s
replication:
  fetch_timeout: 3s
gossip:
  seeds: ["10.0.0.1:7946", "10.0.0.2:7946"]
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "vault-1", cfg.Node.Name)
	assert.Equal(t, 9440, cfg.Node.Port)
	assert.Equal(t, "secret", cfg.Node.AuthToken)
	assert.Equal(t, 8080, cfg.Node.HTTPPort, "unset fields keep defaults")
	assert.Equal(t, "/tmp/vault-1", cfg.Storage.DataDir)
	assert.Equal(t, 100, cfg.Storage.MaxRecords)
	assert.Equal(t, uint64(5), cfg.Pricing.Floor)
	assert.Equal(t, uint64(5000), cfg.Pricing.Ceiling)
	assert.Equal(t, 3.0, cfg.Pricing.Exponent)
	assert.Equal(t, quorum.All, cfg.Quorum.Read)
	assert.Equal(t, quorum.N(3), cfg.Quorum.Write)
	assert.Equal(t, 2*time.Second, cfg.Quorum.RequestTimeout)
	assert.Equal(t, 3*time.Second, cfg.Replication.FetchTimeout)
	assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Gossip.Seeds)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("node: [unclosed"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("bad policy", func(t *testing.T) {
		path := filepath.Join(dir, "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("quorum:\n  read: most\n"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("fails validation", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage:\n  max_records: -1\n"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"KADVAULT_NAME":         "env-node",
		"KADVAULT_PORT":         "9000",
		"KADVAULT_DATA_DIR":     "/var/lib/kadvault",
		"KADVAULT_SEEDS":        " a:1, b:2 ,,",
		"KADVAULT_READ_POLICY":  "one",
		"KADVAULT_WRITE_POLICY": "all",
		"KADVAULT_LOG_LEVEL":    "warn",
		"KADVAULT_AUTH_TOKEN":   "tok",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, "env-node", cfg.Node.Name)
	assert.Equal(t, 9000, cfg.Node.Port)
	assert.Equal(t, "/var/lib/kadvault", cfg.Storage.DataDir)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Gossip.Seeds)
	assert.Equal(t, quorum.One, cfg.Quorum.Read)
	assert.Equal(t, quorum.All, cfg.Quorum.Write)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "tok", cfg.Node.AuthToken)

	t.Run("bad number", func(t *testing.T) {
		env := map[string]string{"KADVAULT_HTTP_PORT": "eighty"}
		err := DefaultConfig().ApplyEnv(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		})
		assert.Error(t, err)
	})
}

func TestAddresses(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:8440", cfg.GRPCAddr())
	assert.Equal(t, "127.0.0.1:8440", cfg.PeerAddr())
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTPAddr())

	cfg.Node.AdvertiseAddr = "vault.example.com:8440"
	assert.Equal(t, "vault.example.com:8440", cfg.PeerAddr())
}
