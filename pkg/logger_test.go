package pkg

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(t *testing.T) *Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  func(t *testing.T) *Config { return nil },
		},
		{
			name: "json to stderr",
			cfg: func(t *testing.T) *Config {
				c := DefaultConfig()
				c.Format = "json"
				c.Console.Output = "stderr"
				return c
			},
		},
		{
			name: "no output",
			cfg: func(t *testing.T) *Config {
				c := DefaultConfig()
				c.Console.Enable = false
				return c
			},
		},
		{
			name: "invalid level",
			cfg: func(t *testing.T) *Config {
				c := DefaultConfig()
				c.Level = "loud"
				return c
			},
			wantErr: true,
		},
		{
			name: "file output without path",
			cfg: func(t *testing.T) *Config {
				c := DefaultConfig()
				c.File.Enable = true
				c.File.Path = ""
				return c
			},
			wantErr: true,
		},
		{
			name: "async with sampling",
			cfg: func(t *testing.T) *Config {
				c := DefaultConfig()
				c.Console.Enable = false
				c.AsyncWrite = true
				c.BufferSize = 64
				c.Sampling.Enable = true
				return c
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg(t))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestLoggerWithFields(t *testing.T) {
	logger := Nop()

	child := logger.WithFields(Fields{"component": "store"})
	grandchild := child.WithFields(Fields{"key": "abcd"})

	assert.Equal(t, Fields{"component": "store"}, child.Fields())
	assert.Equal(t, Fields{"component": "store", "key": "abcd"}, grandchild.Fields())
	assert.Empty(t, logger.Fields())

	withErr := child.WithError(errors.New("boom"))
	assert.Equal(t, "boom", withErr.Fields()["error"])
	assert.Same(t, child, child.WithError(nil))
}

func TestLoggerUpdateLevel(t *testing.T) {
	logger := Nop()
	require.NoError(t, logger.UpdateLevel("debug"))
	assert.Error(t, logger.UpdateLevel("nope"))
}

func TestLoggerFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "node.log")

	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = logFile
	cfg.File.Compress = false

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info().Str("key", "value").Msg("written to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"key":"value"`)
}

func TestGlobalLogger(t *testing.T) {
	l := Nop()
	SetGlobal(l)
	assert.Same(t, l, Get())
}

func TestLoggerConcurrent(t *testing.T) {
	logger := Nop()

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			logger.WithFields(Fields{"goroutine": id}).Info().Msg("concurrent log")
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}
