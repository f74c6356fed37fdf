package relay

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("relay", flag.NewFlagSet("test", flag.PanicOnError))

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost:8000", cfg.Upstream.Address())
	assert.Equal(t, "/ether", cfg.Stream.Mountpoint)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 65536, cfg.PreBufferBytes)
	assert.Equal(t, "block", cfg.Overflow)
	assert.True(t, cfg.Stream.Public)
}

func TestConfigFlags(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlagsAndApplyDefaults("relay", fs)

	require.NoError(t, fs.Parse([]string{
		"-relay.upstream.host=icecast",
		"-relay.upstream.port=8100",
		"-relay.overflow=drop",
		"-relay.transcode.mode=never",
	}))

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "icecast:8100", cfg.Upstream.Address())
	assert.Equal(t, "drop", cfg.Overflow)
	assert.Equal(t, "never", cfg.Transcode.Mode)
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		var cfg Config
		cfg.RegisterFlagsAndApplyDefaults("relay", flag.NewFlagSet("test", flag.PanicOnError))
		return cfg
	}

	cases := map[string]func(*Config){
		"port":       func(c *Config) { c.Upstream.Port = 0 },
		"host":       func(c *Config) { c.Upstream.Host = "" },
		"mountpoint": func(c *Config) { c.Stream.Mountpoint = "ether" },
		"attempts":   func(c *Config) { c.MaxAttempts = 0 },
		"overflow":   func(c *Config) { c.Overflow = "spill" },
		"transcode":  func(c *Config) { c.Transcode.Mode = "maybe" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
