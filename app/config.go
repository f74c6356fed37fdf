package app

import (
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/joho/godotenv"
	pkgerrors "github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/zachfi/icerelay/modules/relay"
)

const defaultHTTPListenPort = 8081

type Config struct {
	Target   string         `yaml:"target"`
	LogLevel string         `yaml:"log_level,omitempty"`
	Tracing  tracing.Config `yaml:"tracing,omitempty"`
	Server   server.Config  `yaml:"server,omitempty"`
	Relay    relay.Config   `yaml:"relay,omitempty"`
}

// LoadFile overlays the YAML file on c. Unknown keys are an error.
func (c *Config) LoadFile(file string) error {
	filename, _ := filepath.Abs(file)

	buff, err := os.ReadFile(filename)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read config file")
	}

	if err := yaml.UnmarshalStrict(buff, c); err != nil {
		return pkgerrors.Wrap(err, "failed to parse config file")
	}

	return nil
}

// listenEnv carries the websocket port variable the relay has always been
// deployed with.
type listenEnv struct {
	Port int `env:"WS_PORT"`
}

// LoadEnv overlays the ICECAST_* and WS_PORT variables, reading a .env file
// from the working directory first when there is one.
func (c *Config) LoadEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return pkgerrors.Wrap(err, "failed to load .env")
	}

	if err := env.Parse(&c.Relay.Upstream); err != nil {
		return pkgerrors.Wrap(err, "failed to parse upstream environment")
	}

	listen := listenEnv{Port: c.Server.HTTPListenPort}
	if err := env.Parse(&listen); err != nil {
		return pkgerrors.Wrap(err, "failed to parse listen environment")
	}
	c.Server.HTTPListenPort = listen.Port

	return nil
}

func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	flagext.DefaultValues(&c.Server)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", defaultHTTPListenPort, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9090, "gRPC server listen port.")
	f.StringVar(&c.Target, "target", All, "Module to run.")
	f.StringVar(&c.LogLevel, "log.level", "info", "Log level: debug, info, warn or error.")

	c.Tracing.RegisterFlagsAndApplyDefaults("tracing", f)
	c.Relay.RegisterFlagsAndApplyDefaults("relay", f)
}
