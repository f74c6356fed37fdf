package relay

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/icerelay/pkg/shoutcast"
	"github.com/zachfi/icerelay/pkg/transcode"
)

const (
	defaultConnectTimeout     = 5 * time.Second
	defaultHandshakeTimeout   = 5 * time.Second
	defaultWriteTimeout       = 10 * time.Second
	defaultFlushTimeout       = 2 * time.Second
	defaultMaxAttempts        = 3
	defaultReconnectInitial   = 2 * time.Second
	defaultReconnectMax       = 30 * time.Second
	defaultMountInUseDelay    = 2 * time.Second
	defaultPreBufferBytes     = 64 * 1024
	defaultSendQueueFrames    = 256
	defaultMaxMessageBytes    = 1024 * 1024
	defaultUpstreamPort       = 8000
	defaultUpstreamUser       = "source"
	defaultSourceName         = "Ether"
	defaultSourceDescription  = "sounds from the universe"
	defaultMountpoint         = "/ether"
	defaultInboundContentType = "audio/webm;codecs=opus"
)

type Config struct {
	Path      string           `yaml:"path,omitempty"`
	Upstream  UpstreamConfig   `yaml:"upstream,omitempty"`
	Stream    StreamDefaults   `yaml:"stream,omitempty"`
	Transcode transcode.Config `yaml:"transcode,omitempty"`

	ConnectTimeout   time.Duration `yaml:"connect-timeout,omitempty"`
	HandshakeTimeout time.Duration `yaml:"handshake-timeout,omitempty"`
	WriteTimeout     time.Duration `yaml:"write-timeout,omitempty"`
	FlushTimeout     time.Duration `yaml:"flush-timeout,omitempty"` // how long closing waits for the encoder and send queue to drain

	MaxAttempts         int           `yaml:"max-attempts,omitempty"`
	ReconnectBackoff    time.Duration `yaml:"reconnect-backoff,omitempty"`     // initial delay before retrying the upstream
	ReconnectBackoffMax time.Duration `yaml:"reconnect-backoff-max,omitempty"` // cap on retry delay (exponential backoff)
	MountInUseDelay     time.Duration `yaml:"mount-in-use-delay,omitempty"`
	ReconnectOnDrop     bool          `yaml:"reconnect-on-drop,omitempty"`

	PreBufferBytes  int    `yaml:"prebuffer-bytes,omitempty"`
	SendQueueFrames int    `yaml:"send-queue-frames,omitempty"`
	Overflow        string `yaml:"overflow,omitempty"`
	MaxMessageBytes int    `yaml:"max-message-bytes,omitempty"`
}

// UpstreamConfig addresses the media server. The env tags are the variables
// the relay has always been deployed with.
type UpstreamConfig struct {
	Host     string `yaml:"host,omitempty" env:"ICECAST_HOST"`
	Port     int    `yaml:"port,omitempty" env:"ICECAST_PORT"`
	User     string `yaml:"user,omitempty" env:"ICECAST_USER"`
	Password string `yaml:"password,omitempty" env:"ICECAST_PASSWORD"`
}

func (u UpstreamConfig) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// StreamDefaults fill in whatever a client's config message leaves out.
type StreamDefaults struct {
	SourceName  string `yaml:"source-name,omitempty"`
	Description string `yaml:"description,omitempty"`
	Mountpoint  string `yaml:"mountpoint,omitempty"`
	ContentType string `yaml:"content-type,omitempty"`
	URLBase     string `yaml:"url-base,omitempty"`
	Public      bool   `yaml:"public,omitempty"`
	UserAgent   string `yaml:"user-agent,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, util.PrefixConfig(prefix, "path"), "/", "HTTP path of the websocket endpoint.")

	f.StringVar(&cfg.Upstream.Host, util.PrefixConfig(prefix, "upstream.host"), "localhost", "Media server host.")
	f.IntVar(&cfg.Upstream.Port, util.PrefixConfig(prefix, "upstream.port"), defaultUpstreamPort, "Media server port.")
	f.StringVar(&cfg.Upstream.User, util.PrefixConfig(prefix, "upstream.user"), defaultUpstreamUser, "Source user.")
	f.StringVar(&cfg.Upstream.Password, util.PrefixConfig(prefix, "upstream.password"), "", "Source password.")

	f.StringVar(&cfg.Stream.SourceName, util.PrefixConfig(prefix, "stream.source-name"), defaultSourceName, "Default Ice-Name.")
	f.StringVar(&cfg.Stream.Description, util.PrefixConfig(prefix, "stream.description"), defaultSourceDescription, "Default Ice-Description.")
	f.StringVar(&cfg.Stream.Mountpoint, util.PrefixConfig(prefix, "stream.mountpoint"), defaultMountpoint, "Default mountpoint.")
	f.StringVar(&cfg.Stream.ContentType, util.PrefixConfig(prefix, "stream.content-type"), defaultInboundContentType,
		"Content type assumed for inbound audio when the client does not say.")
	f.StringVar(&cfg.Stream.URLBase, util.PrefixConfig(prefix, "stream.url-base"), "",
		"Site URL; Ice-URL is this plus the mountpoint. Omitted when empty.")
	f.BoolVar(&cfg.Stream.Public, util.PrefixConfig(prefix, "stream.public"), true, "List streams in the server directory.")
	f.StringVar(&cfg.Stream.UserAgent, util.PrefixConfig(prefix, "stream.user-agent"), "", "User-Agent sent upstream (default icerelay/<version>).")

	f.DurationVar(&cfg.ConnectTimeout, util.PrefixConfig(prefix, "connect-timeout"), defaultConnectTimeout, "Upstream TCP connect timeout.")
	f.DurationVar(&cfg.HandshakeTimeout, util.PrefixConfig(prefix, "handshake-timeout"), defaultHandshakeTimeout,
		"Time allowed for the media server to answer the SOURCE request.")
	f.DurationVar(&cfg.WriteTimeout, util.PrefixConfig(prefix, "write-timeout"), defaultWriteTimeout,
		"Upstream socket write deadline, and the longest a full send queue blocks with overflow=block.")
	f.DurationVar(&cfg.FlushTimeout, util.PrefixConfig(prefix, "flush-timeout"), defaultFlushTimeout,
		"Time a closing session waits for encoder output and queued audio to drain.")

	f.IntVar(&cfg.MaxAttempts, util.PrefixConfig(prefix, "max-attempts"), defaultMaxAttempts,
		"Upstream connection attempts per session before giving up.")
	f.DurationVar(&cfg.ReconnectBackoff, util.PrefixConfig(prefix, "reconnect-backoff"), defaultReconnectInitial,
		"Initial delay before retrying the upstream. Exponential backoff is used up to reconnect-backoff-max.")
	f.DurationVar(&cfg.ReconnectBackoffMax, util.PrefixConfig(prefix, "reconnect-backoff-max"), defaultReconnectMax,
		"Maximum delay between upstream attempts.")
	f.DurationVar(&cfg.MountInUseDelay, util.PrefixConfig(prefix, "mount-in-use-delay"), defaultMountInUseDelay,
		"Minimum delay before retrying when the mountpoint is in use.")
	f.BoolVar(&cfg.ReconnectOnDrop, util.PrefixConfig(prefix, "reconnect-on-drop"), false,
		"Reconnect when the upstream drops while streaming instead of ending the session.")

	f.IntVar(&cfg.PreBufferBytes, util.PrefixConfig(prefix, "prebuffer-bytes"), defaultPreBufferBytes,
		"Audio held while the upstream handshake is in progress. 0 drops it.")
	f.IntVar(&cfg.SendQueueFrames, util.PrefixConfig(prefix, "send-queue-frames"), defaultSendQueueFrames,
		"Frames queued for the upstream socket.")
	f.StringVar(&cfg.Overflow, util.PrefixConfig(prefix, "overflow"), "block",
		"What to do when the upstream send queue is full: block (up to write-timeout) or drop.")
	f.IntVar(&cfg.MaxMessageBytes, util.PrefixConfig(prefix, "max-message-bytes"), defaultMaxMessageBytes,
		"Largest websocket message accepted from a client.")

	cfg.Transcode.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "transcode"), f)
}

func (cfg *Config) Validate() error {
	if cfg.Upstream.Host == "" {
		return fmt.Errorf("upstream host is required")
	}
	if cfg.Upstream.Port <= 0 || cfg.Upstream.Port > 65535 {
		return fmt.Errorf("invalid upstream port %d", cfg.Upstream.Port)
	}
	if !strings.HasPrefix(cfg.Stream.Mountpoint, "/") {
		return fmt.Errorf("default mountpoint %q must start with /", cfg.Stream.Mountpoint)
	}
	if cfg.ConnectTimeout <= 0 || cfg.HandshakeTimeout <= 0 {
		return fmt.Errorf("connect and handshake timeouts must be positive")
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("max-attempts must be at least 1")
	}
	if _, err := shoutcast.ParseOverflowPolicy(cfg.Overflow); err != nil {
		return err
	}

	return cfg.Transcode.Validate()
}
