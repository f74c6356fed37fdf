package relay

import (
	"strings"
)

// Notification types sent to the client as JSON text frames.
const (
	TypeConnected    = "CONNECTED"
	TypeDisconnected = "DISCONNECTED"
	TypeError        = "ERROR"
	TypeConfigError  = "CONFIG_ERROR"
	TypeStats        = "STATS"
	TypePong         = "PONG"
	TypeAck          = "ACK"
)

// Control message types understood from the client. Matching ignores case.
const (
	requestConfig   = "config"
	requestGetStats = "get_stats"
	requestPing     = "ping"
)

// StreamConfig is the per-session stream description, resolved from the
// client's config message and the relay defaults.
type StreamConfig struct {
	SourceName  string   `json:"sourceName"`
	Description string   `json:"description"`
	Mountpoint  string   `json:"mountpoint"`
	Tags        []string `json:"tags"`
	ContentType string   `json:"contentType"`
}

// clientMessage is any text frame from the client. mountPoint and format are
// accepted as spellings of mountpoint and contentType.
type clientMessage struct {
	Type        string   `json:"type"`
	SourceName  *string  `json:"sourceName"`
	Description *string  `json:"description"`
	Mountpoint  *string  `json:"mountpoint"`
	MountPoint  *string  `json:"mountPoint"`
	Tags        []string `json:"tags"`
	ContentType *string  `json:"contentType"`
	Format      *string  `json:"format"`
}

type notification struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Request string `json:"request,omitempty"`
}

type Stats struct {
	State         string  `json:"state"`
	Mountpoint    string  `json:"mountpoint,omitempty"`
	BytesReceived int64   `json:"bytesReceived"`
	BytesSent     int64   `json:"bytesSent"`
	BytesDropped  int64   `json:"bytesDropped"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Transcoding   bool    `json:"transcoding"`
	Attempts      int     `json:"attempts"`
}

type statsNotification struct {
	Type string `json:"type"`
	Stats
}

func newStreamConfig(d StreamDefaults) StreamConfig {
	return StreamConfig{
		SourceName:  d.SourceName,
		Description: d.Description,
		Mountpoint:  d.Mountpoint,
		ContentType: d.ContentType,
	}
}

// resolveStreamConfig overlays the non-empty fields of msg on the defaults and
// validates the result. Values end up in the SOURCE request headers, so line
// breaks are refused.
func resolveStreamConfig(msg clientMessage, d StreamDefaults) (StreamConfig, error) {
	cfg := newStreamConfig(d)

	set := func(dst *string, v *string) {
		if v != nil && strings.TrimSpace(*v) != "" {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&cfg.SourceName, msg.SourceName)
	set(&cfg.Description, msg.Description)
	set(&cfg.Mountpoint, msg.MountPoint)
	set(&cfg.Mountpoint, msg.Mountpoint)
	set(&cfg.ContentType, msg.Format)
	set(&cfg.ContentType, msg.ContentType)

	for _, t := range msg.Tags {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Tags = append(cfg.Tags, t)
		}
	}

	if err := cfg.validate(); err != nil {
		return StreamConfig{}, err
	}
	return cfg, nil
}

func (c StreamConfig) validate() error {
	if !strings.HasPrefix(c.Mountpoint, "/") {
		return &ConfigError{Field: "mountpoint", Reason: "must start with /"}
	}
	if strings.ContainsAny(c.Mountpoint, " \t") {
		return &ConfigError{Field: "mountpoint", Reason: "must not contain whitespace"}
	}
	if c.ContentType == "" {
		return &ConfigError{Field: "contentType", Reason: "empty"}
	}

	fields := map[string]string{
		"sourceName":  c.SourceName,
		"description": c.Description,
		"mountpoint":  c.Mountpoint,
		"contentType": c.ContentType,
		"tags":        strings.Join(c.Tags, ","),
	}
	for name, v := range fields {
		if strings.ContainsAny(v, "\r\n") {
			return &ConfigError{Field: name, Reason: "must not contain line breaks"}
		}
	}
	return nil
}
