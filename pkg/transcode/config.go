package transcode

import (
	"flag"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/grafana/dskit/flagext"
	"github.com/zachfi/zkit/pkg/util"
)

const (
	ModeAuto   = "auto"
	ModeAlways = "always"
	ModeNever  = "never"

	FallbackPassthrough = "passthrough"
	FallbackAbort       = "abort"
)

const (
	defaultCommand           = "ffmpeg"
	defaultOutputContentType = "audio/mpeg"
	defaultBitrate           = 128
	defaultSampleRate        = 48000
	defaultChannels          = 2
	defaultInputQueueFrames  = 256
)

type Config struct {
	Mode              string                 `yaml:"mode,omitempty"`
	Command           string                 `yaml:"command,omitempty"`
	Args              flagext.StringSliceCSV `yaml:"args,omitempty"` // replaces the generated encoder arguments
	OutputContentType string                 `yaml:"output-content-type,omitempty"`
	Bitrate           int                    `yaml:"bitrate,omitempty"` // kbps
	SampleRate        int                    `yaml:"sample-rate,omitempty"`
	Channels          int                    `yaml:"channels,omitempty"`
	Fallback          string                 `yaml:"fallback,omitempty"`
	InputQueueFrames  int                    `yaml:"input-queue-frames,omitempty"`
	AlignFrames       bool                   `yaml:"align-frames,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Mode, util.PrefixConfig(prefix, "mode"), ModeAuto,
		"When to transcode: auto (inbound content type differs from the output content type), always or never.")
	f.StringVar(&cfg.Command, util.PrefixConfig(prefix, "command"), defaultCommand, "Encoder executable.")
	f.Var(&cfg.Args, util.PrefixConfig(prefix, "args"),
		"Comma separated encoder arguments. Overrides the generated ffmpeg arguments when set.")
	f.StringVar(&cfg.OutputContentType, util.PrefixConfig(prefix, "output-content-type"), defaultOutputContentType,
		"Content type the mount expects.")
	f.IntVar(&cfg.Bitrate, util.PrefixConfig(prefix, "bitrate"), defaultBitrate, "Output bitrate in kbps.")
	f.IntVar(&cfg.SampleRate, util.PrefixConfig(prefix, "sample-rate"), defaultSampleRate, "Output sample rate in Hz.")
	f.IntVar(&cfg.Channels, util.PrefixConfig(prefix, "channels"), defaultChannels, "Output channel count.")
	f.StringVar(&cfg.Fallback, util.PrefixConfig(prefix, "fallback"), FallbackPassthrough,
		"What to do when the encoder cannot start: passthrough (forward inbound audio untouched) or abort.")
	f.IntVar(&cfg.InputQueueFrames, util.PrefixConfig(prefix, "input-queue-frames"), defaultInputQueueFrames,
		"Frames queued for the encoder's stdin before inbound audio is dropped.")
	f.BoolVar(&cfg.AlignFrames, util.PrefixConfig(prefix, "align-frames"), true,
		"Trim encoder output to the first MPEG frame sync when the output is audio/mpeg.")
}

func (cfg *Config) Validate() error {
	switch cfg.Mode {
	case ModeAuto, ModeAlways, ModeNever:
	default:
		return fmt.Errorf("unknown transcode mode %q", cfg.Mode)
	}
	switch cfg.Fallback {
	case FallbackPassthrough, FallbackAbort:
	default:
		return fmt.Errorf("unknown transcode fallback %q", cfg.Fallback)
	}
	if cfg.Mode != ModeNever && cfg.Command == "" {
		return fmt.Errorf("transcode command is required")
	}
	return nil
}

// Required reports whether audio of contentType needs transcoding before it
// can be sent to the mount.
func (cfg *Config) Required(contentType string) bool {
	switch cfg.Mode {
	case ModeAlways:
		return true
	case ModeNever:
		return false
	}
	return BaseType(contentType) != BaseType(cfg.OutputContentType)
}

// AudioInfo renders the Ice-Audio-Info value for the encoder settings.
func (cfg *Config) AudioInfo() string {
	var parts []string
	if cfg.Bitrate > 0 {
		parts = append(parts, "ice-bitrate="+strconv.Itoa(cfg.Bitrate))
	}
	if cfg.SampleRate > 0 {
		parts = append(parts, "ice-samplerate="+strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		parts = append(parts, "ice-channels="+strconv.Itoa(cfg.Channels))
	}
	return strings.Join(parts, ";")
}

// BuildArgs returns the encoder arguments for the given inbound content type.
// Audio is read from stdin and written to stdout.
func (cfg *Config) BuildArgs(inputContentType string) []string {
	if len(cfg.Args) > 0 {
		return append([]string(nil), cfg.Args...)
	}

	args := []string{"-hide_banner", "-loglevel", "warning"}
	if in := inputFormat(inputContentType); in != "" {
		args = append(args, "-f", in)
	}
	args = append(args, "-i", "pipe:0", "-vn")

	out, codec := outputFormat(cfg.OutputContentType)
	args = append(args, "-f", out, "-acodec", codec)
	if out == "mp3" {
		args = append(args, "-id3v2_version", "0", "-write_xing", "0")
	}
	if cfg.Bitrate > 0 {
		args = append(args, "-ab", strconv.Itoa(cfg.Bitrate)+"k")
	}
	if cfg.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(cfg.Channels))
	}

	return append(args, "pipe:1")
}

// BaseType returns the lower cased media type without parameters.
func BaseType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// inputFormat maps a browser recorder content type to an ffmpeg demuxer.
// Unknown types are left to ffmpeg's probing.
func inputFormat(contentType string) string {
	switch BaseType(contentType) {
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/ogg", "application/ogg":
		return "ogg"
	case "audio/mp4", "audio/x-m4a":
		return "mp4"
	case "audio/wav", "audio/wave", "audio/x-wav":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/aac":
		return "aac"
	}
	return ""
}

func outputFormat(contentType string) (format, codec string) {
	switch BaseType(contentType) {
	case "audio/ogg", "application/ogg":
		return "ogg", "libvorbis"
	case "audio/aac", "audio/aacp":
		return "adts", "aac"
	case "audio/webm":
		return "webm", "libopus"
	}
	return "mp3", "libmp3lame"
}
