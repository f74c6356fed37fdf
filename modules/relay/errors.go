package relay

import (
	"errors"
	"fmt"

	"github.com/zachfi/icerelay/pkg/shoutcast"
)

var (
	ErrShuttingDown = errors.New("relay is shutting down")
	ErrEncoderExit  = errors.New("encoder exited")
)

// ConfigError rejects a client's stream configuration. It is reported to the
// client and the session keeps waiting for a usable config.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// describe renders an upstream failure for the client.
func describe(err error) string {
	var hs *shoutcast.HandshakeError
	if errors.As(err, &hs) {
		switch hs.Result {
		case shoutcast.Unauthorized:
			return "authentication failed"
		case shoutcast.Forbidden:
			return "media server refused the source"
		case shoutcast.NotFound:
			return "mountpoint not found"
		case shoutcast.MountInUse:
			return "mountpoint in use"
		}
		return "unexpected media server response"
	}

	var ce *shoutcast.ConnectError
	switch {
	case errors.As(err, &ce):
		return "media server unreachable"
	case errors.Is(err, shoutcast.ErrHandshakeTimeout):
		return "media server did not answer"
	case errors.Is(err, shoutcast.ErrClosed):
		return "media server closed the connection"
	case errors.Is(err, ErrEncoderExit):
		return "encoder exited"
	}

	return err.Error()
}

// outcome is the metric label for a finished upstream attempt.
func outcome(err error) string {
	if err == nil {
		return shoutcast.Accepted.String()
	}
	var hs *shoutcast.HandshakeError
	if errors.As(err, &hs) {
		return hs.Result.String()
	}
	var ce *shoutcast.ConnectError
	switch {
	case errors.As(err, &ce):
		return "connect_error"
	case errors.Is(err, shoutcast.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, shoutcast.ErrClosed):
		return "closed"
	}
	return "error"
}
