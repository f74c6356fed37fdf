package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/icerelay/pkg/shoutcast"
)

var testDefaults = StreamDefaults{
	SourceName:  "Ether",
	Description: "sounds from the universe",
	Mountpoint:  "/ether",
	ContentType: "audio/webm;codecs=opus",
}

func parse(t *testing.T, raw string) clientMessage {
	t.Helper()

	var msg clientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return msg
}

func TestResolveStreamConfig(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		expected StreamConfig
	}{
		{
			name: "defaults",
			raw:  `{"type":"config"}`,
			expected: StreamConfig{
				SourceName:  "Ether",
				Description: "sounds from the universe",
				Mountpoint:  "/ether",
				ContentType: "audio/webm;codecs=opus",
			},
		},
		{
			name: "overrides",
			raw:  `{"type":"config","sourceName":"Live","mountpoint":"/live","tags":[" a ","","b"],"contentType":"audio/mpeg"}`,
			expected: StreamConfig{
				SourceName:  "Live",
				Description: "sounds from the universe",
				Mountpoint:  "/live",
				Tags:        []string{"a", "b"},
				ContentType: "audio/mpeg",
			},
		},
		{
			name: "aliases",
			raw:  `{"type":"config","mountPoint":"/alias","format":"audio/ogg"}`,
			expected: StreamConfig{
				SourceName:  "Ether",
				Description: "sounds from the universe",
				Mountpoint:  "/alias",
				ContentType: "audio/ogg",
			},
		},
		{
			name: "canonical names win",
			raw:  `{"type":"config","mountPoint":"/alias","mountpoint":"/canonical","format":"audio/ogg","contentType":"audio/mpeg"}`,
			expected: StreamConfig{
				SourceName:  "Ether",
				Description: "sounds from the universe",
				Mountpoint:  "/canonical",
				ContentType: "audio/mpeg",
			},
		},
		{
			name: "empty strings keep defaults",
			raw:  `{"type":"config","sourceName":"","description":"  "}`,
			expected: StreamConfig{
				SourceName:  "Ether",
				Description: "sounds from the universe",
				Mountpoint:  "/ether",
				ContentType: "audio/webm;codecs=opus",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := resolveStreamConfig(parse(t, tc.raw), testDefaults)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cfg)
		})
	}
}

func TestResolveStreamConfigRejects(t *testing.T) {
	cases := map[string]string{
		"relative mountpoint":   `{"type":"config","mountpoint":"ether"}`,
		"mountpoint whitespace": `{"type":"config","mountpoint":"/eth er"}`,
		"name line break":       `{"type":"config","sourceName":"a\r\nb"}`,
		"tag line break":        `{"type":"config","tags":["a\nb"]}`,
		"description newline":   `{"type":"config","description":"x\ny"}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := resolveStreamConfig(parse(t, raw), testDefaults)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.NotEmpty(t, ce.Field)
		})
	}
}

func TestNotificationJSON(t *testing.T) {
	b, err := json.Marshal(notification{Type: TypeConnected})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"CONNECTED"}`, string(b))

	b, err = json.Marshal(notification{Type: TypeError, Message: "authentication failed"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ERROR","message":"authentication failed"}`, string(b))

	b, err = json.Marshal(statsNotification{Type: TypeStats, Stats: Stats{State: "streaming", BytesSent: 10}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"STATS","state":"streaming","bytesReceived":0,"bytesSent":10,"bytesDropped":0,"uptimeSeconds":0,"transcoding":false,"attempts":0}`, string(b))
}

func TestTransitions(t *testing.T) {
	assert.True(t, canTransition(StateHandshaking, StateStreaming))
	assert.True(t, canTransition(StateError, StateConnecting))
	assert.True(t, canTransition(StateStreaming, StateClosing))

	assert.False(t, canTransition(StateConnecting, StateStreaming), "streaming requires a handshake")
	assert.False(t, canTransition(StateAwaitingConfig, StateStreaming))
	assert.False(t, canTransition(StateClosed, StateConnecting))
	assert.False(t, canTransition(StateClosing, StateStreaming))

	for from := range transitions {
		assert.True(t, canTransition(from, StateClosing) || from == StateClosing, "%s must be able to close", from)
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "authentication failed", describe(&shoutcast.HandshakeError{Result: shoutcast.Unauthorized}))
	assert.Equal(t, "mountpoint in use", describe(&shoutcast.HandshakeError{Result: shoutcast.MountInUse}))
	assert.Equal(t, "media server unreachable", describe(&shoutcast.ConnectError{Addr: "x:1", Err: errors.New("refused")}))
	assert.Equal(t, "media server did not answer", describe(shoutcast.ErrHandshakeTimeout))

	assert.Equal(t, "unauthorized", outcome(&shoutcast.HandshakeError{Result: shoutcast.Unauthorized}))
	assert.Equal(t, "accepted", outcome(nil))
	assert.Equal(t, "connect_error", outcome(&shoutcast.ConnectError{Err: errors.New("refused")}))
}

func TestPrebuffer(t *testing.T) {
	b := prebuffer{limit: 8}

	assert.True(t, b.push([]byte("abcd")))
	assert.True(t, b.push([]byte("efgh")))
	assert.False(t, b.push([]byte("i")), "the head of the stream is kept")

	assert.Equal(t, [][]byte{[]byte("abcd"), []byte("efgh")}, b.take())
	assert.Empty(t, b.take())
	assert.True(t, b.push([]byte("i")))

	var off prebuffer
	assert.False(t, off.push([]byte("x")), "a zero limit holds nothing")
}
