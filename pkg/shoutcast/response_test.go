package shoutcast

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var responseCases = []struct {
	name     string
	response string
	expected Result
}{
	{
		name:     "ok",
		response: "HTTP/1.0 200 OK\r\n\r\n",
		expected: Accepted,
	},
	{
		name:     "ok with headers",
		response: "HTTP/1.0 200 OK\r\nServer: Icecast 2.4.4\r\nConnection: Close\r\n\r\n",
		expected: Accepted,
	},
	{
		name:     "unauthorized",
		response: "HTTP/1.0 401 Authentication Required\r\nWWW-Authenticate: Basic realm=\"Icecast2 Server\"\r\n\r\n",
		expected: Unauthorized,
	},
	{
		name:     "not found",
		response: "HTTP/1.0 404 File Not Found\r\n\r\n",
		expected: NotFound,
	},
	{
		name:     "forbidden",
		response: "HTTP/1.0 403 Forbidden\r\nContent-Length: 24\r\n\r\nContent-type not allowed",
		expected: Forbidden,
	},
	{
		name: "mount in use",
		response: "HTTP/1.0 403 Forbidden\r\nContent-Type: text/html\r\nContent-Length: 32\r\n\r\n" +
			"Mountpoint /ether in use already",
		expected: MountInUse,
	},
	{
		name:     "mount in use without length",
		response: "HTTP/1.0 403 Forbidden\r\n\r\nMountpoint in use",
		expected: MountInUse,
	},
	{
		name:     "bare newlines",
		response: "HTTP/1.0 200 OK\n\n",
		expected: Accepted,
	},
	{
		name:     "garbage",
		response: "ICY 500 whatever\r\n\r\n",
		expected: Unknown,
	},
}

func TestDecode(t *testing.T) {
	for _, tc := range responseCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Decode([]byte(tc.response)))
		})
	}
}

// The classification must not depend on how the reply was split across reads.
func TestDecoderSplitPoints(t *testing.T) {
	for _, tc := range responseCases {
		t.Run(tc.name, func(t *testing.T) {
			b := []byte(tc.response)
			for i := 0; i <= len(b); i++ {
				var d Decoder
				d.Feed(b[:i])
				d.Feed(b[i:])
				require.Equal(t, tc.expected, d.Finish(), "split at %d", i)
			}

			var d Decoder
			for _, c := range b {
				d.Feed([]byte{c})
			}
			require.Equal(t, tc.expected, d.Finish(), "byte at a time")
		})
	}
}

func TestDecoderPendingUntilComplete(t *testing.T) {
	var d Decoder

	assert.Equal(t, Pending, d.Feed([]byte("HTTP/1.0 200")))
	assert.Equal(t, Pending, d.Feed([]byte(" OK\r\n")))
	assert.Equal(t, Accepted, d.Feed([]byte("\r\n")))
	assert.Equal(t, Accepted, d.Feed([]byte("HTTP/1.0 401")), "result is sticky")
}

func TestDecoderBodyWithoutLengthWaitsForFinish(t *testing.T) {
	var d Decoder

	assert.Equal(t, Pending, d.Feed([]byte("HTTP/1.0 403 Forbidden\r\n\r\nMountpoint")))
	assert.Equal(t, Pending, d.Feed([]byte(" in use")))
	assert.Equal(t, MountInUse, d.Finish())
	assert.Contains(t, d.Response(), "Mountpoint in use")
}

func TestDecoderReset(t *testing.T) {
	var d Decoder

	r := d.Feed([]byte("HTTP/1.0 100 Continue\r\nContent-Length: 0\r\n\r\nHTTP/1.0 200"))
	require.Equal(t, Unknown, r)

	assert.Equal(t, Pending, d.Reset(), "the bytes after the reply are kept")
	assert.Equal(t, Accepted, d.Feed([]byte(" OK\r\n\r\n")))

	assert.Equal(t, Pending, d.Reset())
	assert.Empty(t, d.Response())
}

func TestDecoderBounded(t *testing.T) {
	var d Decoder

	r := d.Feed([]byte(strings.Repeat("x", maxResponseSize+10)))
	assert.Equal(t, Unknown, r)
	assert.Len(t, d.buf, maxResponseSize)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "mount_in_use", MountInUse.String())
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "unknown", Result(99).String())
}
