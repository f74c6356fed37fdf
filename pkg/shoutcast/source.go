package shoutcast

import (
	"bytes"
	"encoding/base64"
	"strings"
)

const protocolVersion = "HTTP/1.0"

// Credentials authenticate a source client against the server.
type Credentials struct {
	User     string
	Password string
}

// SourceRequest describes a mountpoint publish request.
type SourceRequest struct {
	// Mountpoint is the broadcast path, e.g. /ether
	Mountpoint string

	// ContentType is the outbound codec/container, after any transcoding
	ContentType string

	// Public lists the stream in the server's directory
	Public bool

	Name        string
	Description string

	// Genre is rendered comma joined as Ice-Genre
	Genre []string

	URL       string
	AudioInfo string
	UserAgent string

	Credentials Credentials
}

// Encode renders the request header block. Optional fields with empty values
// are omitted and the block ends with exactly one blank line.
func Encode(req SourceRequest) []byte {
	var b bytes.Buffer

	writeLine := func(s string) {
		b.WriteString(s)
		b.WriteString("\r\n")
	}
	header := func(key, value string) {
		if value == "" {
			return
		}
		writeLine(key + ": " + value)
	}

	writeLine("SOURCE " + req.Mountpoint + " " + protocolVersion)

	auth := req.Credentials.User + ":" + req.Credentials.Password
	writeLine("Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte(auth)))

	header("Content-Type", req.ContentType)
	if req.Public {
		header("Ice-Public", "1")
	}
	header("Ice-Name", req.Name)
	header("Ice-Description", req.Description)
	header("Ice-Genre", genre(req.Genre))
	header("Ice-URL", req.URL)
	header("Ice-Audio-Info", req.AudioInfo)
	header("User-Agent", req.UserAgent)

	b.WriteString("\r\n")

	return b.Bytes()
}

func genre(tags []string) string {
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			parts = append(parts, t)
		}
	}

	return strings.Join(parts, ", ")
}
