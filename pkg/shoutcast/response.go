package shoutcast

import (
	"bytes"
	"strconv"
	"strings"
)

// Result classifies a server reply to a SOURCE request.
type Result int

const (
	// Pending means not enough of the reply has arrived to decide.
	Pending Result = iota
	Accepted
	Unauthorized
	Forbidden
	NotFound
	MountInUse
	// Unknown is a complete reply that matched nothing. It is informational.
	Unknown
)

func (r Result) String() string {
	switch r {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case MountInUse:
		return "mount_in_use"
	default:
		return "unknown"
	}
}

// maxResponseSize bounds how much of a reply is accumulated. Once reached the
// reply is classified as-is.
const maxResponseSize = 16 * 1024

// Decoder accumulates a server reply across reads. Replies are line oriented
// text without reliable framing, so a classification is only made once the
// reply is complete: the header block for 200/401/404 replies, the header
// block plus Content-Length body for others, or EOF via Finish. The result is
// therefore the same however the bytes were split across reads.
type Decoder struct {
	buf    []byte
	rest   []byte // bytes after a complete reply
	result Result
}

// Feed appends p and returns the classification, or Pending.
func (d *Decoder) Feed(p []byte) Result {
	if d.result != Pending {
		return d.result
	}

	room := maxResponseSize - len(d.buf)
	if room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		d.buf = append(d.buf, p...)
	}

	if msg, ok := complete(d.buf); ok {
		d.result = classify(msg)
		d.rest = d.buf[len(msg):]
	} else if len(d.buf) >= maxResponseSize {
		d.result = classify(d.buf)
	}

	return d.result
}

// Finish classifies whatever has accumulated. It is called when the server
// closed the connection or the handshake deadline passed.
func (d *Decoder) Finish() Result {
	if d.result == Pending {
		d.result = classify(d.buf)
	}

	return d.result
}

// Reset discards a settled reply and starts over on whatever followed it.
func (d *Decoder) Reset() Result {
	rest := d.rest
	*d = Decoder{}
	if len(rest) == 0 {
		return Pending
	}

	return d.Feed(rest)
}

// Response returns the accumulated reply text for diagnostics.
func (d *Decoder) Response() string {
	return strings.TrimSpace(string(d.buf))
}

// Decode classifies a complete reply.
func Decode(p []byte) Result {
	var d Decoder
	d.Feed(p)
	return d.Finish()
}

// complete reports whether buf holds a whole reply and returns it.
func complete(buf []byte) ([]byte, bool) {
	end, bodyStart := headerEnd(buf)
	if end < 0 {
		return nil, false
	}

	header := buf[:end]
	switch statusCode(header) {
	case 200, 401, 404:
		return header, true
	}

	length, ok := contentLength(header)
	if !ok {
		// body runs until the server closes the connection
		return nil, false
	}
	if len(buf)-bodyStart < length {
		return nil, false
	}

	return buf[:bodyStart+length], true
}

func headerEnd(buf []byte) (end, bodyStart int) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i, i + 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i, i + 2
	}

	return -1, -1
}

func statusCode(header []byte) int {
	line, _, _ := bytes.Cut(header, []byte("\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return 0
	}

	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}

	return code
}

func contentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}

	return 0, false
}

func classify(msg []byte) Result {
	text := strings.ToLower(string(msg))

	switch {
	case strings.Contains(text, "mount") && strings.Contains(text, "in use"):
		return MountInUse
	case strings.Contains(text, "200 ok"):
		return Accepted
	case strings.Contains(text, "401"):
		return Unauthorized
	case strings.Contains(text, "403"):
		return Forbidden
	case strings.Contains(text, "404"):
		return NotFound
	}

	return Unknown
}
