package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	notifyQueueSize = 64
	pingPeriod      = 25 * time.Second
	pongWait        = 90 * time.Second
	writeWait       = 5 * time.Second
	closeWait       = 2 * time.Second
)

// NotifyWriter queues JSON notifications for one client. A single goroutine
// (run) owns the websocket writes, so control replies, pings and the close
// frame never interleave.
type NotifyWriter struct {
	sync.Mutex
	dataChan chan []byte
	closed   bool
	dropped  int
}

func NewNotifyWriter() *NotifyWriter {
	return &NotifyWriter{
		dataChan: make(chan []byte, notifyQueueSize),
	}
}

// Send marshals v and queues it without blocking. It reports false when the
// writer is closed or the queue is full.
func (nw *NotifyWriter) Send(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		return false
	}

	nw.Lock()
	defer nw.Unlock()

	if nw.closed {
		return false
	}

	select {
	case nw.dataChan <- payload:
		return true
	default:
		nw.dropped++
		return false
	}
}

// Dropped returns how many notifications were discarded on a full queue.
func (nw *NotifyWriter) Dropped() int {
	nw.Lock()
	defer nw.Unlock()
	return nw.dropped
}

func (nw *NotifyWriter) Close() error {
	nw.Lock()
	defer nw.Unlock()

	if !nw.closed {
		close(nw.dataChan)
		nw.closed = true
	}

	return nil
}

// run writes queued notifications and keepalive pings until Close, then
// sends a normal close frame.
func (nw *NotifyWriter) run(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case payload, ok := <-nw.dataChan:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(closeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
