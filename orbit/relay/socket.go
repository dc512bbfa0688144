package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zane-ai/zane/pkg/protocol"
)

// Transport is the write side of a connection. Implementations must be safe
// for concurrent use: the socket writer and the keepalive goroutine both
// write.
type Transport interface {
	Send(msgType int, data []byte) error
	Close(code int, reason string) error
}

// Close codes used by the relay.
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseGoingAway     = websocket.CloseGoingAway
	CloseTryAgainLater = websocket.CloseTryAgainLater
)

// wsTransport serialises writes to a gorilla connection, which supports only
// one concurrent writer.
type wsTransport struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) deadline() time.Time {
	if t.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(t.writeTimeout)
}

func (t *wsTransport) Send(msgType int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(t.deadline())
	return t.conn.WriteMessage(msgType, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

type socketState int

const (
	stateConnecting socketState = iota
	stateOpen
	stateClosed
)

type outFrame struct {
	msgType int
	data    []byte
}

// Socket is one registered connection. Everything except the identity
// fields is owned by the actor loop. Writes go through a bounded outbox
// drained by the socket's own writer goroutine, so a slow peer never holds
// up the actor.
type Socket struct {
	ID       string
	Role     protocol.Role
	ClientID string // client role only; may be empty

	transport Transport
	state     socketState
	anchor    *protocol.AnchorMeta // set by anchor.hello
	framesIn  uint64
	bytesIn   uint64

	out       chan outFrame
	stop      chan struct{}
	exited    chan struct{}
	stopping  bool
	closeCode int
	closeMsg  string
	pending   atomic.Int64 // frames queued or being written
}

// NewSocket creates a socket in the connecting state.
func NewSocket(id string, role protocol.Role, clientID string, t Transport) *Socket {
	if role != protocol.RoleClient {
		clientID = ""
	}
	return &Socket{ID: id, Role: role, ClientID: clientID, transport: t, state: stateConnecting}
}

// start launches the writer with room for size queued frames.
func (s *Socket) start(size int, logger *slog.Logger) {
	s.out = make(chan outFrame, size)
	s.stop = make(chan struct{})
	s.exited = make(chan struct{})
	go s.writeLoop(logger)
}

// enqueue queues a frame without blocking. It reports false when the
// outbox is full.
func (s *Socket) enqueue(msgType int, data []byte) bool {
	s.pending.Add(1)
	select {
	case s.out <- outFrame{msgType: msgType, data: data}:
		return true
	default:
		s.pending.Add(-1)
		return false
	}
}

// close asks the writer to send a close frame and exit. Frames still queued
// are discarded. Safe to call more than once.
func (s *Socket) close(code int, reason string) {
	if s.stop == nil {
		_ = s.transport.Close(code, reason)
		return
	}
	if s.stopping {
		return
	}
	s.stopping = true
	s.closeCode, s.closeMsg = code, reason
	close(s.stop)
}

func (s *Socket) writeLoop(logger *slog.Logger) {
	defer close(s.exited)
	for {
		select {
		case f := <-s.out:
			if err := s.transport.Send(f.msgType, f.data); err != nil {
				logger.Warn("failed to relay message", "socket_id", s.ID, "role", s.Role, "error", err)
			}
			s.pending.Add(-1)
		case <-s.stop:
			s.discard()
			if err := s.transport.Close(s.closeCode, s.closeMsg); err != nil {
				logger.Debug("close failed", "socket_id", s.ID, "error", err)
			}
			return
		}
	}
}

func (s *Socket) discard() {
	for {
		select {
		case <-s.out:
			s.pending.Add(-1)
		default:
			return
		}
	}
}
