// Package bridge connects a local JSON-RPC agent on stdin/stdout to the orbit
// relay over the /ws/anchor WebSocket.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zane-ai/zane/anchor/internal/config"
	"github.com/zane-ai/zane/anchor/internal/eventbus"
	"github.com/zane-ai/zane/orbit/auth"
	"github.com/zane-ai/zane/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxLineBytes     = 16 << 20
)

var (
	errNotConnected     = errors.New("not connected to orbit")
	errHeartbeatTimeout = errors.New("heartbeat timeout")
)

// Options configures a Bridge.
type Options struct {
	Orbit config.OrbitConfig
	In    io.Reader // JSON-RPC lines from the local agent
	Out   io.Writer // JSON-RPC lines to the local agent
	Bus   *eventbus.Bus

	Hostname string           // default os.Hostname()
	Platform string           // default runtime.GOOS
	Now      func() time.Time // token and hello timestamps
}

// Bridge owns the anchor's outbound leg to orbit. Frames read from In are
// sent upstream; inbound JSON-RPC frames are written to Out one per line.
type Bridge struct {
	cfg      config.OrbitConfig
	in       io.Reader
	out      io.Writer
	bus      *eventbus.Bus
	hostname string
	platform string
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex // guards conn and serialises writes to it
	conn    *websocket.Conn
	threads map[string]struct{}

	outMu sync.Mutex
}

// New creates a bridge. Call Run to start it.
func New(opts Options, logger *slog.Logger) *Bridge {
	b := &Bridge{
		cfg:      opts.Orbit,
		in:       opts.In,
		out:      opts.Out,
		bus:      opts.Bus,
		hostname: opts.Hostname,
		platform: opts.Platform,
		now:      opts.Now,
		logger:   logger.With("component", "bridge"),
		threads:  make(map[string]struct{}),
	}
	if b.bus == nil {
		b.bus = eventbus.New()
	}
	if b.hostname == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			b.hostname = h
		} else {
			b.hostname = "unknown"
		}
	}
	if b.platform == "" {
		b.platform = runtime.GOOS
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Run pumps input upstream and keeps the orbit connection alive until ctx is
// canceled or the input stream ends. An input that ends cleanly returns nil.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inputDone := make(chan error, 1)
	go func() {
		inputDone <- b.pumpInput()
		cancel()
	}()

	err := b.connectLoop(ctx)
	select {
	case inErr := <-inputDone:
		if inErr != nil {
			return fmt.Errorf("read input: %w", inErr)
		}
		b.logger.Info("input closed, stopping bridge")
		return nil
	default:
	}
	return err
}

func (b *Bridge) connectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := b.connectOnce(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("orbit connection failed", "error", err)
		}

		delay := b.cfg.ReconnectInterval.Duration
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		b.logger.Info("reconnecting", "delay", delay)
		b.bus.Publish(eventbus.BridgeReconnecting, "delay", delay.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (b *Bridge) connectOnce(ctx context.Context) error {
	target, err := b.dialURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if b.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial orbit: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial orbit: %w", err)
	}

	var timedOut atomic.Bool
	connCtx, stop := context.WithCancel(ctx)
	defer func() {
		stop()
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		conn.Close()
		reason := "closed"
		if timedOut.Load() {
			reason = errHeartbeatTimeout.Error()
		}
		b.logger.Info("disconnected from orbit", "reason", reason)
		b.bus.Publish(eventbus.BridgeDisconnected, "reason", reason)
	}()

	if err := b.handshake(conn); err != nil {
		return err
	}
	b.logger.Info("connected to orbit", "url", b.cfg.URL)
	b.bus.Publish(eventbus.BridgeConnected, "url", b.cfg.URL)

	pongs := make(chan struct{}, 1)
	go b.heartbeat(connCtx, conn, pongs, &timedOut)
	go func() {
		<-connCtx.Done()
		if ctx.Err() != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if timedOut.Load() {
				return errHeartbeatTimeout
			}
			return fmt.Errorf("read message: %w", err)
		}
		b.handleInbound(data, pongs)
	}
}

// dialURL returns the configured URL with a freshly minted anchor token.
func (b *Bridge) dialURL() (string, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse orbit url: %w", err)
	}
	token, err := auth.Mint(auth.KindAnchor, b.cfg.JWTSecret, b.cfg.UserID, b.cfg.TokenTTL.Duration, b.now())
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (b *Bridge) heartbeat(ctx context.Context, conn *websocket.Conn, pongs <-chan struct{}, timedOut *atomic.Bool) {
	ticker := time.NewTicker(b.cfg.PingInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case <-pongs:
		default:
		}
		if err := b.send([]byte(protocol.PingFrame)); err != nil {
			return
		}

		timer := time.NewTimer(b.cfg.PongTimeout.Duration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-pongs:
			timer.Stop()
		case <-timer.C:
			timedOut.Store(true)
			b.logger.Warn("no pong from orbit, closing connection", "timeout", b.cfg.PongTimeout.Duration)
			b.bus.Publish(eventbus.BridgeHeartbeatTimeout, "timeout", b.cfg.PongTimeout.Duration.String())
			conn.Close()
			return
		}
	}
}

func (b *Bridge) handleInbound(data []byte, pongs chan<- struct{}) {
	msg, ok := protocol.Parse(data)
	if !ok {
		b.logger.Debug("ignoring non-object frame", "bytes", len(data))
		return
	}

	switch t := msg.Type(); {
	case t == protocol.TypePong:
		select {
		case pongs <- struct{}{}:
		default:
		}
	case strings.HasPrefix(t, "orbit."):
		if t == protocol.TypeClientSubscribed {
			b.logger.Info("client subscribed", "thread_id", msg.String("threadId"))
		} else {
			b.logger.Debug("orbit control frame", "type", t)
		}
	default:
		_, hasMethod := msg["method"]
		_, hasID := msg["id"]
		if !hasMethod && !hasID {
			b.logger.Debug("ignoring frame without method or id", "type", t)
			return
		}
		b.writeLine(data)
	}
}

func (b *Bridge) writeLine(data []byte) {
	line := append(bytes.TrimSpace(data), '\n')
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if _, err := b.out.Write(line); err != nil {
		b.logger.Error("write to agent failed", "error", err)
	}
}

func (b *Bridge) pumpInput() error {
	sc := bufio.NewScanner(b.in)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		b.forward(append([]byte(nil), line...))
	}
	return sc.Err()
}

// forward sends one agent frame upstream, subscribing first to any thread it
// has not seen yet. Frames are dropped while disconnected.
func (b *Bridge) forward(line []byte) {
	if msg, ok := protocol.Parse(line); ok {
		if id := msg.ThreadID(); id != "" {
			b.trackThread(id)
		}
	}
	if err := b.send(line); err != nil {
		b.logger.Debug("dropping agent frame", "error", err)
	}
}

func (b *Bridge) trackThread(threadID string) {
	b.mu.Lock()
	_, seen := b.threads[threadID]
	b.threads[threadID] = struct{}{}
	b.mu.Unlock()
	if seen {
		return
	}
	if err := b.send(subscribeFrame(threadID)); err == nil {
		b.bus.Publish(eventbus.ThreadSubscribed, "thread_id", threadID)
	}
}

// handshake writes anchor.hello and the known thread subscriptions to a
// fresh connection and only then makes it the forwarding target. b.mu is
// held throughout, so agent frames wait until the hello is on the wire.
func (b *Bridge) handshake(conn *websocket.Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	write := func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	hello := protocol.AnchorHello{
		Type:     protocol.TypeAnchorHello,
		TS:       protocol.Timestamp(b.now()),
		Hostname: b.hostname,
		Platform: b.platform,
	}
	if err := write(protocol.Encode(hello)); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	ids := make([]string, 0, len(b.threads))
	for id := range b.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := write(subscribeFrame(id)); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	if len(ids) > 0 {
		b.logger.Info("resubscribed threads", "count", len(ids))
	}

	b.conn = conn
	return nil
}

func (b *Bridge) send(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return errNotConnected
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func subscribeFrame(threadID string) []byte {
	return protocol.Encode(protocol.ThreadFrame{Type: protocol.TypeSubscribe, ThreadID: threadID})
}
