// Package relay routes frames between UI clients and anchors.
//
// Every user gets one Actor: a goroutine that owns all of that user's
// sockets and subscription state and handles connection events one at a
// time, in arrival order. Ingress goroutines only read frames and submit
// them; nothing outside the loop touches actor state.
package relay

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zane-ai/zane/pkg/protocol"
)

// closeWait bounds how long Stop waits for socket writers to flush close
// frames.
const closeWait = 2 * time.Second

// ErrActorStopped is returned when submitting to an actor that has shut down.
var ErrActorStopped = errors.New("actor stopped")

// EventRecorder persists thread frames. Implementations decide what to keep
// and must not block.
type EventRecorder interface {
	Record(userID string, dir protocol.Direction, msg protocol.Message)
}

// PushNotifier handles Web Push side effects. Implementations decide which
// frames are push-worthy and must not block.
type PushNotifier interface {
	Notify(userID string, msg protocol.Message, method, threadID string)
	SendTest(userID string)
	Subscribe(userID, endpoint, p256dh, auth string)
	Unsubscribe(userID, endpoint string)
}

// Stats is a snapshot of an actor's state.
type Stats struct {
	Clients       int
	Anchors       int
	ClientThreads int
	AnchorThreads int
	AnchorMeta    []protocol.AnchorMeta
}

// ActorOptions configures an Actor.
type ActorOptions struct {
	InboxSize  int              // default 256
	SendBuffer int              // per-socket outbound frames; default 256
	Recorder   EventRecorder    // optional
	Push       PushNotifier     // optional
	Now        func() time.Time // for tests
}

type registerEvent struct {
	sock  *Socket
	reply chan error
}

type receiveEvent struct {
	socketID string
	msgType  int
	data     []byte
}

type unregisterEvent struct {
	socketID string
}

type statsEvent struct {
	reply chan Stats
}

// Actor serialises every connection event for one user.
type Actor struct {
	userID   string
	logger   *slog.Logger
	recorder EventRecorder
	push     PushNotifier
	now      func() time.Time
	sendBuf  int

	inbox    chan any
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopCode int
	stopMsg  string

	// Owned by the loop.
	sockets    map[string]*Socket
	clientIDs  map[string]string // client identity -> socket id
	clientSubs *SubscriptionIndex
	anchorSubs *SubscriptionIndex
}

// NewActor creates an actor and starts its loop.
func NewActor(userID string, logger *slog.Logger, opts ActorOptions) *Actor {
	size := opts.InboxSize
	if size <= 0 {
		size = 256
	}
	sendBuf := opts.SendBuffer
	if sendBuf <= 0 {
		sendBuf = 256
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Actor{
		userID:     userID,
		logger:     logger.With("component", "actor", "user_id", userID),
		recorder:   opts.Recorder,
		push:       opts.Push,
		now:        now,
		sendBuf:    sendBuf,
		inbox:      make(chan any, size),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		sockets:    make(map[string]*Socket),
		clientIDs:  make(map[string]string),
		clientSubs: NewSubscriptionIndex(),
		anchorSubs: NewSubscriptionIndex(),
	}
	go a.run()
	return a
}

// UserID returns the user this actor serves.
func (a *Actor) UserID() string {
	return a.userID
}

func (a *Actor) submit(ev any) error {
	select {
	case <-a.quit:
		return ErrActorStopped
	default:
	}
	select {
	case a.inbox <- ev:
		return nil
	case <-a.quit:
		return ErrActorStopped
	}
}

// Register attaches a socket and sends it orbit.hello. It returns once the
// socket is open, so frames submitted afterwards are routed.
func (a *Actor) Register(sock *Socket) error {
	reply := make(chan error, 1)
	if err := a.submit(registerEvent{sock: sock, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return ErrActorStopped
	}
}

// Receive submits one inbound frame from socketID.
func (a *Actor) Receive(socketID string, msgType int, data []byte) error {
	return a.submit(receiveEvent{socketID: socketID, msgType: msgType, data: data})
}

// Unregister detaches a socket after its connection ended.
func (a *Actor) Unregister(socketID string) {
	_ = a.submit(unregisterEvent{socketID: socketID})
}

// Stats returns a snapshot of the actor's sockets and subscriptions.
func (a *Actor) Stats() (Stats, error) {
	reply := make(chan Stats, 1)
	if err := a.submit(statsEvent{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-a.done:
		return Stats{}, ErrActorStopped
	}
}

// Stop closes every socket with code and reason, ends the loop and waits
// for it. Events still queued are discarded.
func (a *Actor) Stop(code int, reason string) {
	a.stopOnce.Do(func() {
		a.stopCode = code
		a.stopMsg = reason
		close(a.quit)
	})
	<-a.done
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			a.closeAll()
			return
		case ev := <-a.inbox:
			a.handle(ev)
		}
	}
}

func (a *Actor) handle(ev any) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic handling event", "panic", r)
		}
	}()

	switch e := ev.(type) {
	case registerEvent:
		a.register(e.sock)
		e.reply <- nil
	case receiveEvent:
		a.receive(e.socketID, e.msgType, e.data)
	case unregisterEvent:
		a.unregister(e.socketID)
	case statsEvent:
		e.reply <- a.stats()
	}
}

// closeAll closes every socket and gives the writers a bounded time to
// put the close frames on the wire.
func (a *Actor) closeAll() {
	for _, sock := range a.sockets {
		sock.state = stateClosed
		sock.close(a.stopCode, a.stopMsg)
	}
	deadline := time.NewTimer(closeWait)
	defer deadline.Stop()
	for _, sock := range a.sockets {
		select {
		case <-sock.exited:
		case <-deadline.C:
			a.logger.Warn("socket writers still busy at shutdown", "sockets", len(a.sockets))
			a.resetState()
			return
		}
	}
	a.resetState()
}

func (a *Actor) resetState() {
	a.sockets = make(map[string]*Socket)
	a.clientIDs = make(map[string]string)
	a.clientSubs = NewSubscriptionIndex()
	a.anchorSubs = NewSubscriptionIndex()
}

// --- Lifecycle ---

func (a *Actor) register(sock *Socket) {
	if sock.Role == protocol.RoleClient && sock.ClientID != "" {
		if oldID, ok := a.clientIDs[sock.ClientID]; ok && oldID != sock.ID {
			if old, ok := a.sockets[oldID]; ok {
				a.remove(old)
				old.close(CloseNormal, "Replaced by newer connection")
				a.logger.Info("replaced client connection", "client_id", sock.ClientID, "old_socket_id", oldID, "socket_id", sock.ID)
			}
		}
		a.clientIDs[sock.ClientID] = sock.ID
	}

	sock.start(a.sendBuf, a.logger)
	sock.state = stateOpen
	a.sockets[sock.ID] = sock

	a.send(sock, websocket.TextMessage, protocol.Encode(protocol.Hello{
		Type: protocol.TypeHello,
		Role: sock.Role,
		TS:   protocol.Timestamp(a.now()),
	}))
	a.logger.Info("socket connected", "socket_id", sock.ID, "role", sock.Role, "client_id", sock.ClientID)
}

func (a *Actor) unregister(socketID string) {
	sock, ok := a.sockets[socketID]
	if !ok {
		return
	}
	a.remove(sock)
	sock.close(CloseNormal, "")
	a.logger.Info("socket disconnected",
		"socket_id", sock.ID, "role", sock.Role,
		"frames_in", sock.framesIn, "bytes_in", sock.bytesIn)
}

// remove detaches sock from all actor state. A departing anchor that said
// hello is announced to the remaining clients.
func (a *Actor) remove(sock *Socket) {
	sock.state = stateClosed
	delete(a.sockets, sock.ID)
	a.index(sock.Role).Remove(sock.ID)

	if sock.Role == protocol.RoleClient && sock.ClientID != "" && a.clientIDs[sock.ClientID] == sock.ID {
		delete(a.clientIDs, sock.ClientID)
	}

	if sock.Role == protocol.RoleAnchor && sock.anchor != nil {
		frame := protocol.Encode(protocol.AnchorDisconnected{
			Type:     protocol.TypeAnchorDisconnected,
			AnchorID: sock.anchor.ID,
		})
		a.broadcast(protocol.RoleClient, websocket.TextMessage, frame)
	}
}

func (a *Actor) stats() Stats {
	var s Stats
	for _, sock := range a.sockets {
		switch sock.Role {
		case protocol.RoleClient:
			s.Clients++
		case protocol.RoleAnchor:
			s.Anchors++
		}
	}
	s.ClientThreads = a.clientSubs.ThreadCount()
	s.AnchorThreads = a.anchorSubs.ThreadCount()
	s.AnchorMeta = a.anchorMeta()
	return s
}

// --- Inbound frames ---

func (a *Actor) receive(socketID string, msgType int, data []byte) {
	sock, ok := a.sockets[socketID]
	if !ok || sock.state != stateOpen {
		return
	}
	sock.framesIn++
	sock.bytesIn += uint64(len(data))

	if protocol.IsPing(data) {
		a.send(sock, websocket.TextMessage, []byte(protocol.PongFrame))
		return
	}

	msg, parsed := protocol.Parse(data)
	if parsed {
		if a.handleControl(sock, msg) {
			return
		}
		if a.handleAnchorHello(sock, msg) {
			return
		}
		if a.recorder != nil {
			a.recorder.Record(a.userID, protocol.DirectionFrom(sock.Role), msg)
		}
	}
	a.route(sock, msgType, data, msg)
}

// handleControl consumes orbit.* control frames. It returns false for
// anything it does not own so the frame is routed instead.
func (a *Actor) handleControl(sock *Socket, msg protocol.Message) bool {
	isClient := sock.Role == protocol.RoleClient

	switch msg.Type() {
	case protocol.TypeSubscribe:
		threadID := msg.String("threadId")
		if threadID == "" {
			return false
		}
		a.index(sock.Role).Subscribe(sock.ID, threadID)
		a.send(sock, websocket.TextMessage, protocol.Encode(protocol.ThreadFrame{
			Type:     protocol.TypeSubscribed,
			ThreadID: threadID,
		}))
		a.logger.Debug("subscribed", "socket_id", sock.ID, "role", sock.Role, "thread_id", threadID)

		if isClient {
			frame := protocol.Encode(protocol.ThreadFrame{
				Type:     protocol.TypeClientSubscribed,
				ThreadID: threadID,
			})
			for _, id := range a.anchorSubs.Subscribers(threadID) {
				if target, ok := a.sockets[id]; ok {
					a.send(target, websocket.TextMessage, frame)
				}
			}
		}
		return true

	case protocol.TypeUnsubscribe:
		threadID := msg.String("threadId")
		if threadID == "" {
			return false
		}
		a.index(sock.Role).Unsubscribe(sock.ID, threadID)
		a.logger.Debug("unsubscribed", "socket_id", sock.ID, "role", sock.Role, "thread_id", threadID)
		return true

	case protocol.TypeListAnchors:
		if !isClient {
			return false
		}
		a.send(sock, websocket.TextMessage, protocol.Encode(protocol.AnchorList{
			Type:    protocol.TypeAnchors,
			Anchors: a.anchorMeta(),
		}))
		return true

	case protocol.TypePushSubscribe:
		if !isClient {
			return false
		}
		endpoint, p256dh, auth := msg.String("endpoint"), msg.String("p256dh"), msg.String("auth")
		if a.push != nil && endpoint != "" && p256dh != "" && auth != "" {
			a.push.Subscribe(a.userID, endpoint, p256dh, auth)
		}
		return true

	case protocol.TypePushUnsubscribe:
		if !isClient {
			return false
		}
		if endpoint := msg.String("endpoint"); a.push != nil && endpoint != "" {
			a.push.Unsubscribe(a.userID, endpoint)
		}
		return true

	case protocol.TypePushTest:
		if !isClient {
			return false
		}
		if a.push != nil {
			a.push.SendTest(a.userID)
		}
		return true
	}
	return false
}

func (a *Actor) handleAnchorHello(sock *Socket, msg protocol.Message) bool {
	if sock.Role != protocol.RoleAnchor || msg.Type() != protocol.TypeAnchorHello {
		return false
	}

	meta := &protocol.AnchorMeta{
		ID:          uuid.New().String(),
		Hostname:    stringOr(msg, "hostname", "unknown"),
		Platform:    stringOr(msg, "platform", "unknown"),
		ConnectedAt: stringOr(msg, "ts", protocol.Timestamp(a.now())),
	}
	sock.anchor = meta
	a.logger.Info("anchor hello", "socket_id", sock.ID, "anchor_id", meta.ID, "hostname", meta.Hostname, "platform", meta.Platform)

	a.broadcast(protocol.RoleClient, websocket.TextMessage, protocol.Encode(protocol.AnchorConnected{
		Type:   protocol.TypeAnchorConnected,
		Anchor: *meta,
	}))
	return true
}

// --- Routing ---

// route forwards the original bytes. Client frames go to every anchor.
// Anchor frames go to the thread's subscribers, or to every client when the
// thread is unknown or has nobody watching yet.
func (a *Actor) route(from *Socket, msgType int, data []byte, msg protocol.Message) {
	if from.Role == protocol.RoleClient {
		// TODO: route by thread once anchors announce which threads they serve; every anchor sees every client frame today.
		a.broadcast(protocol.RoleAnchor, msgType, data)
		return
	}

	threadID := ""
	if msg != nil {
		threadID = msg.ThreadID()
	}

	delivered := false
	if threadID != "" {
		for _, id := range a.clientSubs.Subscribers(threadID) {
			if target, ok := a.sockets[id]; ok {
				a.send(target, msgType, data)
				delivered = true
			}
		}
	}
	if !delivered {
		a.broadcast(protocol.RoleClient, msgType, data)
	}

	if msg != nil && a.push != nil {
		a.push.Notify(a.userID, msg, msg.Method(), threadID)
	}
}

func (a *Actor) broadcast(role protocol.Role, msgType int, data []byte) {
	for _, sock := range a.sockets {
		if sock.Role == role {
			a.send(sock, msgType, data)
		}
	}
}

// send queues a frame for one socket. A socket whose outbox is full is
// too slow to keep up and is disconnected; other sockets are unaffected.
func (a *Actor) send(sock *Socket, msgType int, data []byte) {
	if sock.state != stateOpen || data == nil {
		return
	}
	if sock.enqueue(msgType, data) {
		return
	}
	a.logger.Warn("socket send buffer full, dropping connection", "socket_id", sock.ID, "role", sock.Role, "buffered", a.sendBuf)
	a.remove(sock)
	sock.close(CloseTryAgainLater, "Send buffer full")
}

func (a *Actor) index(role protocol.Role) *SubscriptionIndex {
	if role == protocol.RoleClient {
		return a.clientSubs
	}
	return a.anchorSubs
}

func (a *Actor) anchorMeta() []protocol.AnchorMeta {
	metas := []protocol.AnchorMeta{}
	for _, sock := range a.sockets {
		if sock.Role == protocol.RoleAnchor && sock.anchor != nil {
			metas = append(metas, *sock.anchor)
		}
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].ConnectedAt != metas[j].ConnectedAt {
			return metas[i].ConnectedAt < metas[j].ConnectedAt
		}
		return metas[i].ID < metas[j].ID
	})
	return metas
}

func stringOr(msg protocol.Message, key, def string) string {
	if v, ok := msg[key].(string); ok {
		return v
	}
	return def
}
