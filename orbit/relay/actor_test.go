package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zane-ai/zane/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type frame struct {
	msgType int
	data    string
}

// fakeTransport records everything written to it.
type fakeTransport struct {
	mu      sync.Mutex
	frames  []frame
	closed  bool
	code    int
	reason  string
	sendErr error
}

func (f *fakeTransport) Send(msgType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame{msgType: msgType, data: string(data)})
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed, f.code, f.reason = true, code, reason
	return nil
}

func (f *fakeTransport) sent() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.frames...)
}

// types returns the "type" of every JSON frame sent.
func (f *fakeTransport) types() []string {
	var out []string
	for _, fr := range f.sent() {
		if m, ok := protocol.Parse([]byte(fr.data)); ok {
			out = append(out, m.Type())
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func (f *fakeTransport) isClosed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code, f.reason
}

type recorded struct {
	userID string
	dir    protocol.Direction
	method string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *fakeRecorder) Record(userID string, dir protocol.Direction, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{userID: userID, dir: dir, method: msg.Method()})
}

type fakePush struct {
	mu           sync.Mutex
	notified     []string // method:threadID
	tests        int
	subscribed   []string
	unsubscribed []string
}

func (p *fakePush) Notify(_ string, _ protocol.Message, method, threadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notified = append(p.notified, method+":"+threadID)
}

func (p *fakePush) SendTest(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tests++
}

func (p *fakePush) Subscribe(_ string, endpoint, _, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed = append(p.subscribed, endpoint)
}

func (p *fakePush) Unsubscribe(_ string, endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribed = append(p.unsubscribed, endpoint)
}

type harness struct {
	t        *testing.T
	actor    *Actor
	recorder *fakeRecorder
	push     *fakePush
	sockets  []*Socket
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, recorder: &fakeRecorder{}, push: &fakePush{}}
	h.actor = NewActor("user-1", testLogger(), ActorOptions{
		InboxSize: 16,
		Recorder:  h.recorder,
		Push:      h.push,
		Now:       func() time.Time { return testNow },
	})
	t.Cleanup(func() { h.actor.Stop(CloseGoingAway, "") })
	return h
}

func (h *harness) connect(id string, role protocol.Role, clientID string) *fakeTransport {
	h.t.Helper()
	tr := &fakeTransport{}
	h.register(NewSocket(id, role, clientID, tr))
	return tr
}

func (h *harness) register(sock *Socket) {
	h.t.Helper()
	if err := h.actor.Register(sock); err != nil {
		h.t.Fatalf("Register(%s): %v", sock.ID, err)
	}
	h.sockets = append(h.sockets, sock)
	flush(h.t, sock)
}

// flush waits until the socket's writer has drained its outbox, and for a
// closed socket, until the writer has exited.
func flush(t *testing.T, sock *Socket) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for sock.pending.Load() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("socket %s: %d frames still pending", sock.ID, sock.pending.Load())
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-sock.stop:
		select {
		case <-sock.exited:
		case <-time.After(2 * time.Second):
			t.Fatalf("socket %s: writer did not exit", sock.ID)
		}
	default:
	}
}

func (h *harness) send(id, data string) {
	h.t.Helper()
	if err := h.actor.Receive(id, websocket.TextMessage, []byte(data)); err != nil {
		h.t.Fatalf("Receive(%s): %v", id, err)
	}
}

// sync waits until every event submitted so far has been handled and
// every resulting frame has been written.
func (h *harness) sync() Stats {
	h.t.Helper()
	s, err := h.actor.Stats()
	if err != nil {
		h.t.Fatalf("Stats: %v", err)
	}
	for _, sock := range h.sockets {
		flush(h.t, sock)
	}
	return s
}

func TestActor_HelloOnRegister(t *testing.T) {
	h := newHarness(t)
	tr := h.connect("c1", protocol.RoleClient, "")

	frames := tr.sent()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	var hello protocol.Hello
	if err := json.Unmarshal([]byte(frames[0].data), &hello); err != nil {
		t.Fatal(err)
	}
	if hello.Type != protocol.TypeHello || hello.Role != protocol.RoleClient || hello.TS != "2026-03-01T12:00:00.000Z" {
		t.Errorf("hello = %+v", hello)
	}
}

func TestActor_Heartbeat(t *testing.T) {
	h := newHarness(t)
	client := h.connect("c1", protocol.RoleClient, "")
	anchor := h.connect("a1", protocol.RoleAnchor, "")
	client.reset()
	anchor.reset()

	h.send("c1", "  {\"type\":\"ping\"}\n")
	h.send("c1", `{"type": "ping"}`) // not the exact literal, routed
	h.sync()

	got := client.sent()
	if len(got) != 1 || got[0].data != protocol.PongFrame {
		t.Errorf("client frames = %v, want one pong", got)
	}
	if a := anchor.sent(); len(a) != 1 || a[0].data != `{"type": "ping"}` {
		t.Errorf("anchor frames = %v, want the non-literal ping routed", a)
	}
	if len(h.recorder.events) != 1 {
		t.Errorf("recorded %d events, want 1 (heartbeat is never logged)", len(h.recorder.events))
	}
}

func TestActor_ClientFramesBroadcastToAnchors(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", protocol.RoleClient, "")
	a1 := h.connect("a1", protocol.RoleAnchor, "")
	a2 := h.connect("a2", protocol.RoleAnchor, "")
	c2 := h.connect("c2", protocol.RoleClient, "")
	a1.reset()
	a2.reset()
	c2.reset()

	h.send("c1", `{"id":1,"method":"turn/start","params":{"threadId":"thr_1"}}`)
	if err := h.actor.Receive("c1", websocket.BinaryMessage, []byte{0xff, 0x00}); err != nil {
		t.Fatal(err)
	}
	h.sync()

	for name, tr := range map[string]*fakeTransport{"a1": a1, "a2": a2} {
		frames := tr.sent()
		if len(frames) != 2 {
			t.Fatalf("%s got %d frames, want 2", name, len(frames))
		}
		if frames[0].data != `{"id":1,"method":"turn/start","params":{"threadId":"thr_1"}}` {
			t.Errorf("%s frame = %q, want original bytes", name, frames[0].data)
		}
		if frames[1].msgType != websocket.BinaryMessage {
			t.Errorf("%s opaque frame type = %d, want binary", name, frames[1].msgType)
		}
	}
	if len(c2.sent()) != 0 {
		t.Error("client frame leaked to another client")
	}

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.events) != 1 || h.recorder.events[0].dir != protocol.DirectionClient {
		t.Errorf("recorded = %+v, want one client-direction event", h.recorder.events)
	}
}

func TestActor_AnchorRoutingBySubscription(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("c1", protocol.RoleClient, "")
	c2 := h.connect("c2", protocol.RoleClient, "")
	h.connect("a1", protocol.RoleAnchor, "")

	h.send("c1", `{"type":"orbit.subscribe","threadId":"thr_1"}`)
	h.sync()
	if types := c1.types(); types[len(types)-1] != protocol.TypeSubscribed {
		t.Errorf("c1 did not get orbit.subscribed: %v", types)
	}
	c1.reset()
	c2.reset()

	// Subscribed thread: only c1.
	h.send("a1", `{"method":"item/started","params":{"threadId":"thr_1"}}`)
	// Unsubscribed thread: everyone.
	h.send("a1", `{"method":"item/started","params":{"threadId":"thr_2"}}`)
	// No thread id: everyone.
	h.send("a1", `{"id":7,"result":{}}`)
	// Non-JSON: everyone.
	h.send("a1", `not json`)
	h.sync()

	if got := len(c1.sent()); got != 4 {
		t.Errorf("c1 got %d frames, want 4", got)
	}
	if got := len(c2.sent()); got != 3 {
		t.Errorf("c2 got %d frames, want 3", got)
	}

	// After unsubscribing, thr_1 falls back to broadcast.
	h.send("c1", `{"type":"orbit.unsubscribe","threadId":"thr_1"}`)
	c1.reset()
	c2.reset()
	h.send("a1", `{"method":"item/started","params":{"threadId":"thr_1"}}`)
	h.sync()
	if len(c1.sent()) != 1 || len(c2.sent()) != 1 {
		t.Errorf("after unsubscribe: c1=%d c2=%d, want 1/1", len(c1.sent()), len(c2.sent()))
	}
}

func TestActor_SubscribeRequiresThreadID(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("c1", protocol.RoleClient, "")
	a1 := h.connect("a1", protocol.RoleAnchor, "")
	c1.reset()
	a1.reset()

	h.send("c1", `{"type":"orbit.subscribe","threadId":""}`)
	h.send("c1", `{"type":"orbit.subscribe","threadId":42}`)
	h.send("c1", `{"type":"orbit.subscribe"}`)
	s := h.sync()

	if s.ClientThreads != 0 {
		t.Errorf("ClientThreads = %d, want 0", s.ClientThreads)
	}
	if len(c1.sent()) != 0 {
		t.Errorf("invalid subscribe was acknowledged: %v", c1.types())
	}
	if len(a1.sent()) != 3 {
		t.Errorf("anchor got %d frames, want the 3 invalid subscribes routed", len(a1.sent()))
	}
}

func TestActor_ClientSubscribedNotifiesAnchors(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("c1", protocol.RoleClient, "")
	a1 := h.connect("a1", protocol.RoleAnchor, "")
	a2 := h.connect("a2", protocol.RoleAnchor, "")

	h.send("a1", `{"type":"orbit.subscribe","threadId":"thr_1"}`)
	h.sync()
	if types := a1.types(); types[len(types)-1] != protocol.TypeSubscribed {
		t.Errorf("anchor subscribe not acknowledged: %v", types)
	}
	a1.reset()
	a2.reset()
	c1.reset()

	h.send("c1", `{"type":"orbit.subscribe","threadId":"thr_1"}`)
	s := h.sync()

	if got := a1.sent(); len(got) != 1 || got[0].data != `{"type":"orbit.client-subscribed","threadId":"thr_1"}` {
		t.Errorf("a1 frames = %v", got)
	}
	if len(a2.sent()) != 0 {
		t.Errorf("a2 is not subscribed but got %v", a2.types())
	}
	if s.ClientThreads != 1 || s.AnchorThreads != 1 {
		t.Errorf("stats = %+v", s)
	}

	// An anchor subscribing does not notify anyone else.
	a1.reset()
	c1.reset()
	h.send("a2", `{"type":"orbit.subscribe","threadId":"thr_1"}`)
	h.sync()
	if len(a1.sent()) != 0 || len(c1.sent()) != 0 {
		t.Error("anchor subscribe produced notifications")
	}
}

func TestActor_AnchorHelloAndDisconnect(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("c1", protocol.RoleClient, "")
	h.connect("a1", protocol.RoleAnchor, "")
	h.connect("a2", protocol.RoleAnchor, "")
	c1.reset()

	h.send("a1", `{"type":"anchor.hello","hostname":"devbox","platform":"linux","ts":"2026-03-01T11:00:00.000Z"}`)
	h.send("a2", `{"type":"anchor.hello"}`)
	h.sync()

	frames := c1.sent()
	if len(frames) != 2 {
		t.Fatalf("c1 got %d frames, want 2 anchor-connected", len(frames))
	}
	var first, second protocol.AnchorConnected
	_ = json.Unmarshal([]byte(frames[0].data), &first)
	_ = json.Unmarshal([]byte(frames[1].data), &second)
	if first.Type != protocol.TypeAnchorConnected || first.Anchor.Hostname != "devbox" || first.Anchor.Platform != "linux" || first.Anchor.ConnectedAt != "2026-03-01T11:00:00.000Z" {
		t.Errorf("first = %+v", first)
	}
	if first.Anchor.ID == "" {
		t.Error("anchor id not generated")
	}
	if second.Anchor.Hostname != "unknown" || second.Anchor.Platform != "unknown" || second.Anchor.ConnectedAt != "2026-03-01T12:00:00.000Z" {
		t.Errorf("defaults = %+v", second.Anchor)
	}

	// list-anchors returns both.
	c1.reset()
	h.send("c1", `{"type":"orbit.list-anchors"}`)
	h.sync()
	var list protocol.AnchorList
	if err := json.Unmarshal([]byte(c1.sent()[0].data), &list); err != nil {
		t.Fatal(err)
	}
	if list.Type != protocol.TypeAnchors || len(list.Anchors) != 2 {
		t.Errorf("list = %+v", list)
	}

	// Disconnecting an anchor that said hello announces it.
	c1.reset()
	h.actor.Unregister("a1")
	h.sync()
	if got := c1.sent(); len(got) != 1 || got[0].data != `{"type":"orbit.anchor-disconnected","anchorId":"`+first.Anchor.ID+`"}` {
		t.Errorf("c1 frames = %v", got)
	}
}

func TestActor_AnchorWithoutHelloLeavesQuietly(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("c1", protocol.RoleClient, "")
	h.connect("a1", protocol.RoleAnchor, "")
	c1.reset()

	h.actor.Unregister("a1")
	s := h.sync()
	if len(c1.sent()) != 0 {
		t.Errorf("unexpected frames: %v", c1.types())
	}
	if s.Anchors != 0 {
		t.Errorf("Anchors = %d, want 0", s.Anchors)
	}
}

func TestActor_ClientOnlyControlFromAnchorIsRouted(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("c1", protocol.RoleClient, "")
	a1 := h.connect("a1", protocol.RoleAnchor, "")
	c1.reset()
	a1.reset()

	h.send("a1", `{"type":"orbit.list-anchors"}`)
	h.send("a1", `{"type":"orbit.push-test"}`)
	h.send("a1", `{"type":"anchor.hello"}`)
	h.send("c1", `{"type":"anchor.hello"}`)
	h.sync()

	if got := c1.types(); len(got) != 3 || got[0] != protocol.TypeListAnchors || got[2] != protocol.TypeAnchorConnected {
		t.Errorf("c1 types = %v", got)
	}
	if got := a1.types(); len(got) != 1 || got[0] != protocol.TypeAnchorHello {
		t.Errorf("a1 types = %v, want the client's anchor.hello routed", got)
	}
	if h.push.tests != 0 {
		t.Error("push-test from an anchor reached the dispatcher")
	}
}

func TestActor_PushControlFrames(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", protocol.RoleClient, "")

	h.send("c1", `{"type":"orbit.push-subscribe","endpoint":"https://push.example/1","p256dh":"k","auth":"a"}`)
	h.send("c1", `{"type":"orbit.push-subscribe","endpoint":"https://push.example/2","p256dh":"k"}`)
	h.send("c1", `{"type":"orbit.push-unsubscribe","endpoint":"https://push.example/1"}`)
	h.send("c1", `{"type":"orbit.push-test"}`)
	h.sync()

	h.push.mu.Lock()
	defer h.push.mu.Unlock()
	if len(h.push.subscribed) != 1 || h.push.subscribed[0] != "https://push.example/1" {
		t.Errorf("subscribed = %v", h.push.subscribed)
	}
	if len(h.push.unsubscribed) != 1 {
		t.Errorf("unsubscribed = %v", h.push.unsubscribed)
	}
	if h.push.tests != 1 {
		t.Errorf("tests = %d, want 1", h.push.tests)
	}
}

func TestActor_NotifiesPushForAnchorFrames(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", protocol.RoleClient, "")
	h.connect("a1", protocol.RoleAnchor, "")

	h.send("a1", `{"id":3,"method":"item/commandExecution/requestApproval","params":{"threadId":"thr_1"}}`)
	h.send("a1", `opaque`)
	h.send("c1", `{"method":"item/commandExecution/requestApproval","params":{"threadId":"thr_1"}}`)
	h.sync()

	h.push.mu.Lock()
	defer h.push.mu.Unlock()
	if len(h.push.notified) != 1 || h.push.notified[0] != "item/commandExecution/requestApproval:thr_1" {
		t.Errorf("notified = %v", h.push.notified)
	}
}

func TestActor_ClientIdentityReplacement(t *testing.T) {
	h := newHarness(t)
	old := h.connect("c-old", protocol.RoleClient, "tab-1")
	h.send("c-old", `{"type":"orbit.subscribe","threadId":"thr_1"}`)
	other := h.connect("c-other", protocol.RoleClient, "tab-2")
	h.connect("a1", protocol.RoleAnchor, "")

	fresh := h.connect("c-new", protocol.RoleClient, "tab-1")
	s := h.sync()

	closed, code, reason := old.isClosed()
	if !closed || code != CloseNormal || reason != "Replaced by newer connection" {
		t.Errorf("old socket close = %v/%d/%q", closed, code, reason)
	}
	if closed, _, _ := other.isClosed(); closed {
		t.Error("a different client id was replaced")
	}
	if s.Clients != 2 {
		t.Errorf("Clients = %d, want 2", s.Clients)
	}
	if s.ClientThreads != 0 {
		t.Errorf("replaced socket kept its subscription: %d threads", s.ClientThreads)
	}

	// The old socket's late unregister must not evict the new one.
	h.actor.Unregister("c-old")
	fresh.reset()
	old.reset()
	h.send("a1", `{"method":"item/started","params":{"threadId":"thr_1"}}`)
	h.sync()
	if len(fresh.sent()) != 1 {
		t.Errorf("new socket got %d frames, want 1", len(fresh.sent()))
	}
	if len(old.sent()) != 0 {
		t.Error("replaced socket still receives frames")
	}

	// Frames from the replaced socket are dropped.
	h.send("c-old", `{"method":"turn/start"}`)
	h.sync()
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	for _, ev := range h.recorder.events {
		if ev.method == "turn/start" {
			t.Error("frame from replaced socket was recorded")
		}
	}
}

func TestActor_SendFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", protocol.RoleClient, "")
	h.connect("c2", protocol.RoleClient, "")
	good := h.connect("c3", protocol.RoleClient, "")
	h.connect("a1", protocol.RoleAnchor, "")

	// c4 fails every write; the others must still get the frame.
	broken := &fakeTransport{sendErr: errors.New("broken pipe")}
	h.register(NewSocket("c4", protocol.RoleClient, "", broken))
	good.reset()

	h.send("a1", `{"method":"item/started"}`)
	h.sync()
	if len(good.sent()) != 1 {
		t.Errorf("healthy socket got %d frames, want 1", len(good.sent()))
	}
}

func TestActor_StopClosesSockets(t *testing.T) {
	a := NewActor("user-1", testLogger(), ActorOptions{})
	tr := &fakeTransport{}
	if err := a.Register(NewSocket("c1", protocol.RoleClient, "", tr)); err != nil {
		t.Fatal(err)
	}

	a.Stop(CloseGoingAway, "Server shutting down")
	closed, code, reason := tr.isClosed()
	if !closed || code != CloseGoingAway || reason != "Server shutting down" {
		t.Errorf("close = %v/%d/%q", closed, code, reason)
	}

	if err := a.Receive("c1", websocket.TextMessage, []byte("x")); !errors.Is(err, ErrActorStopped) {
		t.Errorf("Receive after Stop = %v, want ErrActorStopped", err)
	}
	if err := a.Register(NewSocket("c2", protocol.RoleClient, "", &fakeTransport{})); !errors.Is(err, ErrActorStopped) {
		t.Errorf("Register after Stop = %v, want ErrActorStopped", err)
	}
	if _, err := a.Stats(); !errors.Is(err, ErrActorStopped) {
		t.Errorf("Stats after Stop = %v, want ErrActorStopped", err)
	}
	a.Stop(CloseGoingAway, "") // idempotent
}

func TestNewSocket_ClientIDOnlyForClients(t *testing.T) {
	s := NewSocket("a1", protocol.RoleAnchor, "tab-1", &fakeTransport{})
	if s.ClientID != "" {
		t.Errorf("anchor socket kept client id %q", s.ClientID)
	}
}

// blockingTransport holds every Send until release is closed.
type blockingTransport struct {
	fakeTransport
	delay   time.Duration
	release chan struct{}
}

func (b *blockingTransport) Send(msgType int, data []byte) error {
	if b.release != nil {
		<-b.release
	}
	time.Sleep(b.delay)
	return b.fakeTransport.Send(msgType, data)
}

func TestActor_SlowClientDoesNotDelayOthers(t *testing.T) {
	h := newHarness(t)
	healthy := h.connect("c1", protocol.RoleClient, "")
	slow := &blockingTransport{delay: 300 * time.Millisecond}
	slowSock := NewSocket("c2", protocol.RoleClient, "", slow)
	if err := h.actor.Register(slowSock); err != nil {
		t.Fatal(err)
	}
	h.connect("a1", protocol.RoleAnchor, "")
	healthy.reset()

	start := time.Now()
	for i := 0; i < 5; i++ {
		h.send("a1", `{"method":"item/started"}`)
	}
	if _, err := h.actor.Stats(); err != nil {
		t.Fatal(err)
	}
	for len(healthy.sent()) < 5 {
		if time.Since(start) > 250*time.Millisecond {
			t.Fatalf("healthy client got %d of 5 frames after %v", len(healthy.sent()), time.Since(start))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestActor_FullSendBufferDropsSocket(t *testing.T) {
	h := &harness{t: t, recorder: &fakeRecorder{}, push: &fakePush{}}
	h.actor = NewActor("user-1", testLogger(), ActorOptions{
		InboxSize:  16,
		SendBuffer: 2,
		Now:        func() time.Time { return testNow },
	})
	t.Cleanup(func() { h.actor.Stop(CloseGoingAway, "") })

	stuck := &blockingTransport{release: make(chan struct{})}
	stuckSock := NewSocket("c-stuck", protocol.RoleClient, "", stuck)
	if err := h.actor.Register(stuckSock); err != nil {
		t.Fatal(err)
	}
	healthy := h.connect("c1", protocol.RoleClient, "")
	h.connect("a1", protocol.RoleAnchor, "")
	healthy.reset()

	// At most one frame is in the writer and two are queued, so four frames
	// overflow the outbox.
	for i := 0; i < 4; i++ {
		h.send("a1", `{"method":"item/started"}`)
	}
	s := h.sync()
	if s.Clients != 1 {
		t.Errorf("Clients = %d, want 1 after overflow", s.Clients)
	}
	if got := len(healthy.sent()); got != 4 {
		t.Errorf("healthy client got %d frames, want 4", got)
	}

	close(stuck.release)
	flush(t, stuckSock)
	closed, code, reason := stuck.isClosed()
	if !closed || code != CloseTryAgainLater || reason != "Send buffer full" {
		t.Errorf("stuck socket close = %v/%d/%q", closed, code, reason)
	}
}
