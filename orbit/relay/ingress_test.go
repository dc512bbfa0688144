package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zane-ai/zane/orbit/auth"
	"github.com/zane-ai/zane/pkg/protocol"
)

const (
	ingressWebSecret    = "ingress-web-secret-0123456789abcdef"
	ingressAnchorSecret = "ingress-anchor-secret-0123456789abc"
)

func newTestRelay(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	v := auth.NewVerifier(auth.Options{WebSecret: ingressWebSecret, AnchorSecret: ingressAnchorSecret}, testLogger())
	reg := NewRegistry(testLogger(), time.Minute, ActorOptions{})
	r := New(v, reg, testLogger(), Options{WriteTimeout: time.Second})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/client", r.HandleClientWS)
	mux.HandleFunc("/ws/anchor", r.HandleAnchorWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		reg.Shutdown()
		srv.Close()
	})
	return srv, reg
}

func mint(t *testing.T, kind auth.Kind, sub string) string {
	t.Helper()
	secret := ingressWebSecret
	if kind == auth.KindAnchor {
		secret = ingressAnchorSecret
	}
	tok, err := auth.Mint(kind, secret, sub, time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func dial(t *testing.T, srv *httptest.Server, path, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, ok := protocol.Parse(data)
	if !ok {
		t.Fatalf("not a JSON object: %s", data)
	}
	return msg
}

func TestRelay_EndToEnd(t *testing.T) {
	srv, reg := newTestRelay(t)

	client := dial(t, srv, "/ws/client", "token="+mint(t, auth.KindWeb, "user-1")+"&clientId=tab-1")
	if hello := readJSON(t, client); hello.Type() != protocol.TypeHello || hello.String("role") != "client" {
		t.Fatalf("client hello = %v", hello)
	}
	anchor := dial(t, srv, "/ws/anchor", "token="+mint(t, auth.KindAnchor, "user-1"))
	if hello := readJSON(t, anchor); hello.String("role") != "anchor" {
		t.Fatalf("anchor hello = %v", hello)
	}

	// Heartbeat.
	if err := client.WriteMessage(websocket.TextMessage, []byte(protocol.PingFrame)); err != nil {
		t.Fatal(err)
	}
	if pong := readJSON(t, client); pong.Type() != protocol.TypePong {
		t.Errorf("got %v, want pong", pong)
	}

	// Subscribe then receive the anchor's thread frame.
	sub, _ := json.Marshal(protocol.ThreadFrame{Type: protocol.TypeSubscribe, ThreadID: "thr_1"})
	_ = client.WriteMessage(websocket.TextMessage, sub)
	if ack := readJSON(t, client); ack.Type() != protocol.TypeSubscribed || ack.ThreadID() != "thr_1" {
		t.Errorf("ack = %v", ack)
	}

	_ = anchor.WriteMessage(websocket.TextMessage, []byte(`{"method":"item/started","params":{"threadId":"thr_1"}}`))
	if got := readJSON(t, client); got.Method() != "item/started" {
		t.Errorf("client got %v", got)
	}

	// Client to anchor.
	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"turn/start","params":{"threadId":"thr_1"}}`))
	if got := readJSON(t, anchor); got.Method() != "turn/start" {
		t.Errorf("anchor got %v", got)
	}

	if reg.Len() != 1 {
		t.Errorf("Len = %d, want one actor for user-1", reg.Len())
	}
}

func TestRelay_UsersAreIsolated(t *testing.T) {
	srv, _ := newTestRelay(t)

	other := dial(t, srv, "/ws/client", "token="+mint(t, auth.KindWeb, "user-2"))
	readJSON(t, other) // hello
	anchor := dial(t, srv, "/ws/anchor", "token="+mint(t, auth.KindAnchor, "user-1"))
	readJSON(t, anchor)
	client := dial(t, srv, "/ws/client", "token="+mint(t, auth.KindWeb, "user-1"))
	readJSON(t, client)

	_ = anchor.WriteMessage(websocket.TextMessage, []byte(`{"method":"item/started"}`))
	if got := readJSON(t, client); got.Method() != "item/started" {
		t.Errorf("user-1 client got %v", got)
	}

	_ = other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := other.ReadMessage(); err == nil {
		t.Errorf("user-2 received %s", data)
	}
}

func TestRelay_ClientReplacement(t *testing.T) {
	srv, _ := newTestRelay(t)
	tok := mint(t, auth.KindWeb, "user-1")

	old := dial(t, srv, "/ws/client", "token="+tok+"&clientId=tab-1")
	readJSON(t, old)
	fresh := dial(t, srv, "/ws/client", "token="+tok+"&clientId=tab-1")
	readJSON(t, fresh)

	_ = old.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := old.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure || ce.Text != "Replaced by newer connection" {
		t.Errorf("old socket read err = %v, want close 1000", err)
	}
}

func TestRelay_HandshakeRejections(t *testing.T) {
	srv, _ := newTestRelay(t)
	noSub, err := auth.Mint(auth.KindWeb, ingressWebSecret, "", time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		query    string
		upgrade  bool
		wantCode int
		wantBody string
	}{
		{"no token", "", true, http.StatusUnauthorized, "Unauthorised"},
		{"bad token", "token=garbage", true, http.StatusUnauthorized, "Unauthorised"},
		{"no subject", "token=" + noSub, true, http.StatusUnauthorized, "Unauthorised: missing user identity"},
		{"plain http", "token=" + mint(t, auth.KindWeb, "user-1"), false, http.StatusUpgradeRequired, "Upgrade required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ws/client?"+tt.query, nil)
			if tt.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
				req.Header.Set("Sec-WebSocket-Version", "13")
				req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			buf := new(strings.Builder)
			_, _ = io.Copy(buf, resp.Body)
			if strings.TrimSpace(buf.String()) != tt.wantBody {
				t.Errorf("body = %q, want %q", buf.String(), tt.wantBody)
			}
		})
	}
}

func TestMakeUpgrader_Origins(t *testing.T) {
	up := makeUpgrader([]string{"https://app.zane.dev"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.zane.dev", true},
		{"https://evil.example", false},
		{"", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/client", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := up.CheckOrigin(r); got != tt.want {
			t.Errorf("CheckOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	all := makeUpgrader([]string{"*"})
	r := httptest.NewRequest(http.MethodGet, "/ws/client", nil)
	r.Header.Set("Origin", "https://anything.example")
	if !all.CheckOrigin(r) {
		t.Error("wildcard should allow every origin")
	}
}
