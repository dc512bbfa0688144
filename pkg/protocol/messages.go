// Package protocol defines the wire protocol exchanged between orbit, UI
// clients and anchors over WebSocket.
//
// Control frames are JSON objects with a "type" field in the orbit.* (relay)
// or anchor.* (anchor handshake) namespace. Everything else is an
// application frame that the relay forwards without interpretation, apart
// from the few fields it extracts for routing, logging and push.
package protocol

import (
	"encoding/json"
	"time"
)

// Role identifies which side of the relay a socket belongs to.
type Role string

const (
	RoleClient Role = "client"
	RoleAnchor Role = "anchor"
)

// Direction tags a logged frame with the side it travelled towards.
// Client-to-anchor frames are "client", anchor-to-client frames are "server".
type Direction string

const (
	DirectionClient Direction = "client"
	DirectionServer Direction = "server"
)

// DirectionFrom returns the log direction for a frame sent by role.
func DirectionFrom(role Role) Direction {
	if role == RoleClient {
		return DirectionClient
	}
	return DirectionServer
}

// Message types.
const (
	TypePing = "ping"
	TypePong = "pong"

	TypeHello              = "orbit.hello"
	TypeSubscribe          = "orbit.subscribe"
	TypeUnsubscribe        = "orbit.unsubscribe"
	TypeSubscribed         = "orbit.subscribed"
	TypeClientSubscribed   = "orbit.client-subscribed"
	TypeListAnchors        = "orbit.list-anchors"
	TypeAnchors            = "orbit.anchors"
	TypeAnchorConnected    = "orbit.anchor-connected"
	TypeAnchorDisconnected = "orbit.anchor-disconnected"
	TypePushSubscribe      = "orbit.push-subscribe"
	TypePushUnsubscribe    = "orbit.push-unsubscribe"
	TypePushTest           = "orbit.push-test"

	TypeAnchorHello = "anchor.hello"
)

// PingFrame is the literal heartbeat frame. Only an exact match (after
// trimming whitespace) is treated as a heartbeat.
const PingFrame = `{"type":"ping"}`

// PongFrame is the heartbeat reply.
const PongFrame = `{"type":"pong"}`

// Hello is sent by the relay to every socket once it is registered.
type Hello struct {
	Type string `json:"type"`
	Role Role   `json:"role"`
	TS   string `json:"ts"`
}

// ThreadFrame is the shape of orbit.subscribe, orbit.unsubscribe,
// orbit.subscribed and orbit.client-subscribed.
type ThreadFrame struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId"`
}

// AnchorMeta describes one connected anchor socket.
type AnchorMeta struct {
	ID          string `json:"id"`
	Hostname    string `json:"hostname"`
	Platform    string `json:"platform"`
	ConnectedAt string `json:"connectedAt"`
}

// AnchorHello is sent by an anchor right after it connects.
type AnchorHello struct {
	Type     string `json:"type"`
	TS       string `json:"ts,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// AnchorConnected is broadcast to clients when an anchor says hello.
type AnchorConnected struct {
	Type   string     `json:"type"`
	Anchor AnchorMeta `json:"anchor"`
}

// AnchorDisconnected is broadcast to clients when a known anchor goes away.
type AnchorDisconnected struct {
	Type     string `json:"type"`
	AnchorID string `json:"anchorId"`
}

// AnchorList answers orbit.list-anchors.
type AnchorList struct {
	Type    string       `json:"type"`
	Anchors []AnchorMeta `json:"anchors"`
}

// PushSubscription is the body of orbit.push-subscribe.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// Timestamp formats t the way every orbit frame carries time.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Encode marshals a control frame. Control frames are plain structs, so a
// marshal error means a programming bug; it is reported as an empty frame.
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
