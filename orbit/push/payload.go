// Package push delivers Web Push notifications for frames that need the
// user's attention while no client is looking.
package push

import (
	"strings"

	"github.com/zane-ai/zane/pkg/protocol"
)

// Payload is the JSON body the service worker receives.
type Payload struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	ThreadID  string `json:"threadId"`
	ActionURL string `json:"actionUrl"`
}

// IsPushWorthy reports whether a frame with this method blocks on the user.
func IsPushWorthy(method string) bool {
	return strings.HasSuffix(method, "/requestApproval") || method == "item/tool/requestUserInput"
}

// BuildPayload describes a push-worthy frame for the notification tray.
func BuildPayload(msg protocol.Message, method, threadID string) Payload {
	params := msg.Object("params")
	reason := params.String("reason")

	p := Payload{
		Type:      "approval",
		Title:     "Approval Required",
		Body:      orDefault(reason, "An action requires your approval"),
		ThreadID:  threadID,
		ActionURL: "/app",
	}
	if threadID != "" {
		p.ActionURL = "/thread/" + threadID
	}

	switch method {
	case "item/fileChange/requestApproval":
		p.Title = "File Change Approval"
		p.Body = orDefault(reason, "A file change needs your approval")
	case "item/commandExecution/requestApproval":
		p.Title = "Command Approval"
		p.Body = orDefault(reason, "A command needs your approval")
	case "item/mcpToolCall/requestApproval":
		p.Title = "Tool Call Approval"
		p.Body = orDefault(reason, "A tool call needs your approval")
	case "item/tool/requestUserInput":
		p.Type = "user-input"
		p.Title = "Input Required"
		p.Body = orDefault(firstQuestion(params), "Input required")
	}
	return p
}

// TestPayload is sent by orbit.push-test.
func TestPayload() Payload {
	return Payload{
		Type:      "test",
		Title:     "Test Notification",
		Body:      "Push notifications are working!",
		ActionURL: "/app",
	}
}

func firstQuestion(params protocol.Message) string {
	questions, _ := params["questions"].([]any)
	if len(questions) == 0 {
		return ""
	}
	q, ok := questions[0].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := q["question"].(string)
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
