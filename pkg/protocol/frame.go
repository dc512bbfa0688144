package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Message is a frame that decoded to a JSON object. Field access is
// deliberately loose: the application protocol evolves independently of the
// relay, so only a handful of fields are ever looked at.
type Message map[string]any

// Parse decodes a frame into a Message. Frames that are not a JSON object
// (including arrays, scalars and non-JSON bytes) yield ok == false and are
// treated as opaque by the relay.
func Parse(data []byte) (Message, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return m, m != nil
}

// IsPing reports whether data is the literal heartbeat frame.
func IsPing(data []byte) bool {
	return string(bytes.TrimSpace(data)) == PingFrame
}

// String returns the string value of key, or "" when absent or not a string.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Type returns the "type" field.
func (m Message) Type() string {
	return m.String("type")
}

// Method returns "method" when it is a non-blank string, else "type".
func (m Message) Method() string {
	if s := m.String("method"); strings.TrimSpace(s) != "" {
		return s
	}
	if s := m.Type(); strings.TrimSpace(s) != "" {
		return s
	}
	return ""
}

// ThreadID returns the first usable thread id, looking at the top level,
// then params, then result, then a nested thread object.
func (m Message) ThreadID() string {
	params := asObject(m["params"])
	result := asObject(m["result"])
	return firstID(
		m["threadId"], m["thread_id"],
		params["threadId"], params["thread_id"],
		result["threadId"], result["thread_id"],
		asObject(params["thread"])["id"],
		asObject(result["thread"])["id"],
	)
}

// TurnID returns the first usable turn id, using the same lookup order as
// ThreadID with a nested turn object.
func (m Message) TurnID() string {
	params := asObject(m["params"])
	result := asObject(m["result"])
	return firstID(
		m["turnId"], m["turn_id"],
		params["turnId"], params["turn_id"],
		result["turnId"], result["turn_id"],
		asObject(params["turn"])["id"],
		asObject(result["turn"])["id"],
	)
}

// Object returns the nested object under key, or nil.
func (m Message) Object(key string) Message {
	return asObject(m[key])
}

func asObject(v any) Message {
	switch o := v.(type) {
	case Message:
		return o
	case map[string]any:
		return o
	}
	return nil
}

// firstID returns the first candidate that is a non-blank string or a
// number. Numbers are rendered exactly as they appeared on the wire.
func firstID(candidates ...any) string {
	for _, c := range candidates {
		switch v := c.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		}
	}
	return ""
}
