package rooms

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request is one inbound client frame. Seq is echoed in the ack so the
// client can match responses to requests.
type Request struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack answers exactly one Request.
type Ack struct {
	Type  string      `json:"type"`
	Seq   int64       `json:"seq"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
	Code  string      `json:"code,omitempty"`
}

// Push is a server-initiated frame carrying an engine event.
type Push struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// OKAck builds a successful ack for seq.
func OKAck(seq int64, data interface{}) *Ack {
	return &Ack{Type: "ack", Seq: seq, OK: true, Data: data}
}

// ErrAck builds a failed ack for seq. Code may be empty.
func ErrAck(seq int64, code, format string, args ...interface{}) *Ack {
	return &Ack{Type: "ack", Seq: seq, OK: false, Error: fmt.Sprintf(format, args...), Code: code}
}

// Dispatcher routes one request frame and returns the ack to send back, or
// nil for no reply. Disconnected fires once when the client's socket closes.
type Dispatcher interface {
	Dispatch(ctx context.Context, client *Client, req *Request) *Ack
	Disconnected(client *Client)
}
