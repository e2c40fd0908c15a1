package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

// FrameKind tags a decoded inbound frame.
type FrameKind int

const (
	FrameStatus FrameKind = iota
	FrameMessage
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameMessage:
		return "message"
	case FrameError:
		return "error"
	default:
		return "status"
	}
}

// Frame is one decoded inbound websocket frame. Exactly one of Message
// (FrameMessage) or Error (FrameError) is meaningful; status frames carry
// only Type and Raw.
type Frame struct {
	Kind    FrameKind
	Type    string
	Message models.Message
	Error   string
	Raw     json.RawMessage
}

// DecodeFrame classifies a raw frame. A truthy "error" field wins over
// everything else, then type "message" with an object "data" payload,
// and any other well-formed object is a status frame.
func DecodeFrame(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Frame{}, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	raw := json.RawMessage(data)
	typ := root.Get("type").String()

	if e := root.Get("error"); truthy(e) {
		return Frame{Kind: FrameError, Type: typ, Error: e.String(), Raw: raw}, nil
	}

	if typ != "message" {
		return Frame{Kind: FrameStatus, Type: typ, Raw: raw}, nil
	}

	payload := root.Get("data")
	if !payload.IsObject() {
		return Frame{}, fmt.Errorf("%w: message frame without data object", ErrMalformedFrame)
	}

	var msg models.Message
	if err := json.Unmarshal([]byte(payload.Raw), &msg); err != nil {
		return Frame{}, fmt.Errorf("%w: decoding message: %w", ErrMalformedFrame, err)
	}

	return Frame{Kind: FrameMessage, Type: typ, Message: msg, Raw: raw}, nil
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	default:
		return r.Exists()
	}
}
