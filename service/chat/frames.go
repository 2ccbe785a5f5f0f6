package chat

import (
	"encoding/json"
	"fmt"

	decode "PSync/tools/decode"
)

// Inbound frame types. Anything else is ignored.
const (
	FrameTyping = "typing"
)

// inboundFrame is a tagged client frame: {"type": "...", ...fields}.
type inboundFrame struct {
	Type   string
	Fields map[string]any
}

// TypingPayload is the ephemeral typing signal.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ParseFrame decodes a text frame into its tag and raw fields.
func ParseFrame(raw []byte) (*inboundFrame, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	t, _ := m["type"].(string)
	if t == "" {
		return nil, fmt.Errorf("frame missing type tag")
	}
	return &inboundFrame{Type: t, Fields: m}, nil
}

func (f *inboundFrame) Typing() (*TypingPayload, error) {
	return decode.DecodeMap[TypingPayload](f.Fields)
}
