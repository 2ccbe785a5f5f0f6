package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Beginning is the sentinel cursor meaning "start of retained history".
const Beginning = "0"

// Event is one appended entry of a conversation log. ID is assigned by the
// log at append time; its numeric (ms-seq) order is the delivery order.
// Ephemeral events (typing and the like) ride the same fan-out path but are
// never durable and never move a cursor.
type Event struct {
	ConversationID string
	ID             string
	Payload        []byte
	ProducedAt     int64 // unix millis
	Ephemeral      bool
}

// Log is the durable per-conversation append log.
//
// Append assigns an id strictly greater than every prior id of that
// conversation. An Append error means "message not delivered"; there is no
// partial success the caller may rely on.
//
// ReadSince returns entries with id strictly greater than afterID in
// ascending order. Zero entries is a normal outcome. Entries older than the
// retention window are not guaranteed retrievable; falling back to "resync
// from latest" is the caller's call, not the log's.
type Log interface {
	Append(ctx context.Context, conversationID string, payload []byte) (string, error)
	ReadSince(ctx context.Context, conversationID, afterID string) ([]Event, error)
}

// SyncState is a device's persisted position in one conversation stream.
type SyncState struct {
	ClientID       string `json:"client_id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	LastMessageID  string `json:"last_message_id"`
	LastSyncAt     int64  `json:"last_sync_at"`
}

// SyncStore persists SyncState keyed by (user_id, client_id) with a TTL.
// Get returns (nil, nil) for a never-seen or expired identity. Put refuses
// to lower the stored cursor for the same conversation, so successive
// persisted cursors never decrease even across overlapping sessions.
type SyncStore interface {
	Get(ctx context.Context, userID, clientID string) (*SyncState, error)
	Put(ctx context.Context, st *SyncState) error
}

// CompareIDs orders two stream entry ids ("<ms>-<seq>"). The sentinel "0"
// and the empty string sort before everything.
func CompareIDs(a, b string) int {
	ams, aseq := parseID(a)
	bms, bseq := parseID(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}

func parseID(id string) (ms, seq uint64) {
	if id == "" || id == Beginning {
		return 0, 0
	}
	if i := strings.IndexByte(id, '-'); i >= 0 {
		ms, _ = strconv.ParseUint(id[:i], 10, 64)
		seq, _ = strconv.ParseUint(id[i+1:], 10, 64)
		return ms, seq
	}
	ms, _ = strconv.ParseUint(id, 10, 64)
	return ms, 0
}

// StreamKey is the per-conversation log key.
func StreamKey(conversationID string) string {
	return fmt.Sprintf("stream:conversation:%s", conversationID)
}

// FanoutKey is the shared stream every instance tails for live delivery.
func FanoutKey() string {
	return "stream:fanout:all-conversations"
}

// ClientStateKey is where a device's sync state lives.
func ClientStateKey(userID, clientID string) string {
	return fmt.Sprintf("client:sync:%s:%s", userID, clientID)
}

// ConversationClientsKey indexes client ids seen in a conversation.
func ConversationClientsKey(conversationID string) string {
	return fmt.Sprintf("conversation:clients:%s", conversationID)
}
