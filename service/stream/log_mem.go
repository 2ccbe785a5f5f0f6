package stream

import (
	"context"
	"strconv"
	"sync"
)

// MemLog is an in-memory Log used by tests and single-process tooling.
// IDs are assigned as "<n>-0" with n strictly increasing per conversation.
type MemLog struct {
	mu         sync.RWMutex
	entries    map[string][]Event
	nextSeq    map[string]int64
	failAppend error
	failRead   error
}

func NewMemLog() *MemLog {
	return &MemLog{
		entries: make(map[string][]Event),
		nextSeq: make(map[string]int64),
	}
}

// FailReads makes subsequent ReadSince calls return err (nil clears).
func (l *MemLog) FailReads(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failRead = err
}

// FailAppends makes subsequent Append calls return err (nil clears).
func (l *MemLog) FailAppends(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAppend = err
}

func (l *MemLog) Append(ctx context.Context, conversationID string, payload []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAppend != nil {
		return "", l.failAppend
	}
	n := l.nextSeq[conversationID] + 1
	l.nextSeq[conversationID] = n
	id := formatSeqID(n)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.entries[conversationID] = append(l.entries[conversationID], Event{
		ConversationID: conversationID,
		ID:             id,
		Payload:        cp,
	})
	return id, nil
}

func (l *MemLog) ReadSince(ctx context.Context, conversationID, afterID string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.failRead != nil {
		return nil, l.failRead
	}
	var out []Event
	for _, ev := range l.entries[conversationID] {
		if CompareIDs(ev.ID, afterID) > 0 {
			out = append(out, ev)
		}
	}
	return out, nil
}

func formatSeqID(n int64) string {
	// matches the ms-seq shape without pretending to be a timestamp
	return strconv.FormatInt(n, 10) + "-0"
}
