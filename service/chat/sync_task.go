package chat

import (
	"context"
	"time"

	"PSync/logger"
	"PSync/service/stream"
)

// syncTask persists the connection's cursor every interval. It only ever
// reads the shared cell; the session loop is the only writer. A failed Put
// is logged and retried on the next tick, it never terminates the
// connection.
type syncTask struct {
	store    stream.SyncStore
	cell     *cursorCell
	p        Params
	interval time.Duration
}

func (t *syncTask) run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.flush(ctx)
		}
	}
}

func (t *syncTask) flush(ctx context.Context) {
	st := &stream.SyncState{
		ClientID:       t.p.ClientID,
		UserID:         t.p.UserID,
		ConversationID: t.p.ConversationID,
		LastMessageID:  t.cell.Get(),
		LastSyncAt:     time.Now().Unix(),
	}
	if err := t.store.Put(ctx, st); err != nil {
		logger.Warnf("[sync] cursor persist failed user=%s client=%s: %v", t.p.UserID, t.p.ClientID, err)
	}
}
