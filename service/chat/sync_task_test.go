package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"PSync/service/stream"
)

func TestSyncTaskFlushWritesCell(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemSyncStore(0)
	cell := &cursorCell{}
	cell.Reset("3-0")

	task := &syncTask{
		store:    store,
		cell:     cell,
		p:        Params{ConversationID: "conv-1", UserID: "u1", ClientID: "c1"},
		interval: time.Minute,
	}
	task.flush(ctx)

	st, err := store.Get(ctx, "u1", "c1")
	if err != nil || st == nil {
		t.Fatalf("get: %+v err=%v", st, err)
	}
	if st.LastMessageID != "3-0" || st.ConversationID != "conv-1" {
		t.Fatalf("state = %+v", st)
	}
}

func TestSyncTaskRetriesAfterFailedFlush(t *testing.T) {
	ctx := context.Background()
	store := stream.NewMemSyncStore(0)
	cell := &cursorCell{}
	cell.Reset("1-0")

	task := &syncTask{
		store:    store,
		cell:     cell,
		p:        Params{ConversationID: "conv-1", UserID: "u1", ClientID: "c1"},
		interval: time.Minute,
	}

	// A failed persist is tolerated; the next flush carries the newer cursor.
	store.FailPuts(errors.New("redis down"))
	task.flush(ctx)
	if st, _ := store.Get(ctx, "u1", "c1"); st != nil {
		t.Fatalf("failed put still stored: %+v", st)
	}

	store.FailPuts(nil)
	cell.Advance("2-0")
	task.flush(ctx)
	st, _ := store.Get(ctx, "u1", "c1")
	if st == nil || st.LastMessageID != "2-0" {
		t.Fatalf("state = %+v, want 2-0", st)
	}
}

func TestSyncTaskRunStopsOnCancel(t *testing.T) {
	store := stream.NewMemSyncStore(0)
	cell := &cursorCell{}
	cell.Reset("1-0")

	task := &syncTask{
		store:    store,
		cell:     cell,
		p:        Params{ConversationID: "conv-1", UserID: "u1", ClientID: "c1"},
		interval: 10 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		task.run(ctx)
		close(done)
	}()

	waitFor(t, "periodic flush", func() bool {
		st, _ := store.Get(context.Background(), "u1", "c1")
		return st != nil && st.LastMessageID == "1-0"
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sync task did not stop")
	}
}
