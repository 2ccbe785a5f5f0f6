package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemSyncStoreNeverSeen(t *testing.T) {
	s := NewMemSyncStore(0)
	st, err := s.Get(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st != nil {
		t.Fatalf("got %+v for never-seen identity, want nil", st)
	}
}

func TestMemSyncStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemSyncStore(0)

	in := &SyncState{
		ClientID:       "c1",
		UserID:         "u1",
		ConversationID: "conv-1",
		LastMessageID:  "3-0",
		LastSyncAt:     time.Now().Unix(),
	}
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}

	out, err := s.Get(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out == nil || out.LastMessageID != "3-0" || out.ConversationID != "conv-1" {
		t.Fatalf("got %+v", out)
	}

	// Different client id of the same user is independent.
	if other, _ := s.Get(ctx, "u1", "c2"); other != nil {
		t.Fatalf("c2 should be unseen, got %+v", other)
	}
}

func TestMemSyncStorePutNeverLowersCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemSyncStore(0)

	put := func(conv, id string) {
		t.Helper()
		if err := s.Put(ctx, &SyncState{ClientID: "c1", UserID: "u1", ConversationID: conv, LastMessageID: id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	put("conv-1", "3-0")
	// A session that lost its cursor replays from the start and flushes a
	// lower id; the stored cursor must hold.
	put("conv-1", "1-0")
	if st, _ := s.Get(ctx, "u1", "c1"); st == nil || st.LastMessageID != "3-0" {
		t.Fatalf("cursor regressed: %+v", st)
	}

	put("conv-1", "4-0")
	if st, _ := s.Get(ctx, "u1", "c1"); st == nil || st.LastMessageID != "4-0" {
		t.Fatalf("cursor did not advance: %+v", st)
	}

	// Switching conversation is a fresh position, not a regression.
	put("conv-2", "1-0")
	if st, _ := s.Get(ctx, "u1", "c1"); st == nil || st.ConversationID != "conv-2" || st.LastMessageID != "1-0" {
		t.Fatalf("conversation switch rejected: %+v", st)
	}
}

func TestMemSyncStoreHeldBackPutStillRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemSyncStore(30 * 24 * time.Hour)

	now := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return now })

	if err := s.Put(ctx, &SyncState{ClientID: "c1", UserID: "u1", ConversationID: "conv-1", LastMessageID: "3-0"}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(29 * 24 * time.Hour)
	if err := s.Put(ctx, &SyncState{ClientID: "c1", UserID: "u1", ConversationID: "conv-1", LastMessageID: "1-0"}); err != nil {
		t.Fatal(err)
	}

	// The lower id was held back, but the record is alive past the first TTL.
	now = now.Add(2 * 24 * time.Hour)
	st, _ := s.Get(ctx, "u1", "c1")
	if st == nil || st.LastMessageID != "3-0" {
		t.Fatalf("state = %+v, want live 3-0", st)
	}
}

func TestMemSyncStorePutFailsWhenGuardReadFails(t *testing.T) {
	ctx := context.Background()
	s := NewMemSyncStore(0)
	if err := s.Put(ctx, &SyncState{ClientID: "c1", UserID: "u1", ConversationID: "conv-1", LastMessageID: "3-0"}); err != nil {
		t.Fatal(err)
	}

	// When the store cannot verify the write would not regress, it refuses.
	s.FailGets(errors.New("redis timeout"))
	if err := s.Put(ctx, &SyncState{ClientID: "c1", UserID: "u1", ConversationID: "conv-1", LastMessageID: "1-0"}); err == nil {
		t.Fatal("unverifiable put accepted")
	}
	s.FailGets(nil)
	if st, _ := s.Get(ctx, "u1", "c1"); st == nil || st.LastMessageID != "3-0" {
		t.Fatalf("state = %+v, want untouched 3-0", st)
	}
}

func TestMemSyncStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemSyncStore(30 * 24 * time.Hour)

	now := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return now })

	if err := s.Put(ctx, &SyncState{ClientID: "c1", UserID: "u1", ConversationID: "conv-1", LastMessageID: "7-0"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// 29 days later: still there.
	now = now.Add(29 * 24 * time.Hour)
	if st, _ := s.Get(ctx, "u1", "c1"); st == nil {
		t.Fatal("cursor gone before TTL")
	}

	// Touching it refreshes the TTL.
	if err := s.Put(ctx, &SyncState{ClientID: "c1", UserID: "u1", ConversationID: "conv-1", LastMessageID: "8-0"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	now = now.Add(29 * 24 * time.Hour)
	if st, _ := s.Get(ctx, "u1", "c1"); st == nil || st.LastMessageID != "8-0" {
		t.Fatalf("refreshed cursor missing, got %+v", st)
	}

	// 31 days untouched: absent, treated as never seen.
	now = now.Add(31 * 24 * time.Hour)
	st, err := s.Get(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st != nil {
		t.Fatalf("expired cursor still visible: %+v", st)
	}
}
