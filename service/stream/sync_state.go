package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisSyncStore keeps one JSON value per (user, client) with a TTL that is
// refreshed on every Put. Expiry means "treat as never seen", not an error.
// Put never lowers a stored cursor for the same conversation: a session
// whose cursor load failed replays from the beginning, and its flushes must
// not clobber the higher cursor an earlier connection persisted. Each
// connection is the single writer of its own key, so read-compare-write is
// enough here; overlapping same-client reconnects at worst re-deliver.
type RedisSyncStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSyncStore(rdb *redis.Client, ttl time.Duration) *RedisSyncStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisSyncStore{rdb: rdb, ttl: ttl}
}

func (s *RedisSyncStore) Get(ctx context.Context, userID, clientID string) (*SyncState, error) {
	key := ClientStateKey(userID, clientID)
	raw, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	var st SyncState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		// A corrupt record is indistinguishable from a missing one for the
		// caller: catch-up falls back to the beginning.
		return nil, nil
	}
	return &st, nil
}

func (s *RedisSyncStore) Put(ctx context.Context, st *SyncState) error {
	cur, err := s.Get(ctx, st.UserID, st.ClientID)
	if err != nil {
		// Cannot prove the write would not regress; the caller retries.
		return errors.Wrap(err, "guard read")
	}
	if cur != nil && cur.ConversationID == st.ConversationID &&
		CompareIDs(st.LastMessageID, cur.LastMessageID) < 0 {
		// Keep the higher cursor, still refresh TTL and LastSyncAt.
		cp := *st
		cp.LastMessageID = cur.LastMessageID
		st = &cp
	}

	key := ClientStateKey(st.UserID, st.ClientID)
	raw, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "marshal sync state")
	}
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}

	// Per-conversation client index, used by the archiver and ops tooling.
	idx := ConversationClientsKey(st.ConversationID)
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, idx, st.ClientID)
	pipe.Expire(ctx, idx, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "index %s", idx)
	}
	return nil
}

// MemSyncStore is the in-memory SyncStore used by tests. The clock is
// injectable so TTL expiry is testable without sleeping.
type MemSyncStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	byKey   map[string]memSyncEntry
	failPut error
	failGet error
}

type memSyncEntry struct {
	st       SyncState
	expireAt time.Time
}

func NewMemSyncStore(ttl time.Duration) *MemSyncStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &MemSyncStore{
		ttl:   ttl,
		now:   time.Now,
		byKey: make(map[string]memSyncEntry),
	}
}

// SetClock replaces the store clock (tests only).
func (s *MemSyncStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailPuts makes subsequent Put calls return err (nil clears).
func (s *MemSyncStore) FailPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = err
}

// FailGets makes subsequent Get calls return err (nil clears). Put fails
// too while set, since it verifies against the stored record first.
func (s *MemSyncStore) FailGets(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGet = err
}

func (s *MemSyncStore) Get(ctx context.Context, userID, clientID string) (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	e, ok := s.byKey[ClientStateKey(userID, clientID)]
	if !ok || s.now().After(e.expireAt) {
		return nil, nil
	}
	cp := e.st
	return &cp, nil
}

func (s *MemSyncStore) Put(ctx context.Context, st *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	if s.failGet != nil {
		return s.failGet
	}
	key := ClientStateKey(st.UserID, st.ClientID)
	if e, ok := s.byKey[key]; ok && !s.now().After(e.expireAt) &&
		e.st.ConversationID == st.ConversationID &&
		CompareIDs(st.LastMessageID, e.st.LastMessageID) < 0 {
		cp := *st
		cp.LastMessageID = e.st.LastMessageID
		st = &cp
	}
	s.byKey[key] = memSyncEntry{
		st:       *st,
		expireAt: s.now().Add(s.ttl),
	}
	return nil
}
