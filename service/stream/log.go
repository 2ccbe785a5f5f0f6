package stream

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"PSync/logger"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// Trim only every trimInterval appends; trimming on every XADD was a
	// measurable Redis bottleneck.
	trimInterval = 100
	// Approximate per-conversation cap, roughly 1-2MB per stream.
	trimMaxLen = 50_000
)

// RedisLog stores each conversation in its own Redis stream and mirrors
// every append into the shared fanout stream that live relays tail.
type RedisLog struct {
	rdb     *redis.Client
	counter atomic.Uint64
}

func NewRedisLog(rdb *redis.Client) *RedisLog {
	return &RedisLog{rdb: rdb}
}

func (l *RedisLog) Append(ctx context.Context, conversationID string, payload []byte) (string, error) {
	key := StreamKey(conversationID)
	now := time.Now().UnixMilli()

	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     "*",
		Values: map[string]any{
			"conversation_id": conversationID,
			"payload":         payload,
			"produced_at":     now,
		},
	}).Result()
	if err != nil {
		return "", errors.Wrapf(err, "xadd %s", key)
	}

	// Mirror into the fanout stream. The payload rides along so relays do
	// not need a second round trip per entry.
	err = l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: FanoutKey(),
		ID:     "*",
		Values: map[string]any{
			"conversation_id": conversationID,
			"entry_id":        id,
			"payload":         payload,
			"produced_at":     now,
		},
	}).Err()
	if err != nil {
		// The conversation entry exists but nobody will be told live about
		// it; callers must treat this as not delivered and retry. Catch-up
		// readers may then see the entry twice, which is within contract.
		return "", errors.Wrap(err, "xadd fanout")
	}

	if c := l.counter.Add(1); c%trimInterval == 0 {
		go l.trimApprox(key)
	}

	return id, nil
}

func (l *RedisLog) ReadSince(ctx context.Context, conversationID, afterID string) ([]Event, error) {
	key := StreamKey(conversationID)

	start := "-"
	if afterID != "" && afterID != Beginning {
		// Exclusive range start, Redis 6.2+.
		start = "(" + afterID
	}

	msgs, err := l.rdb.XRange(ctx, key, start, "+").Result()
	if err != nil {
		return nil, errors.Wrapf(err, "xrange %s", key)
	}

	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, eventFromValues(conversationID, m.ID, m.Values))
	}
	return out, nil
}

// TrimOlderThan drops entries older than maxAge from the fanout stream.
// Entry ids are ms-seq, so the age cutoff maps directly to a MINID.
func (l *RedisLog) TrimOlderThan(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	minID := strconv.FormatInt(cutoff, 10) + "-0"
	return l.rdb.XTrimMinIDApprox(ctx, FanoutKey(), minID, 0).Err()
}

func (l *RedisLog) trimApprox(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.rdb.XTrimMaxLenApprox(ctx, key, trimMaxLen, 0).Err(); err != nil {
		logger.Warnf("[stream] trim %s failed: %v", key, err)
	}
}

func eventFromValues(conversationID, id string, values map[string]any) Event {
	ev := Event{ConversationID: conversationID, ID: id}
	if v, ok := values["payload"]; ok {
		switch p := v.(type) {
		case string:
			ev.Payload = []byte(p)
		case []byte:
			ev.Payload = p
		}
	}
	if v, ok := values["produced_at"]; ok {
		if s, ok := v.(string); ok {
			ev.ProducedAt, _ = strconv.ParseInt(s, 10, 64)
		}
	}
	if v, ok := values["conversation_id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			ev.ConversationID = s
		}
	}
	return ev
}
