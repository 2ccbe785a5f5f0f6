package relay

import (
	"context"
	"strconv"
	"time"

	"PSync/logger"
	"PSync/service/stream"

	"github.com/redis/go-redis/v9"
)

const (
	readBlock = 5 * time.Second
	readCount = 100
	trimEvery = time.Hour
)

// Relay tails the shared fanout stream and republishes each durable entry
// into this instance's registry. Every gateway runs one; it is the
// cross-instance half of live delivery. Missing an entry here is harmless:
// the log remains the durable path and catch-up will find it.
type Relay struct {
	rdb    *redis.Client
	reg    *stream.Registry
	maxAge time.Duration
}

func New(rdb *redis.Client, reg *stream.Registry, maxAge time.Duration) *Relay {
	return &Relay{rdb: rdb, reg: reg, maxAge: maxAge}
}

// Run blocks until ctx is cancelled. Live delivery starts from "now"; the
// backlog belongs to catch-up, not to the bus.
func (r *Relay) Run(ctx context.Context) {
	lastID := "$"
	trim := time.NewTicker(trimEvery)
	defer trim.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trim.C:
			r.trimFanout(ctx)
		default:
		}

		res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream.FanoutKey(), lastID},
			Count:   readCount,
			Block:   readBlock,
		}).Result()
		if err == redis.Nil {
			continue // block timeout, nothing new
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("[relay] fanout read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, sr := range res {
			for _, msg := range sr.Messages {
				if ev, ok := eventFromFanout(msg); ok {
					r.reg.Publish(ev.ConversationID, ev)
				}
				lastID = msg.ID
			}
		}
	}
}

func (r *Relay) trimFanout(ctx context.Context) {
	if r.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.maxAge).UnixMilli()
	minID := strconv.FormatInt(cutoff, 10) + "-0"
	if err := r.rdb.XTrimMinIDApprox(ctx, stream.FanoutKey(), minID, 0).Err(); err != nil {
		logger.Warnf("[relay] fanout trim failed: %v", err)
	}
}

func eventFromFanout(msg redis.XMessage) (stream.Event, bool) {
	conv, _ := msg.Values["conversation_id"].(string)
	entryID, _ := msg.Values["entry_id"].(string)
	if conv == "" || entryID == "" {
		logger.Warnf("[relay] fanout entry %s missing conversation_id/entry_id", msg.ID)
		return stream.Event{}, false
	}
	ev := stream.Event{ConversationID: conv, ID: entryID}
	if p, ok := msg.Values["payload"].(string); ok {
		ev.Payload = []byte(p)
	}
	if p, ok := msg.Values["produced_at"].(string); ok {
		ev.ProducedAt, _ = strconv.ParseInt(p, 10, 64)
	}
	return ev, true
}
