package archive

import (
	"context"
	"strconv"
	"strings"
	"time"

	"PSync/logger"
	"PSync/service/stream"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	groupName  = "archive"
	collection = "message_archive"
	readBlock  = 5 * time.Second
	readCount  = 100
)

// Archiver copies every appended event from the fanout stream into Mongo.
// The stream keeps 30 days; the archive is the read path beyond that. It
// runs as its own consumer group so gateway relays and the archiver track
// independent positions.
type Archiver struct {
	rdb      *redis.Client
	col      *mongo.Collection
	consumer string
}

func New(rdb *redis.Client, db *mongo.Database, consumer string) *Archiver {
	return &Archiver{
		rdb:      rdb,
		col:      db.Collection(collection),
		consumer: consumer,
	}
}

// Run blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	if err := a.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := a.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: a.consumer,
			Streams:  []string{stream.FanoutKey(), ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Errorf("[archive] read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, sr := range res {
			a.archiveBatch(ctx, sr.Messages)
		}
	}
}

func (a *Archiver) archiveBatch(ctx context.Context, msgs []redis.XMessage) {
	if len(msgs) == 0 {
		return
	}
	docs := make([]interface{}, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		conv, _ := msg.Values["conversation_id"].(string)
		entryID, _ := msg.Values["entry_id"].(string)
		if conv == "" || entryID == "" {
			// Nothing to archive; ack so it does not stay pending forever.
			ids = append(ids, msg.ID)
			continue
		}
		payload, _ := msg.Values["payload"].(string)
		var producedAt int64
		if p, ok := msg.Values["produced_at"].(string); ok {
			producedAt, _ = strconv.ParseInt(p, 10, 64)
		}
		docs = append(docs, bson.M{
			"conversation_id": conv,
			"entry_id":        entryID,
			"payload":         payload,
			"produced_at":     producedAt,
			"archived_at":     time.Now().UnixMilli(),
		})
		ids = append(ids, msg.ID)
	}

	if len(docs) > 0 {
		if _, err := a.col.InsertMany(ctx, docs); err != nil {
			// Not acked: the group redelivers and Mongo dedup is on the
			// reader via entry_id.
			logger.Errorf("[archive] insert failed n=%d err=%v", len(docs), err)
			return
		}
	}
	if err := a.rdb.XAck(ctx, stream.FanoutKey(), groupName, ids...).Err(); err != nil {
		logger.Warnf("[archive] ack failed: %v", err)
	}
}

func (a *Archiver) ensureGroup(ctx context.Context) error {
	err := a.rdb.XGroupCreateMkStream(ctx, stream.FanoutKey(), groupName, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
