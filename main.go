package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"PSync/data/database/mgo"
	"PSync/global"
	"PSync/logger"
	mid "PSync/middleware"
	"PSync/service/archive"
	"PSync/service/chat"
	kafka "PSync/service/dispatcher/kafka"
	"PSync/service/natsx"
	"PSync/service/relay"
	redisx "PSync/service/storage/redis"
	"PSync/service/stream"
	"PSync/tools/ids"
	security "PSync/tools/security"

	"github.com/gin-gonic/gin"
)

func main() {
	global.LoadEnv()
	cfg := global.Config
	ids.SetNodeID(100)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is the log and the cursor store; without it there is no gateway.
	if err := redisx.InitRedis(redisx.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}); err != nil {
		log.Fatalf("redis init failed: %v", err)
	}
	rdb := redisx.GetRedis()

	convLog := stream.NewRedisLog(rdb)
	syncStore := stream.NewRedisSyncStore(rdb, cfg.CursorTTL)
	registry := stream.NewRegistry(0)

	// Live delivery: every instance tails the shared fanout stream.
	go relay.New(rdb, registry, cfg.StreamMaxAge).Run(ctx)

	// Ephemeral signal fan-out across instances. Degrades to local-only.
	var signals chat.SignalBus
	if bus, err := natsx.Connect(natsx.Config{URL: cfg.NatsURL, Name: cfg.NodeID}, registry); err != nil {
		logger.Warnf("[main] nats unavailable, typing signals stay local: %v", err)
	} else {
		signals = bus
		defer bus.Close()
	}

	// Publish boundary: Kafka when reachable, direct append otherwise.
	var producer chat.Publisher
	if p, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.PublishTopic); err != nil {
		logger.Warnf("[main] kafka unavailable, publish API appends directly: %v", err)
	} else {
		producer = p
		defer p.Close()
		go func() {
			if err := kafka.StartIngest(ctx, cfg.KafkaBrokers, cfg.KafkaGroupID, []string{cfg.PublishTopic}, convLog); err != nil && ctx.Err() == nil {
				logger.Errorf("[main] ingest stopped: %v", err)
			}
		}()
	}

	// Long-term archive past the stream retention window.
	if db, err := mgo.Connect(ctx, mgo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}); err != nil {
		logger.Warnf("[main] mongo unavailable, archiver disabled: %v", err)
	} else {
		go func() {
			if err := archive.New(rdb, db, cfg.NodeID).Run(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("[main] archiver stopped: %v", err)
			}
		}()
	}

	jwtOpts := security.DefaultOptions([]byte(cfg.JWTSecret))
	server := chat.NewServer(convLog, syncStore, registry, signals, producer, jwtOpts, chat.Options{
		SyncInterval: cfg.SyncInterval,
	})

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/chat", server.HandleWS) // ws://host/chat?conversation_id=..&user_id=..&client_id=..&token=..
	r.POST("/api/messages", mid.JWTAuth(jwtOpts), server.HandlePublish)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Infof("[main] gateway %s listening on %s", cfg.NodeID, addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
