package global

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const NodeTypeMsgGateWay = "msgGateWay"

// AppConfig carries everything the gateway process needs. Values come from
// the environment with working local defaults, same as the compose setup.
type AppConfig struct {
	NodeType string
	NodeID   string
	Port     int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	KafkaBrokers []string
	PublishTopic string
	KafkaGroupID string

	NatsURL string

	MongoURI      string
	MongoDatabase string

	JWTSecret string

	// SyncInterval is how often a live connection persists its cursor.
	SyncInterval time.Duration
	// CursorTTL is the sync-state retention window.
	CursorTTL time.Duration
	// StreamMaxAge is the conversation log retention window.
	StreamMaxAge time.Duration
}

var Config = AppConfig{
	NodeType:      NodeTypeMsgGateWay,
	NodeID:        "gateway_10",
	Port:          8080,
	RedisAddr:     "127.0.0.1:6379",
	RedisDB:       0,
	RedisPoolSize: 64,
	KafkaBrokers:  []string{"127.0.0.1:9092"},
	PublishTopic:  "conversation_publish",
	KafkaGroupID:  "im-app-consumer-1",
	NatsURL:       "nats://127.0.0.1:4222",
	MongoURI:      "mongodb://127.0.0.1:27017",
	MongoDatabase: "im_archive",
	JWTSecret:     "dev-secret-change-me",
	SyncInterval:  5 * time.Second,
	CursorTTL:     30 * 24 * time.Hour,
	StreamMaxAge:  30 * 24 * time.Hour,
}

// LoadEnv overlays environment variables onto the defaults.
func LoadEnv() {
	if v := os.Getenv("GATEWAY_ID"); v != "" {
		Config.NodeID = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			Config.Port = p
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		Config.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		Config.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			Config.RedisDB = n
		}
	}
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			Config.RedisPoolSize = n
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		Config.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("PUBLISH_TOPIC"); v != "" {
		Config.PublishTopic = v
	}
	if v := os.Getenv("KAFKA_GROUP_ID"); v != "" {
		Config.KafkaGroupID = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		Config.NatsURL = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		Config.MongoURI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		Config.MongoDatabase = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		Config.JWTSecret = v
	}
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			Config.SyncInterval = d
		}
	}
	if v := os.Getenv("CURSOR_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			Config.CursorTTL = d
		}
	}
	if v := os.Getenv("STREAM_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			Config.StreamMaxAge = d
		}
	}
}
