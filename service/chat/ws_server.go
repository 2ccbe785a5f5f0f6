package chat

import (
	"context"
	"net/http"
	"strings"

	"PSync/logger"
	"PSync/service/stream"
	"PSync/tools/ids"
	security "PSync/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Publisher is the async publish boundary (Kafka-backed in production).
// nil means appends go straight to the log.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, payload []byte) error
}

// Server wires the delivery components behind the HTTP surface.
type Server struct {
	log      stream.Log
	store    stream.SyncStore
	reg      *stream.Registry
	signals  SignalBus
	producer Publisher
	jwtOpts  security.Options
	opts     Options
}

func NewServer(log stream.Log, store stream.SyncStore, reg *stream.Registry, signals SignalBus, producer Publisher, jwtOpts security.Options, opts Options) *Server {
	return &Server{
		log:      log,
		store:    store,
		reg:      reg,
		signals:  signals,
		producer: producer,
		jwtOpts:  jwtOpts,
		opts:     opts,
	}
}

// HandleWS upgrades ws://.../chat?conversation_id=..&user_id=..&client_id=..
// and drives the session until the connection dies. client_id is the
// device-stable resume identity: clients persist the value echoed in the
// hello frame and resupply it on reconnect; absent means first connect and
// a fresh snowflake is minted.
func (s *Server) HandleWS(c *gin.Context) {
	conversationID := c.Query("conversation_id")
	userID := c.Query("user_id")
	if conversationID == "" || userID == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	claims, err := security.Verify(s.jwtOpts, bearerToken(c))
	if err != nil {
		logger.Infof("[ws] reject upgrade: token invalid user=%s err=%v", userID, err)
		c.Status(http.StatusUnauthorized)
		return
	}
	if claims.UserID() != userID {
		c.Status(http.StatusForbidden)
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = ids.GenerateString()
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed user=%s err=%v", userID, err)
		return
	}

	p := Params{ConversationID: conversationID, UserID: userID, ClientID: clientID}
	sess := NewSession(p, ws, s.log, s.store, s.reg, s.signals, s.opts)

	logger.Infof("[ws] session start user=%s client=%s conv=%s", userID, clientID, conversationID)
	if err := sess.Run(c.Request.Context()); err != nil {
		// Initial catch-up failed: the client saw a close and must retry.
		logger.Errorf("[ws] session failed closed user=%s client=%s err=%v", userID, clientID, err)
		return
	}
	logger.Infof("[ws] session end user=%s client=%s conv=%s cursor=%s", userID, clientID, conversationID, sess.Cursor())
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	h := c.GetHeader("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}
