package chat

import (
	"encoding/json"
	"net/http"

	"PSync/logger"
	errs "PSync/tools/errs"

	"github.com/gin-gonic/gin"
)

// PublishRequest is the producer-facing body. Payload is opaque serialized
// content; producers typically embed a type discriminator themselves.
type PublishRequest struct {
	ConversationID string          `json:"conversation_id" binding:"required"`
	Payload        json.RawMessage `json:"payload" binding:"required"`
}

// HandlePublish accepts a message for a conversation. With a producer
// configured the message rides Kafka (hash-partitioned by conversation, so
// per-conversation order survives) and is appended by the ingest consumer;
// otherwise it is appended directly and the assigned id is returned for
// client-side de-duplication.
func (s *Server) HandlePublish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrArgs.WithDetail(err.Error()))
		return
	}

	if s.producer != nil {
		if err := s.producer.Publish(c.Request.Context(), req.ConversationID, req.Payload); err != nil {
			logger.Errorf("[publish] enqueue failed conv=%s err=%v", req.ConversationID, err)
			c.JSON(http.StatusServiceUnavailable, errs.ErrAppend)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}

	id, err := s.log.Append(c.Request.Context(), req.ConversationID, req.Payload)
	if err != nil {
		logger.Errorf("[publish] append failed conv=%s err=%v", req.ConversationID, err)
		c.JSON(http.StatusServiceUnavailable, errs.ErrAppend)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_entry_id": id})
}
