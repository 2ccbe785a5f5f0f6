package natsx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PSync/logger"
	"PSync/service/stream"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "im.signal."

// SignalBus fans ephemeral signals (typing) out across gateway instances
// over core NATS. Durable events never ride this bus; losing a signal costs
// nothing that the log would have to repair.
type SignalBus struct {
	nc  *nats.Conn
	sub *nats.Subscription
	reg *stream.Registry
}

type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Connect dials NATS and starts the wildcard subscription that republishes
// incoming signals into the local registry (including our own, so local
// subscribers see them through the same path).
func Connect(cfg Config, reg *stream.Registry) (*SignalBus, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	b := &SignalBus{nc: nc, reg: reg}
	sub, err := nc.Subscribe(subjectPrefix+">", b.onSignal)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	b.sub = sub
	return b, nil
}

// PublishSignal sends an ephemeral payload for one conversation.
func (b *SignalBus) PublishSignal(_ context.Context, conversationID string, payload []byte) error {
	return b.nc.Publish(subjectPrefix+conversationID, payload)
}

func (b *SignalBus) onSignal(m *nats.Msg) {
	conv := strings.TrimPrefix(m.Subject, subjectPrefix)
	if conv == "" || conv == m.Subject {
		logger.Warnf("[natsx] drop signal with bad subject %q", m.Subject)
		return
	}
	b.reg.Publish(conv, stream.Event{
		ConversationID: conv,
		Payload:        m.Data,
		ProducedAt:     time.Now().UnixMilli(),
		Ephemeral:      true,
	})
}

func (b *SignalBus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
}
