package stream

import (
	"sync"

	"PSync/logger"
)

// DefaultSubscriberBuffer is sized to absorb a full catch-up replay worth of
// live traffic. A subscriber that cannot drain this much is kicked and must
// resync through the log.
const DefaultSubscriberBuffer = 256

// Registry is the in-process fan-out bus: conversation id -> subscriber set.
// Delivery is best-effort and at-most-once per subscriber; the durable path
// is always the conversation log, never this bus.
type Registry struct {
	mu       sync.RWMutex
	byConv   map[string]map[int64]*subscriber
	nextID   int64
	capacity int
}

type subscriber struct {
	id             int64
	conversationID string
	ch             chan Event
}

// Subscription is the handle a connection holds for its lifetime. Receive
// from C; a closed C means the registry kicked this subscriber (overflow)
// and the connection must resync.
type Subscription struct {
	ID             int64
	ConversationID string
	C              <-chan Event

	r   *Registry
	sub *subscriber
}

func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultSubscriberBuffer
	}
	return &Registry{
		byConv:   make(map[string]map[int64]*subscriber),
		capacity: capacity,
	}
}

func (r *Registry) Subscribe(conversationID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &subscriber{
		id:             r.nextID,
		conversationID: conversationID,
		ch:             make(chan Event, r.capacity),
	}
	m := r.byConv[conversationID]
	if m == nil {
		m = make(map[int64]*subscriber)
		r.byConv[conversationID] = m
	}
	m[sub.id] = sub

	return &Subscription{
		ID:             sub.id,
		ConversationID: conversationID,
		C:              sub.ch,
		r:              r,
		sub:            sub,
	}
}

// Close releases the subscription. Idempotent.
func (s *Subscription) Close() {
	s.r.remove(s.sub)
}

// Publish fans ev out to every current subscriber of the conversation on
// this instance. Returns the number of subscribers reached. Subscribers
// whose buffer is full are kicked: their channel closes and recovery is a
// fresh catch-up read on reconnect, never a blocked publisher.
func (r *Registry) Publish(conversationID string, ev Event) int {
	r.mu.RLock()
	var overflow []*subscriber
	delivered := 0
	for _, sub := range r.byConv[conversationID] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			overflow = append(overflow, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range overflow {
		logger.Warnf("[registry] kick slow subscriber id=%d conv=%s", sub.id, conversationID)
		r.remove(sub)
	}
	return delivered
}

// SubscriberCount reports current subscribers for a conversation.
func (r *Registry) SubscriberCount(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConv[conversationID])
}

func (r *Registry) remove(sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byConv[sub.conversationID]
	if m == nil {
		return
	}
	if _, ok := m[sub.id]; !ok {
		return
	}
	delete(m, sub.id)
	if len(m) == 0 {
		delete(r.byConv, sub.conversationID)
	}
	close(sub.ch)
}
