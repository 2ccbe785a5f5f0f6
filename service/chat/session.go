package chat

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"PSync/logger"
	"PSync/service/stream"
	errs "PSync/tools/errs"

	"github.com/gorilla/websocket"
)

// Session states.
const (
	StateConnecting int32 = iota
	StateCatchingUp
	StateLive
	StateClosing
	StateClosed
)

const (
	pingInterval  = 25 * time.Second
	writeWait     = 10 * time.Second
	readWait      = 60 * time.Second
	flushWait     = 2 * time.Second
	inboundBuffer = 16
)

// Transport is the slice of a websocket connection the session drives.
// *websocket.Conn satisfies it; tests use a scripted fake.
type Transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Params identifies one connection.
type Params struct {
	ConversationID string
	UserID         string
	ClientID       string
}

// Options tunes per-session timing; zero values take the defaults above.
type Options struct {
	SyncInterval time.Duration
	PingInterval time.Duration
}

// Session owns one websocket for its lifetime: it loads the device cursor,
// replays catch-up from the log, then forwards live traffic, keeping the
// shared cursor cell current for its sync task.
//
//	Connecting -> CatchingUp -> Live -> Closing -> Closed
type Session struct {
	p    Params
	conn Transport

	log     stream.Log
	store   stream.SyncStore
	reg     *stream.Registry
	signals SignalBus

	cell  *cursorCell
	state atomic.Int32
	opts  Options
}

// SignalBus carries ephemeral signals (typing) across instances. nil means
// local-only fan-out through the registry.
type SignalBus interface {
	PublishSignal(ctx context.Context, conversationID string, payload []byte) error
}

func NewSession(p Params, conn Transport, log stream.Log, store stream.SyncStore, reg *stream.Registry, signals SignalBus, opts Options) *Session {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingInterval
	}
	return &Session{
		p:       p,
		conn:    conn,
		log:     log,
		store:   store,
		reg:     reg,
		signals: signals,
		cell:    &cursorCell{},
		opts:    opts,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() int32 { return s.state.Load() }

// Cursor reports the last forwarded entry id.
func (s *Session) Cursor() string { return s.cell.Get() }

// Run drives the session to completion. It returns a non-nil error only
// when the connect attempt itself failed (initial catch-up read error); a
// session that went Live and later tore down returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	// Connecting -> CatchingUp: resolve identity, load the cursor.
	s.state.Store(StateCatchingUp)
	cursor := s.loadCursor(ctx)
	s.cell.Reset(cursor)

	// Subscribe before the catch-up read. Entries appended while replay
	// runs land in the subscriber buffer and are deduped by id in the Live
	// loop, so the seam can duplicate but never drop.
	sub := s.reg.Subscribe(s.p.ConversationID)
	defer sub.Close()

	if err := s.sendHello(cursor); err != nil {
		s.teardown(ctx, nil)
		return nil
	}

	entries, err := s.log.ReadSince(ctx, s.p.ConversationID, cursor)
	if err != nil {
		// Fail closed: opening Live over a failed read would hide a gap.
		s.state.Store(StateClosed)
		return errs.ErrCatchUp.WithDetail(err.Error())
	}
	for _, ev := range entries {
		if err := s.writeEvent(ev); err != nil {
			logger.Warnf("[session] replay write failed user=%s client=%s err=%v", s.p.UserID, s.p.ClientID, err)
			s.teardown(ctx, nil)
			return nil
		}
		s.cell.Advance(ev.ID)
	}

	// Catch-up done (possibly empty): go Live with the sync task running.
	syncCtx, cancelSync := context.WithCancel(context.Background())
	task := &syncTask{
		store:    s.store,
		cell:     s.cell,
		p:        s.p,
		interval: s.opts.SyncInterval,
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		task.run(syncCtx)
	}()

	s.state.Store(StateLive)
	s.liveLoop(ctx, sub)

	// Closing -> Closed: flush the final cursor first, then cancel the
	// sync task so a late tick cannot overwrite it, then drop the
	// subscription via the deferred Close.
	s.teardown(ctx, func() {
		cancelSync()
		wg.Wait()
	})
	return nil
}

func (s *Session) liveLoop(ctx context.Context, sub *stream.Subscription) {
	inbound := make(chan inboundFrame, inboundBuffer)
	readErr := make(chan error, 1)
	go s.readLoop(inbound, readErr)

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// Kicked for falling behind; the client resyncs on reconnect.
				logger.Warnf("[session] kicked as slow consumer user=%s client=%s", s.p.UserID, s.p.ClientID)
				return
			}
			if ev.Ephemeral {
				if err := s.writeEvent(ev); err != nil {
					return
				}
				continue
			}
			// Already forwarded during (or before) replay.
			if stream.CompareIDs(ev.ID, s.cell.Get()) <= 0 {
				continue
			}
			if err := s.writeEvent(ev); err != nil {
				return
			}
			s.cell.Advance(ev.ID)

		case fr := <-inbound:
			s.handleFrame(ctx, fr)

		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				logger.Infof("[session] ping failed user=%s client=%s err=%v", s.p.UserID, s.p.ClientID, err)
				return
			}

		case err := <-readErr:
			s.logReadExit(err)
			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) readLoop(inbound chan<- inboundFrame, readErr chan<- error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		fr, perr := ParseFrame(data)
		if perr != nil {
			// Malformed frames are discarded, never fatal.
			logger.Debugf("[session] drop malformed frame user=%s err=%v", s.p.UserID, perr)
			continue
		}
		select {
		case inbound <- *fr:
		default:
			logger.Warnf("[session] inbound ch full, drop frame type=%s user=%s", fr.Type, s.p.UserID)
		}
	}
}

// handleFrame dispatches one inbound frame. Inbound traffic is ephemeral
// signalling only; nothing here touches the cursor.
func (s *Session) handleFrame(ctx context.Context, fr inboundFrame) {
	switch fr.Type {
	case FrameTyping:
		p, err := fr.Typing()
		if err != nil {
			return
		}
		// A connection may only signal as itself, in its own conversation.
		if p.ConversationID != s.p.ConversationID || p.UserID != s.p.UserID {
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"type":            "typing.started",
			"conversation_id": p.ConversationID,
			"user_id":         p.UserID,
		})
		if s.signals != nil {
			if err := s.signals.PublishSignal(ctx, p.ConversationID, payload); err != nil {
				logger.Warnf("[session] signal publish failed: %v", err)
			}
			return
		}
		s.reg.Publish(p.ConversationID, stream.Event{
			ConversationID: p.ConversationID,
			Payload:        payload,
			ProducedAt:     time.Now().UnixMilli(),
			Ephemeral:      true,
		})
	default:
		// Unknown types are ignored by contract.
		logger.Debugf("[session] ignore frame type=%q user=%s", fr.Type, s.p.UserID)
	}
}

func (s *Session) teardown(ctx context.Context, stopSync func()) {
	s.state.Store(StateClosing)

	// Best-effort final flush. Failure only risks re-delivery of an
	// already-seen tail on the next connect.
	flushCtx, cancel := context.WithTimeout(context.Background(), flushWait)
	defer cancel()
	st := &stream.SyncState{
		ClientID:       s.p.ClientID,
		UserID:         s.p.UserID,
		ConversationID: s.p.ConversationID,
		LastMessageID:  s.cell.Get(),
		LastSyncAt:     time.Now().Unix(),
	}
	if err := s.store.Put(flushCtx, st); err != nil {
		logger.Warnf("[session] final cursor flush failed user=%s client=%s err=%v", s.p.UserID, s.p.ClientID, err)
	}

	// Cancel the sync task only after the final write so a stale tick
	// cannot clobber it.
	if stopSync != nil {
		stopSync()
	}

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.state.Store(StateClosed)
}

func (s *Session) loadCursor(ctx context.Context) string {
	st, err := s.store.Get(ctx, s.p.UserID, s.p.ClientID)
	if err != nil {
		// Not fatal: worst case is a full re-read, duplicates over gaps.
		logger.Warnf("[session] cursor load failed user=%s client=%s err=%v", s.p.UserID, s.p.ClientID, err)
		return stream.Beginning
	}
	if st == nil || st.ConversationID != s.p.ConversationID || st.LastMessageID == "" {
		return stream.Beginning
	}
	return st.LastMessageID
}

func (s *Session) sendHello(cursor string) error {
	hello, _ := json.Marshal(map[string]any{
		"type":        "hello",
		"client_id":   s.p.ClientID,
		"resume_from": cursor,
	})
	return s.conn.WriteMessage(websocket.TextMessage, hello)
}

func (s *Session) writeEvent(ev stream.Event) error {
	return s.conn.WriteMessage(websocket.TextMessage, ev.Payload)
}

func (s *Session) logReadExit(err error) {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		logger.Infof("[session] peer closed user=%s client=%s", s.p.UserID, s.p.ClientID)
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		logger.Infof("[session] read timeout user=%s client=%s", s.p.UserID, s.p.ClientID)
		return
	}
	logger.Infof("[session] read err user=%s client=%s err=%v", s.p.UserID, s.p.ClientID, err)
}

// cursorCell is the lock-guarded "last forwarded id" shared between the
// session loop (writer) and its sync task (reader). Advance never goes
// backwards, which is what keeps persisted cursors monotonic.
type cursorCell struct {
	mu sync.Mutex
	id string
}

func (c *cursorCell) Reset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

func (c *cursorCell) Advance(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream.CompareIDs(id, c.id) > 0 {
		c.id = id
	}
}

func (c *cursorCell) Get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == "" {
		return stream.Beginning
	}
	return c.id
}
