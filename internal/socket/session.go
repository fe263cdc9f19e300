package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/watchtower/internal/status"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle phase of a session.
type State int32

const (
	// StateOpen means both duties are running and messages are processed.
	StateOpen State = iota

	// StateClosing means one duty has finished and the other is being
	// cancelled.
	StateClosing

	// StateClosed means both duties have stopped.
	StateClosed
)

// HandlerFunc processes the entity of one inbound message type. Returning a
// *MessageError reports the failure to the peer and keeps the session open;
// any other error tears the session down.
type HandlerFunc func(entity json.RawMessage) error

// Session encapsulates a single websocket connection. It runs two
// concurrent duties: reading and dispatching inbound envelopes, and
// flushing the outbound queue. The session lives until either duty
// finishes, at which point the other is cancelled and the connection is
// torn down.
type Session struct {
	conn     *websocket.Conn
	store    Store
	queue    *sendQueue
	handlers map[string]HandlerFunc

	mu       sync.Mutex
	subs     map[status.Address]struct{}
	lastSent map[status.Address]uint64

	state atomic.Int32
}

// newSession wraps an accepted connection. Handlers are registered here,
// at construction time; an inbound type without an entry in the map is
// answered with an error envelope.
func newSession(conn *websocket.Conn, store Store) *Session {
	s := &Session{
		conn:     conn,
		store:    store,
		queue:    newSendQueue(),
		subs:     make(map[status.Address]struct{}),
		lastSent: make(map[status.Address]uint64),
	}
	s.handlers = map[string]HandlerFunc{
		"subscribe": s.handleSubscribe,
	}

	return s
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Send enqueues a message for delivery to the peer. It never blocks beyond
// appending to the queue and preserves FIFO order relative to other Send
// calls on the same session.
func (s *Session) Send(typ string, entity any) error {
	raw, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode %q entity: %w", typ, err)
	}
	s.sendRaw(typ, raw)

	return nil
}

// sendRaw enqueues an already encoded entity.
func (s *Session) sendRaw(typ string, entity json.RawMessage) {
	msg, err := json.Marshal(Envelope{Type: typ, Entity: entity})
	if err != nil {
		log.Error().Err(err).Str("type", typ).Msg("Failed to encode envelope")
		return
	}
	s.queue.push(msg)
}

// Run processes the connection until it is closed. It starts the two duties
// and waits; as soon as either finishes, for any reason, the shared context
// is cancelled, the remaining duty unwinds at its next blocking point and
// the session moves to the closed state. Cancellation is treated as normal
// completion, anything else is logged.
func (s *Session) Run(ctx context.Context) {
	peer := s.conn.RemoteAddr().String()
	log.Debug().Str("peer", peer).Msg("Session open")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A read blocked in ReadMessage only unblocks when the transport is
	// closed under it.
	stopClose := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stopClose()

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		defer s.closing()
		return s.readLoop(ctx)
	})
	g.Go(func() error {
		defer cancel()
		defer s.closing()
		return s.writeLoop(ctx)
	})

	err := g.Wait()
	s.state.Store(int32(StateClosed))

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("peer", peer).Msg("Session finished with error")
	}
	log.Debug().Str("peer", peer).Msg("Session closed")
}

// closing marks the first duty completion.
func (s *Session) closing() {
	s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
}

// readLoop continually receives and dispatches inbound messages. Malformed
// messages are answered with an "error" envelope and processing continues.
// A peer disconnect ends the duty without error; an unexpected dispatch
// failure ends it with one, tearing the session down.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isDisconnect(err) {
				log.Debug().Err(err).Msg("Receive failed, closing session")
			}
			return nil
		}

		if err := s.dispatch(raw); err != nil {
			var merr *MessageError
			if errors.As(err, &merr) {
				log.Warn().Err(merr).Msg("Received bad message")
				if err := s.Send("error", merr.Error()); err != nil {
					return err
				}
				continue
			}

			log.Error().Err(err).Str("message", string(raw)).Msg("Error handling message")
			return err
		}
	}
}

// writeLoop continually flushes the send queue to the transport in strict
// enqueue order.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		msg, err := s.queue.pop(ctx)
		if err != nil {
			return err
		}

		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("write message: %w", err)
		}
	}
}

// dispatch validates one raw frame and invokes the handler registered for
// its envelope type.
func (s *Session) dispatch(raw []byte) error {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return err
	}

	handler, ok := s.handlers[env.Type]
	if !ok {
		return &MessageError{Reason: "unknown message type: " + env.Type}
	}

	return handler(env.Entity)
}

// handleSubscribe validates a subscribe entity, records the subscription
// and raises interest in the address so the poller starts refreshing it.
func (s *Session) handleSubscribe(entity json.RawMessage) error {
	var req struct {
		IP   *string `json:"ip"`
		Port *int    `json:"port"`
	}
	if err := json.Unmarshal(entity, &req); err != nil {
		return &MessageError{Reason: "entity: " + err.Error()}
	}
	if req.IP == nil || req.Port == nil {
		return &MessageError{Reason: "entity: fields 'ip' and 'port' are required"}
	}
	if *req.Port <= 0 || *req.Port > 65535 {
		return &MessageError{Reason: "entity: port out of range"}
	}

	ip, err := netip.ParseAddr(*req.IP)
	if err != nil {
		return &MessageError{Reason: "entity: invalid ip address"}
	}
	addr := status.Address{IP: ip, Port: uint16(*req.Port)}

	s.mu.Lock()
	s.subs[addr] = struct{}{}
	s.mu.Unlock()

	log.Info().Stringer("address", addr).Msg("New subscription")

	if err := s.store.AddInterest(addr, 1); err != nil {
		return fmt.Errorf("record interest in %s: %w", addr, err)
	}

	return nil
}

// subscriptions returns the addresses this session wants updates for.
func (s *Session) subscriptions() []status.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]status.Address, 0, len(s.subs))
	for addr := range s.subs {
		addrs = append(addrs, addr)
	}

	return addrs
}

// notify delivers a status snapshot unless an identical one was already
// delivered. fingerprint is a hash of the encoded entity; matching
// fingerprints are skipped so idle servers do not generate traffic.
func (s *Session) notify(addr status.Address, fingerprint uint64, entity json.RawMessage) {
	s.mu.Lock()
	if _, ok := s.subs[addr]; !ok {
		s.mu.Unlock()
		return
	}
	if s.lastSent[addr] == fingerprint {
		s.mu.Unlock()
		return
	}
	s.lastSent[addr] = fingerprint
	s.mu.Unlock()

	s.sendRaw("status", entity)
}

// isDisconnect reports whether a read error is an expected end of the
// connection rather than a protocol failure worth logging.
func isDisconnect(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return true
	}

	return errors.Is(err, net.ErrClosed)
}
