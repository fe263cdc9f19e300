package socket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/watchtower/internal/status"
)

// Store is the cache surface the websocket service needs: reading statuses
// for fan-out and raising interest when a peer subscribes.
type Store interface {
	Get(addr status.Address) (*status.Status, error)
	AddInterest(addr status.Address, weight int) error
}

// Service accepts websocket connections and runs one Session per
// connection. Sessions are independent: a slow or stuck session never
// blocks acceptance or another session's progress.
type Service struct {
	store    Store
	sessions map[*Session]struct{}
	shutdown chan struct{}
	path     string
	interval time.Duration
	upgrader websocket.Upgrader
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// New creates a Service expecting connections on the given path. interval
// controls how often subscriptions are swept for updates.
func New(store Store, path string, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 3 * time.Second
	}

	return &Service{
		store:    store,
		path:     path,
		interval: interval,
		sessions: make(map[*Session]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Handler returns the HTTP handler accepting websocket connections.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSocket)

	return mux
}

// handleSocket upgrades one connection and processes its session until the
// peer goes away. Requests for any path other than the expected one are
// dropped before a session is constructed.
func (s *Service) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		log.Error().
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Msg("Client connected on unexpected path, dropping connection")

		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	sess := newSession(conn, s.store)
	s.track(sess)
	defer s.untrack(sess)

	sess.Run(r.Context())
	log.Debug().Str("remote", r.RemoteAddr).Msg("Connection closed")
}

// StartWatcher launches the background fan-out sweep.
func (s *Service) StartWatcher() {
	s.wg.Add(1)
	go s.watch()
}

// StopWatcher stops the fan-out sweep and waits for it to finish.
func (s *Service) StopWatcher() {
	close(s.shutdown)
	s.wg.Wait()
}

func (s *Service) watch() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.fanOut()
		}
	}
}

// fanOut delivers fresh statuses to subscribed sessions. Each address is
// read and encoded once per sweep regardless of how many sessions follow
// it; the xxhash of the encoded status is the change fingerprint, so a
// session only receives an envelope when the snapshot it last saw changed.
// Delivery order is guaranteed per session only.
func (s *Service) fanOut() {
	seen := make(map[status.Address]*snapshot)

	for _, sess := range s.snapshotSessions() {
		for _, addr := range sess.subscriptions() {
			entry, ok := seen[addr]
			if !ok {
				entry = s.loadSnapshot(addr)
				seen[addr] = entry
			}
			if entry == nil {
				continue
			}
			sess.notify(addr, entry.sum, entry.entity)
		}
	}
}

// snapshot is one encoded status with its change fingerprint, shared by
// every session following the same address within a sweep.
type snapshot struct {
	entity json.RawMessage
	sum    uint64
}

// loadSnapshot fetches and encodes one cached status, or nil when the
// address is not cached or unreadable.
func (s *Service) loadSnapshot(addr status.Address) *snapshot {
	st, err := s.store.Get(addr)
	if err != nil {
		log.Error().Err(err).Stringer("address", addr).Msg("Failed to read status for fan-out")
		return nil
	}
	if st == nil {
		return nil
	}

	raw, err := json.Marshal(st)
	if err != nil {
		log.Error().Err(err).Stringer("address", addr).Msg("Failed to encode status for fan-out")
		return nil
	}

	return &snapshot{entity: raw, sum: xxhash.Sum64(raw)}
}

func (s *Service) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Service) snapshotSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}

	return out
}
