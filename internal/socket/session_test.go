package socket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/watchtower/internal/status"
)

// fakeStore is an in-memory Store with a signal channel for interest calls.
type fakeStore struct {
	mu       sync.Mutex
	statuses map[status.Address]*status.Status
	interest chan status.Address
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses: make(map[status.Address]*status.Status),
		interest: make(chan status.Address, 16),
	}
}

func (f *fakeStore) Get(addr status.Address) (*status.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.statuses[addr], nil
}

func (f *fakeStore) AddInterest(addr status.Address, weight int) error {
	for i := 0; i < weight; i++ {
		f.interest <- addr
	}
	return nil
}

func (f *fakeStore) set(st *status.Status) {
	f.mu.Lock()
	f.statuses[st.Address] = st
	f.mu.Unlock()
}

func dialService(t *testing.T, svc *Service, path string) (*websocket.Conn, error) {
	t.Helper()

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}

	return conn, err
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	return env
}

func waitInterest(t *testing.T, store *fakeStore) status.Address {
	t.Helper()

	select {
	case addr := <-store.interest:
		return addr
	case <-time.After(5 * time.Second):
		t.Fatal("no interest recorded")
		return status.Address{}
	}
}

func TestRejectsUnexpectedPath(t *testing.T) {
	svc := New(newFakeStore(), "/", time.Minute)

	_, err := dialService(t, svc, "/somewhere-else")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestSubscribeRaisesInterest(t *testing.T) {
	store := newFakeStore()
	svc := New(store, "/", time.Minute)

	conn, err := dialService(t, svc, "/")
	require.NoError(t, err)

	writeEnvelope(t, conn, `{"type":"subscribe","entity":{"ip":"192.0.2.1","port":27015}}`)

	want, err := status.ParseAddress("192.0.2.1:27015")
	require.NoError(t, err)
	require.Equal(t, want, waitInterest(t, store))
}

func TestBadFrameKeepsSessionOpen(t *testing.T) {
	store := newFakeStore()
	svc := New(store, "/", time.Minute)

	conn, err := dialService(t, svc, "/")
	require.NoError(t, err)

	// A frame that is not JSON draws exactly one error envelope.
	writeEnvelope(t, conn, `this is not json`)
	env := readEnvelope(t, conn)
	require.Equal(t, "error", env.Type)

	var reason string
	require.NoError(t, json.Unmarshal(env.Entity, &reason))
	require.Contains(t, reason, "json")

	// The session survived: a well-formed message right after still works.
	writeEnvelope(t, conn, `{"type":"subscribe","entity":{"ip":"192.0.2.1","port":27015}}`)
	waitInterest(t, store)
}

func TestUnknownTypeAnsweredWithError(t *testing.T) {
	svc := New(newFakeStore(), "/", time.Minute)

	conn, err := dialService(t, svc, "/")
	require.NoError(t, err)

	writeEnvelope(t, conn, `{"type":"bogus","entity":{}}`)
	env := readEnvelope(t, conn)
	require.Equal(t, "error", env.Type)

	var reason string
	require.NoError(t, json.Unmarshal(env.Entity, &reason))
	require.Contains(t, reason, "unknown message type")
}

func TestSubscribeValidation(t *testing.T) {
	cases := []struct {
		name   string
		entity string
		reason string
	}{
		{name: "missing port", entity: `{"ip":"192.0.2.1"}`, reason: "required"},
		{name: "missing ip", entity: `{"port":27015}`, reason: "required"},
		{name: "port out of range", entity: `{"ip":"192.0.2.1","port":70000}`, reason: "out of range"},
		{name: "bad ip", entity: `{"ip":"nope","port":27015}`, reason: "invalid ip"},
		{name: "entity not an object", entity: `"zap"`, reason: "entity"},
	}

	svc := New(newFakeStore(), "/", time.Minute)
	conn, err := dialService(t, svc, "/")
	require.NoError(t, err)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			writeEnvelope(t, conn, `{"type":"subscribe","entity":`+tc.entity+`}`)
			env := readEnvelope(t, conn)
			require.Equal(t, "error", env.Type)

			var reason string
			require.NoError(t, json.Unmarshal(env.Entity, &reason))
			require.Contains(t, reason, tc.reason)
		})
	}
}

func TestDisconnectClosesSession(t *testing.T) {
	store := newFakeStore()
	svc := New(store, "/", time.Minute)

	conn, err := dialService(t, svc, "/")
	require.NoError(t, err)

	var sess *Session
	require.Eventually(t, func() bool {
		sessions := svc.snapshotSessions()
		if len(sessions) != 1 {
			return false
		}
		sess = sessions[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, StateOpen, sess.State())

	require.NoError(t, conn.Close())

	// Both duties unwind: the read duty sees the disconnect, the write duty
	// is cancelled, and the session settles in the closed state.
	require.Eventually(t, func() bool {
		return sess.State() == StateClosed
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(svc.snapshotSessions()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFanOutDeliversAndDeduplicates(t *testing.T) {
	store := newFakeStore()
	addr, err := status.ParseAddress("192.0.2.1:27015")
	require.NoError(t, err)
	store.set(&status.Status{Address: addr, Name: "First", Tags: []string{}})

	svc := New(store, "/", 50*time.Millisecond)
	svc.StartWatcher()
	t.Cleanup(svc.StopWatcher)

	conn, err := dialService(t, svc, "/")
	require.NoError(t, err)

	writeEnvelope(t, conn, `{"type":"subscribe","entity":{"ip":"192.0.2.1","port":27015}}`)
	waitInterest(t, store)

	env := readEnvelope(t, conn)
	require.Equal(t, "status", env.Type)

	var got status.Status
	require.NoError(t, json.Unmarshal(env.Entity, &got))
	require.Equal(t, "First", got.Name)
	require.Equal(t, addr, got.Address)

	// Let several sweeps pass over the unchanged snapshot, then change it.
	// With deduplication working the very next delivery is the new snapshot;
	// without it the queue would hold a backlog of identical ones.
	time.Sleep(300 * time.Millisecond)
	store.set(&status.Status{Address: addr, Name: "Second", Tags: []string{}})
	env = readEnvelope(t, conn)
	require.Equal(t, "status", env.Type)
	require.NoError(t, json.Unmarshal(env.Entity, &got))
	require.Equal(t, "Second", got.Name)
}
