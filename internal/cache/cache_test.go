package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/woozymasta/watchtower/internal/status"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()

	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func mustAddr(t *testing.T, s string) status.Address {
	t.Helper()

	addr, err := status.ParseAddress(s)
	require.NoError(t, err)

	return addr
}

func sampleStatus(addr status.Address) *status.Status {
	return &status.Status{
		Address:       addr,
		Name:          "Test Server",
		Map:           "pl_upward",
		ApplicationID: 440,
		Players: status.Players{
			Current: 2,
			Max:     24,
			Bots:    1,
			Scores: []status.PlayerScore{
				{Name: "Bob", Score: 5, Duration: 90 * time.Second},
				{Name: "Ida", Score: 3, Duration: 30 * time.Second},
			},
		},
		Country:   "DE",
		Latitude:  50.1,
		Longitude: 8.6,
		Tags:      []string{"alltalk", "bots"},
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	c := openTestCache(t)
	addr := mustAddr(t, "192.0.2.1:27015")

	require.NoError(t, c.Set(sampleStatus(addr)))

	got, err := c.Get(addr)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, addr, got.Address)
	require.Equal(t, "Test Server", got.Name)
	require.Equal(t, "pl_upward", got.Map)
	require.Equal(t, 440, got.ApplicationID)
	require.Equal(t, 2, got.Players.Current)
	require.Equal(t, 24, got.Players.Max)
	require.Equal(t, 1, got.Players.Bots)
	require.Equal(t, []status.PlayerScore{
		{Name: "Bob", Score: 5, Duration: 90 * time.Second},
		{Name: "Ida", Score: 3, Duration: 30 * time.Second},
	}, got.Players.Scores)
	require.Equal(t, "DE", got.Country)
	require.Equal(t, []string{"alltalk", "bots"}, got.Tags)
}

func TestGetAbsent(t *testing.T) {
	c := openTestCache(t)

	got, err := c.Get(mustAddr(t, "192.0.2.99:27015"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSetIdempotent(t *testing.T) {
	c := openTestCache(t)
	addr := mustAddr(t, "192.0.2.1:27015")

	require.NoError(t, c.Set(sampleStatus(addr)))

	// Second write of the same address supersedes the first entirely.
	updated := sampleStatus(addr)
	updated.Map = "cp_process"
	updated.Players.Scores = []status.PlayerScore{{Name: "Moss", Score: 1, Duration: time.Minute}}
	require.NoError(t, c.Set(updated))
	require.NoError(t, c.Set(updated))

	addrs, err := c.Addresses()
	require.NoError(t, err)
	require.Equal(t, []status.Address{addr}, addrs)

	got, err := c.Get(addr)
	require.NoError(t, err)
	require.Equal(t, "cp_process", got.Map)
	require.Len(t, got.Players.Scores, 1)
	require.Equal(t, "Moss", got.Players.Scores[0].Name)
}

func TestInterestQueueDrain(t *testing.T) {
	c := openTestCache(t)
	a := mustAddr(t, "192.0.2.1:27015")
	b := mustAddr(t, "192.0.2.2:27015")

	// Weight by repetition: a twice, b once.
	require.NoError(t, c.AddInterest(a, 2))
	require.NoError(t, c.AddInterest(b, 1))

	var drained []status.Address
	for {
		addr, err := c.PopInterest()
		if err == ErrEmptyQueue {
			break
		}
		require.NoError(t, err)
		drained = append(drained, addr)
	}
	require.Equal(t, []status.Address{a, a, b}, drained)

	// The empty signal is sticky until new entries arrive, and a later
	// drain restarts cleanly.
	_, err := c.PopInterest()
	require.ErrorIs(t, err, ErrEmptyQueue)

	require.NoError(t, c.AddInterest(b, 1))
	addr, err := c.PopInterest()
	require.NoError(t, err)
	require.Equal(t, b, addr)
}

func TestAddressesEnumeratesCache(t *testing.T) {
	c := openTestCache(t)
	a := mustAddr(t, "192.0.2.1:27015")
	b := mustAddr(t, "192.0.2.2:27015")

	require.NoError(t, c.Set(sampleStatus(a)))
	require.NoError(t, c.Set(sampleStatus(b)))

	addrs, err := c.Addresses()
	require.NoError(t, err)
	require.ElementsMatch(t, []status.Address{a, b}, addrs)

	// Each call performs a fresh scan.
	again, err := c.Addresses()
	require.NoError(t, err)
	require.ElementsMatch(t, addrs, again)
}

func TestPruneStale(t *testing.T) {
	c := openTestCache(t)
	addr := mustAddr(t, "192.0.2.1:27015")

	require.NoError(t, c.Set(sampleStatus(addr)))

	// Fresh entries survive.
	count, err := c.PruneStale(time.Hour)
	require.NoError(t, err)
	require.Zero(t, count)

	// With a zero age everything is stale.
	count, err = c.PruneStale(0)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	got, err := c.Get(addr)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSeparateSessionsShareState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	reader, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	writer, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	addr := mustAddr(t, "192.0.2.1:27015")
	require.NoError(t, writer.Set(sampleStatus(addr)))

	// A write on one session is visible to a subsequent get on another.
	got, err := reader.Get(addr)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, reader.AddInterest(addr, 1))
	popped, err := writer.PopInterest()
	require.NoError(t, err)
	require.Equal(t, addr, popped)
}
