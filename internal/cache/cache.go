// Package cache implements the shared server status cache and the interest
// queue on top of SQLite.
//
// A Cache value owns one database session. Components that must not share a
// session (the poller reads addresses and writes statuses concurrently, and
// Set is a multi-statement transaction) open separate Cache values against
// the same file.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/woozymasta/watchtower/internal/status"
	_ "modernc.org/sqlite" // Driver sqlite
)

// ErrEmptyQueue is returned by PopInterest when the interest queue has no
// entries. It marks the end of a drain, not a failure.
var ErrEmptyQueue = errors.New("interest queue is empty")

// Cache manages one SQLite session over the status store.
type Cache struct {
	db *sql.DB
}

// Open initializes a new SQLite session, sets connection pool parameters,
// and runs migrations.
func Open(dbPath string) (*Cache, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Cache{db: db}, nil
}

// Close closes the underlying database session.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Set commits one status snapshot. The write replaces any previous snapshot
// of the same address entirely, so writing the same status twice leaves a
// single record equal to the latest write. The status row and its score rows
// are replaced in one transaction.
func (c *Cache) Set(s *status.Status) error {
	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ip := s.Address.IP.String()
	port := int(s.Address.Port)

	_, err = tx.Exec(`
		INSERT INTO statuses (
			ip, port, name, map_name, application_id,
			players, max_players, bots,
			country, latitude, longitude, tags, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip, port) DO UPDATE SET
			name           = excluded.name,
			map_name       = excluded.map_name,
			application_id = excluded.application_id,
			players        = excluded.players,
			max_players    = excluded.max_players,
			bots           = excluded.bots,
			country        = excluded.country,
			latitude       = excluded.latitude,
			longitude      = excluded.longitude,
			tags           = excluded.tags,
			updated_at     = excluded.updated_at;
	`,
		ip, port, s.Name, s.Map, s.ApplicationID,
		s.Players.Current, s.Players.Max, s.Players.Bots,
		s.Country, s.Latitude, s.Longitude, string(tags), time.Now(),
	)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM player_scores WHERE ip = ? AND port = ?`, ip, port); err != nil {
		return err
	}

	for i, score := range s.Players.Scores {
		_, err := tx.Exec(`
			INSERT INTO player_scores (ip, port, idx, name, score, duration)
			VALUES (?, ?, ?, ?, ?, ?)
		`, ip, port, i, score.Name, score.Score, int64(score.Duration))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get retrieves the cached status of an address, or nil when the address is
// not cached.
func (c *Cache) Get(addr status.Address) (*status.Status, error) {
	ip := addr.IP.String()
	port := int(addr.Port)

	row := c.db.QueryRow(`
		SELECT interest, name, map_name, application_id,
		       players, max_players, bots,
		       country, latitude, longitude, tags
		FROM statuses
		WHERE ip = ? AND port = ?
	`, ip, port)

	var (
		s    status.Status
		tags string
	)
	err := row.Scan(
		&s.Interest, &s.Name, &s.Map, &s.ApplicationID,
		&s.Players.Current, &s.Players.Max, &s.Players.Bots,
		&s.Country, &s.Latitude, &s.Longitude, &tags,
	)
	if err == sql.ErrNoRows {
		return nil, nil // Not cached
	}
	if err != nil {
		return nil, err
	}

	s.Address = addr
	if err := json.Unmarshal([]byte(tags), &s.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}

	rows, err := c.db.Query(`
		SELECT name, score, duration
		FROM player_scores
		WHERE ip = ? AND port = ?
		ORDER BY idx
	`, ip, port)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			score status.PlayerScore
			dur   int64
		)
		if err := rows.Scan(&score.Name, &score.Score, &dur); err != nil {
			return nil, err
		}
		score.Duration = time.Duration(dur)
		s.Players.Scores = append(s.Players.Scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &s, nil
}

// AddInterest appends an address to the interest queue weight times. The
// queue is weighted by multiplicity: the more entries an address has, the
// more often the poller draws it.
func (c *Cache) AddInterest(addr status.Address, weight int) error {
	for i := 0; i < weight; i++ {
		_, err := c.db.Exec(
			`INSERT INTO interest_queue (ip, port) VALUES (?, ?)`,
			addr.IP.String(), int(addr.Port),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// PopInterest atomically takes and removes the oldest entry of the interest
// queue. It returns ErrEmptyQueue when no entries remain.
func (c *Cache) PopInterest() (status.Address, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return status.Address{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id   int64
		ip   string
		port int
	)
	row := tx.QueryRow(`SELECT id, ip, port FROM interest_queue ORDER BY id LIMIT 1`)
	if err := row.Scan(&id, &ip, &port); err != nil {
		if err == sql.ErrNoRows {
			return status.Address{}, ErrEmptyQueue
		}
		return status.Address{}, err
	}

	if _, err := tx.Exec(`DELETE FROM interest_queue WHERE id = ?`, id); err != nil {
		return status.Address{}, err
	}
	if err := tx.Commit(); err != nil {
		return status.Address{}, err
	}

	parsed, err := netip.ParseAddr(ip)
	if err != nil {
		return status.Address{}, fmt.Errorf("corrupt queue entry %q: %w", ip, err)
	}

	return status.Address{IP: parsed, Port: uint16(port)}, nil
}

// Addresses enumerates every address currently cached. Each call performs a
// fresh scan.
func (c *Cache) Addresses() ([]status.Address, error) {
	rows, err := c.db.Query(`SELECT ip, port FROM statuses ORDER BY ip, port`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var addrs []status.Address
	for rows.Next() {
		var (
			ip   string
			port int
		)
		if err := rows.Scan(&ip, &port); err != nil {
			continue
		}
		parsed, err := netip.ParseAddr(ip)
		if err != nil {
			continue
		}
		addrs = append(addrs, status.Address{IP: parsed, Port: uint16(port)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return addrs, nil
}

// PruneStale deletes statuses that have not been updated within the given
// age, together with their score rows. It returns the number of statuses
// removed.
func (c *Cache) PruneStale(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)

	tx, err := c.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		DELETE FROM player_scores WHERE (ip, port) IN (
			SELECT ip, port FROM statuses WHERE updated_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec(`DELETE FROM statuses WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return count, tx.Commit()
}
