// Package status defines the data model shared by the poller, the cache and
// the websocket service.
package status

import (
	"fmt"
	"net/netip"
	"time"
)

// Address identifies a single game server by IP and query port. It is a
// value type and can be used directly as a map key or compared with ==.
type Address struct {
	IP   netip.Addr `json:"ip"`
	Port uint16     `json:"port"`
}

// ParseAddress parses an address literal in the "ip:port" form.
func ParseAddress(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}

	return Address{IP: ap.Addr(), Port: ap.Port()}, nil
}

// String returns the address in the same "ip:port" form ParseAddress accepts.
func (a Address) String() string {
	return netip.AddrPortFrom(a.IP, a.Port).String()
}

// IsValid reports whether the address carries a usable IP and port.
func (a Address) IsValid() bool {
	return a.IP.IsValid() && a.Port != 0
}

// PlayerScore is the score line of one connected player. Entries with an
// empty name never make it into a Status; the server has not propagated the
// name of a freshly joined player yet and such rows carry no information.
type PlayerScore struct {
	Name     string        `json:"name"`
	Score    int           `json:"score"`
	Duration time.Duration `json:"duration"`
}

// Players holds the player state of a server. Current, Max and Bots come
// from the info query while Scores is built from the separate players query.
// The two queries race on a live server, so len(Scores) is allowed to
// disagree with Current.
type Players struct {
	Scores  []PlayerScore `json:"scores"`
	Current int           `json:"current"`
	Max     int           `json:"max"`
	Bots    int           `json:"bots"`
}

// Status is one fully assembled snapshot of a server. It is always built
// atomically with every field populated; a new poll of the same address
// supersedes the previous snapshot entirely.
type Status struct {
	// Interest is the subscriber weight assigned by the cache layer.
	// It is nil on a freshly assembled status.
	Interest *int64 `json:"interest"`

	Name          string   `json:"name"`
	Map           string   `json:"map"`
	Country       string   `json:"country"`
	Tags          []string `json:"tags"`
	Players       Players  `json:"players"`
	Address       Address  `json:"address"`
	ApplicationID int      `json:"application_id"`
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
}
