// Package game queries game servers over the Source Engine Query (A2S)
// protocol. It wraps the raw client behind small model types so the rest of
// the application never touches the wire library directly.
package game

import (
	"strings"
	"time"

	"github.com/woozymasta/a2s/pkg/a2s"
	"github.com/woozymasta/watchtower/internal/config"
)

// Info is the subset of the A2S_INFO response the application cares about.
type Info struct {
	Name        string
	Map         string
	Game        string
	Version     string
	Environment string
	Keywords    string
	AppID       int
	Players     int
	MaxPlayers  int
	Bots        int
}

// Player is one row of the A2S_PLAYER response.
type Player struct {
	Name     string
	Score    int
	Duration time.Duration
}

// Result bundles the three sub-query responses for a single server.
// Info and Players are answered independently by the server, so the score
// list may not line up with the player count.
type Result struct {
	Rules   map[string]string
	Players []Player
	Info    Info
}

// QueryServer issues the A2S_INFO, A2S_PLAYER and A2S_RULES requests against
// a server. Each request blocks up to options.Timeout. Any failure aborts
// the whole query; partial results are never returned.
func QueryServer(ip string, port int, options config.A2S) (*Result, error) {
	client, err := a2s.New(ip, port)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	client.BufferSize = options.BufferSize
	client.Timeout = options.Timeout

	info, err := client.GetInfo()
	if err != nil {
		return nil, err
	}

	players, err := client.GetPlayers()
	if err != nil {
		return nil, err
	}

	rules, err := client.GetRules()
	if err != nil {
		return nil, err
	}

	result := &Result{
		Info: Info{
			Name:        info.Name,
			Map:         info.Map,
			Game:        info.Game,
			Version:     info.Version,
			Environment: info.Environment.String(),
			Keywords:    strings.Join(info.Keywords, ","),
			AppID:       int(info.ID),
			Players:     int(info.Players),
			MaxPlayers:  int(info.MaxPlayers),
			Bots:        int(info.Bots),
		},
		Rules: rules,
	}

	for _, p := range *players {
		result.Players = append(result.Players, Player{
			Name:     p.Name,
			Score:    int(p.Score),
			Duration: time.Duration(float64(p.Duration) * float64(time.Second)),
		})
	}

	return result, nil
}
