// Package fake generates random status data for testing and development.
package fake

import (
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/watchtower/internal/cache"
	"github.com/woozymasta/watchtower/internal/status"
)

// GenerateData populates the cache with a specified number of randomized
// statuses and seeds the interest queue so the poller and websocket service
// have something to chew on during development.
func GenerateData(c *cache.Cache, count int) {
	maps := []string{"pl_upward", "cp_dustbowl", "koth_harvest", "pl_badwater", "cp_process", "ctf_2fort"}
	tagSets := [][]string{
		{"alltalk", "bots"},
		{"full", "no-crits"},
		{"empty"},
		{"respawn-times"},
		{},
	}
	countries := []string{"US", "DE", "RU", "FR", "GB", "PL", "SE", "BR", "AU", "JP"}
	names := []string{"Bob", "Ida", "Moss", "Roy", "Jen", "Richmond", "Douglas"}

	for i := 0; i < count; i++ {
		ip := netip.AddrFrom4([4]byte{
			byte(rand.Intn(220) + 1), byte(rand.Intn(255)),
			byte(rand.Intn(255)), byte(rand.Intn(255)),
		})
		addr := status.Address{IP: ip, Port: uint16(27015 + rand.Intn(10))}

		maxPlayers := 24
		current := rand.Intn(maxPlayers + 1)

		var scores []status.PlayerScore
		for j := 0; j < current; j++ {
			scores = append(scores, status.PlayerScore{
				Name:     fmt.Sprintf("%s_%d", names[rand.Intn(len(names))], rand.Intn(100)),
				Score:    rand.Intn(40),
				Duration: randDuration(),
			})
		}

		st := &status.Status{
			Address:       addr,
			Name:          fmt.Sprintf("Fake Server #%d", i),
			Map:           maps[rand.Intn(len(maps))],
			ApplicationID: 440,
			Players: status.Players{
				Current: current,
				Max:     maxPlayers,
				Bots:    rand.Intn(3),
				Scores:  scores,
			},
			Country:   countries[rand.Intn(len(countries))],
			Latitude:  rand.Float64()*180 - 90,
			Longitude: rand.Float64()*360 - 180,
			Tags:      tagSets[rand.Intn(len(tagSets))],
		}

		if err := c.Set(st); err != nil {
			log.Warn().Err(err).Msg("Failed to generate fake status")
			continue
		}

		// Most fake servers also appear in the interest queue, a few with
		// extra weight.
		if rand.Float32() < 0.8 {
			weight := 1 + rand.Intn(3)
			if err := c.AddInterest(addr, weight); err != nil {
				log.Warn().Err(err).Msg("Failed to seed interest queue")
			}
		}
	}
}

func randDuration() time.Duration {
	return time.Duration(rand.Intn(7200)) * time.Second
}
