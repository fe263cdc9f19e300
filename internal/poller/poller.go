// Package poller assembles server statuses from A2S sub-queries and keeps
// the status cache up to date.
//
// The scheduler has two modes. In interest mode it drains the cache's
// interest queue: the number of occurrences of an address in the queue is
// proportional to subscriber interest, which controls how frequently the
// address is polled. In exhaustive mode it walks every address in the cache
// once per iteration, which keeps statuses from going stale when nothing
// subscribes to them.
package poller

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/watchtower/internal/cache"
	"github.com/woozymasta/watchtower/internal/config"
	"github.com/woozymasta/watchtower/internal/game"
	"github.com/woozymasta/watchtower/internal/geoip"
	"github.com/woozymasta/watchtower/internal/status"
	"github.com/woozymasta/watchtower/internal/tags"
	"golang.org/x/time/rate"
)

// Querier issues the three A2S sub-queries against one server.
type Querier interface {
	Query(addr status.Address) (*game.Result, error)
}

// Locator resolves the geographic location of a server.
type Locator interface {
	Locate(ip netip.Addr) geoip.Location
}

// Reader provides addresses to poll. Implemented by cache.Cache.
type Reader interface {
	PopInterest() (status.Address, error)
	Addresses() ([]status.Address, error)
}

// Writer commits assembled statuses. Implemented by cache.Cache.
//
// The reader and writer must be backed by separate cache sessions: Set runs
// a multi-statement transaction which would interfere with queue pops
// interleaved on the same session.
type Writer interface {
	Set(s *status.Status) error
}

// A2SQuerier is the production Querier backed by the game package.
type A2SQuerier struct {
	Options config.A2S
}

// Query implements Querier.
func (q A2SQuerier) Query(addr status.Address) (*game.Result, error) {
	return game.QueryServer(addr.IP.String(), int(addr.Port), q.Options)
}

// Options tunes scheduler behavior.
type Options struct {
	// Rate limits outbound queries per second. Zero disables the limit.
	Rate float64

	// IdleWait pauses the loop after a drain of the interest queue yields
	// no addresses, so an idle poller does not spin on an empty queue.
	IdleWait time.Duration
}

// Poller polls servers and assembles their statuses.
type Poller struct {
	querier Querier
	tagger  *tags.Tagger
	geo     Locator
	limiter *rate.Limiter
	idle    time.Duration
}

// New creates a Poller. geo may be nil, in which case every status carries
// an unknown location.
func New(querier Querier, tagger *tags.Tagger, geo Locator, opts Options) *Poller {
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}

	idle := opts.IdleWait
	if idle <= 0 {
		idle = time.Second
	}

	return &Poller{
		querier: querier,
		tagger:  tagger,
		geo:     geo,
		limiter: limiter,
		idle:    idle,
	}
}

// Assemble polls the state of a single server. It issues the three
// sub-queries, evaluates tags and looks up the server location, and returns
// a fully populated status. Transport failures are returned as *PollError.
//
// Score entries with an empty player name are dropped: newly connected
// players are reported before the server knows their name.
func (p *Poller) Assemble(addr status.Address) (*status.Status, error) {
	log.Debug().Stringer("address", addr).Msg("Polling server")

	result, err := p.querier.Query(addr)
	if err != nil {
		return nil, classify(addr, err)
	}

	var scores []status.PlayerScore
	for _, entry := range result.Players {
		if entry.Name == "" {
			continue
		}
		scores = append(scores, status.PlayerScore{
			Name:     entry.Name,
			Score:    entry.Score,
			Duration: entry.Duration,
		})
	}

	// Location and tags fall back to zero values rather than failing the
	// poll; the status is always complete.
	var location geoip.Location
	if p.geo != nil {
		location = p.geo.Locate(addr.IP)
	}

	tagSet := []string{}
	if p.tagger != nil {
		tagSet = p.tagger.Evaluate(result)
	}

	return &status.Status{
		Address:       addr,
		Interest:      nil,
		Name:          result.Info.Name,
		Map:           result.Info.Map,
		ApplicationID: result.Info.AppID,
		Players: status.Players{
			Current: result.Info.Players,
			Max:     result.Info.MaxPlayers,
			Bots:    result.Info.Bots,
			Scores:  scores,
		},
		Country:   location.Country,
		Latitude:  location.Latitude,
		Longitude: location.Longitude,
		Tags:      tagSet,
	}, nil
}

// Watch polls servers from the cache until ctx is cancelled, updating their
// statuses as it goes. When all is true every cached address is polled per
// iteration, otherwise the interest queue is drained.
//
// read and write must be separate cache sessions, see Writer.
func (p *Poller) Watch(ctx context.Context, read Reader, write Writer, all bool) error {
	log.Info().Bool("all", all).Msg("Watching cache")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		polled, err := p.runOnce(ctx, read, write, all)
		if err != nil {
			return err
		}

		if polled == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.idle):
			}
		}
	}
}

// runOnce performs one outer scheduler iteration: a full drain of the
// interest queue, or one pass over all cached addresses. It returns the
// number of addresses drawn.
func (p *Poller) runOnce(ctx context.Context, read Reader, write Writer, all bool) (int, error) {
	if all {
		addrs, err := read.Addresses()
		if err != nil {
			return 0, err
		}
		for _, addr := range addrs {
			if ctx.Err() != nil {
				return len(addrs), ctx.Err()
			}
			p.pollOne(ctx, write, addr)
		}
		return len(addrs), nil
	}

	polled := 0
	for {
		addr, err := read.PopInterest()
		if errors.Is(err, cache.ErrEmptyQueue) {
			// End of this drain; the queue is repopulated continuously by
			// subscribers, so the next iteration simply starts over.
			return polled, nil
		}
		if err != nil {
			return polled, err
		}

		if ctx.Err() != nil {
			return polled, ctx.Err()
		}

		polled++
		p.pollOne(ctx, write, addr)
	}
}

// pollOne assembles one status and commits it. Polling failures are logged
// and skipped; they never abort the loop.
func (p *Poller) pollOne(ctx context.Context, write Writer, addr status.Address) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
	}

	st, err := p.Assemble(addr)
	if err != nil {
		log.Error().Err(err).Stringer("address", addr).Msg("Couldn't poll server")
		return
	}

	if err := write.Set(st); err != nil {
		log.Error().Err(err).Stringer("address", addr).Msg("Failed to commit status")
	}
}
