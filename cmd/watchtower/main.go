// main is the entry point of the Watchtower application. It dispatches the
// poll, poller and websocket subcommands and maps failures onto the
// process exit codes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/watchtower/internal/cache"
	"github.com/woozymasta/watchtower/internal/config"
	"github.com/woozymasta/watchtower/internal/fake"
	"github.com/woozymasta/watchtower/internal/geoip"
	"github.com/woozymasta/watchtower/internal/logger"
	"github.com/woozymasta/watchtower/internal/maintenance"
	"github.com/woozymasta/watchtower/internal/poller"
	"github.com/woozymasta/watchtower/internal/socket"
	"github.com/woozymasta/watchtower/internal/status"
	"github.com/woozymasta/watchtower/internal/tags"
)

// Process exit codes.
const (
	exitOK         = 0
	exitFatal      = 1
	exitUnexpected = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, command := config.Parse()
	logger.Setup(cfg.Logger)

	switch command {
	case "poll":
		return runPoll(cfg)
	case "poller":
		return runPoller(cfg)
	case "websocket":
		return runSocket(cfg)
	default:
		log.Error().Str("command", command).Msg("Unknown command")
		return exitUnexpected
	}
}

// runPoll polls a single server once and prints its status. The result is
// not written to the cache.
func runPoll(cfg *config.Config) int {
	addr, err := status.ParseAddress(cfg.Poll.Args.Address)
	if err != nil {
		log.Error().Err(err).Msg("Invalid server address")
		return exitFatal
	}

	geo, code := openGeoIP(cfg)
	if code != exitOK {
		return code
	}
	defer closeGeoIP(geo)

	p := poller.New(poller.A2SQuerier{Options: cfg.A2S}, tags.Default(), geo, poller.Options{})
	st, err := p.Assemble(addr)
	if err != nil {
		log.Error().Err(err).Msg("Couldn't poll server")
		return exitFatal
	}

	printStatus(st)
	return exitOK
}

// runPoller continuously polls servers from the cache until interrupted.
func runPoller(cfg *config.Config) int {
	geo, code := openGeoIP(cfg)
	if code != exitOK {
		return code
	}
	defer closeGeoIP(geo)

	// Two separate cache sessions: one reads addresses, one writes the
	// updates. Committing a status opens a multi-statement transaction
	// which must not interleave with queue reads on the same session.
	rCache, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open cache for reading")
		return exitFatal
	}
	defer closeCache(rCache)

	wCache, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open cache for writing")
		return exitFatal
	}
	defer closeCache(wCache)

	// data generation or cache maintenance
	if cfg.Poller.GenerateCount > 0 {
		fake.GenerateData(wCache, cfg.Poller.GenerateCount)
		return exitOK
	} else if maintenance.Run(&cfg.Poller, wCache) {
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := poller.New(poller.A2SQuerier{Options: cfg.A2S}, tags.Default(), geo, poller.Options{
		Rate:     cfg.Poller.Rate,
		IdleWait: cfg.Poller.IdleWait,
	})

	log.Info().Msg("Starting poller")
	err = p.Watch(ctx, rCache, wCache, cfg.Poller.All)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Poller failed")
		return exitUnexpected
	}

	log.Info().Msg("Stopping poller")
	return exitOK
}

// runSocket serves the websocket subscription service until interrupted.
func runSocket(cfg *config.Config) int {
	store, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open cache")
		return exitFatal
	}
	defer closeCache(store)

	svc := socket.New(store, cfg.Socket.Path, cfg.Socket.WatchInterval)
	svc.StartWatcher()

	// No WriteTimeout: websocket connections are long lived.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Socket.Args.Port),
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Socket.Args.Port).Msg("Websocket server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down websocket server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	svc.StopWatcher()

	log.Info().Msg("Server exited")
	return exitOK
}

// openGeoIP ensures the GeoIP database is present and opens it. A failed
// download is tolerated when a previous copy exists; an unreadable database
// is a fatal setup error.
func openGeoIP(cfg *config.Config) (*geoip.Provider, int) {
	log.Info().Str("path", cfg.GeoIP.Path).Msg("Checking GeoIP database...")
	if err := geoip.EnsureDB(cfg.GeoIP.Path, cfg.GeoIP.URL, cfg.GeoIP.Interval); err != nil {
		log.Error().Err(err).Msg("Failed to download GeoIP database")
	}

	geo, err := geoip.Open(cfg.GeoIP.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open GeoIP database")
		return nil, exitFatal
	}

	return geo, exitOK
}

func closeGeoIP(geo *geoip.Provider) {
	if err := geo.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing GeoIP provider")
	}
}

func closeCache(c *cache.Cache) {
	if err := c.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing cache")
	}
}

// printStatus writes a human-readable status report to stdout.
func printStatus(st *status.Status) {
	scores := make([]status.PlayerScore, len(st.Players.Scores))
	copy(scores, st.Players.Scores)
	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })

	fmt.Println()
	fmt.Println("Status")
	fmt.Println("------")
	fmt.Println()
	fmt.Println("Address:  ", st.Address)
	fmt.Println("Location: ", st.Country, st.Latitude, st.Longitude)
	fmt.Println("App:      ", st.ApplicationID)
	fmt.Println("Name:     ", st.Name)
	fmt.Println("Map:      ", st.Map)
	fmt.Println("Tags:")
	for _, tag := range st.Tags {
		fmt.Println(" -", tag)
	}
	fmt.Printf("Players: %d/%d (%d bots)\n", st.Players.Current, st.Players.Max, st.Players.Bots)
	for _, p := range scores {
		fmt.Printf(" - %-10s %4d %s\n", p.Duration.Truncate(time.Second), p.Score, p.Name)
	}
}
