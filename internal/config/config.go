// Package config handles the parsing and validation of application
// configuration from command-line arguments and environment variables.
package config

import (
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/woozymasta/watchtower/internal/logger"
	"github.com/woozymasta/watchtower/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Cache  Cache         `group:"Cache Options" namespace:"db" env-namespace:"WATCHTOWER_DB"`
	GeoIP  GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"WATCHTOWER_GEOIP"`
	A2S    A2S           `group:"A2S Options" namespace:"a2s" env-namespace:"WATCHTOWER_A2S"`
	Logger logger.Config `group:"Logger Options" namespace:"log" env-namespace:"WATCHTOWER_LOG"`

	Poll   PollCmd   `command:"poll" description:"Poll a single server once and print its status"`
	Poller PollerCmd `command:"poller" description:"Continuously poll servers from the cache"`
	Socket SocketCmd `command:"websocket" description:"Serve the websocket subscription service"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Cache holds status cache database configuration.
type Cache struct {
	Path string `short:"d" long:"path" env:"PATH" description:"Path to SQLite cache database" default:"watchtower.db"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file" default:"watchtower.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-City.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
}

// A2S holds Source Query protocol configuration.
type A2S struct {
	// betteralign:ignore

	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Query timeout" default:"5s"`
	BufferSize uint16        `long:"buffer-size" env:"BUFFER_SIZE" description:"Response body buffer size" default:"1400"`
}

// PollCmd holds arguments of the one-shot poll subcommand.
type PollCmd struct {
	Args struct {
		Address string `positional-arg-name:"address" description:"Server address in the <ip>:<port> form" required:"true"`
	} `positional-args:"true"`
}

// PollerCmd holds flags of the continuous poller subcommand.
type PollerCmd struct {
	// betteralign:ignore

	All        bool          `long:"all" env:"ALL" description:"Poll all servers in the cache, not only those in the interest queue"`
	Rate       float64       `long:"rate" env:"RATE" description:"Maximum queries per second, 0 disables the limit" default:"0"`
	IdleWait   time.Duration `long:"idle-wait" env:"IDLE_WAIT" description:"Pause after draining an empty interest queue" default:"1s"`
	PruneStale time.Duration `long:"prune-stale" description:"Delete cache entries not updated within the given age and exit"`

	GenerateCount int `long:"gen-fake-data" hidden:"true"`
}

// SocketCmd holds arguments and flags of the websocket subcommand.
type SocketCmd struct {
	// betteralign:ignore

	Args struct {
		Port int `positional-arg-name:"port" description:"Port the websocket service will listen on" required:"true"`
	} `positional-args:"true"`

	Path          string        `long:"path" env:"PATH" description:"Expected request path for new connections" default:"/"`
	WatchInterval time.Duration `long:"watch-interval" env:"WATCH_INTERVAL" description:"How often subscriptions are checked for updates" default:"3s"`
}

// Parse reads the configuration from flags and environment variables and
// returns it together with the name of the selected subcommand. It
// terminates the application if the configuration is invalid, no subcommand
// was given, or the help or version flag is invoked.
func Parse() (*Config, string) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"
	parser.SubcommandsOptional = true

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	if parser.Active == nil {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	return &cfg, parser.Active.Name
}
