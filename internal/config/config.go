package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	DbURI string `env:"UTSKICK_DB_URI" envDefault:"./utskick.sqlite"`

	// Relay is the smarthost everything is delivered through,
	// eg smtp.example.com:587
	Relay     string `env:"UTSKICK_RELAY" envDefault:"localhost:25"`
	RelayUser string `env:"UTSKICK_RELAY_USER"`
	RelayPass string `env:"UTSKICK_RELAY_PASS"`

	// From is the sender address stamped on every newsletter.
	From string `env:"UTSKICK_FROM" envDefault:"newsletter@localhost"`

	Hostname string `env:"UTSKICK_HOSTNAME"` // HELO name, defaults to os.Hostname

	// Connections kept against the relay while dispatching.
	Connections int `env:"UTSKICK_CONNECTIONS" envDefault:"5"`

	// Leader marks this process as the one allowed to run the embedded
	// scheduler. In a multi worker deployment exactly one process
	// should carry it, the flag is handed to us by the deployment and
	// never inferred.
	Leader bool `env:"UTSKICK_LEADER" envDefault:"true"`

	// LogRetention bounds the job execution log, entries older than
	// this are purged by the weekly housekeeping job.
	LogRetention time.Duration `env:"UTSKICK_LOG_RETENTION" envDefault:"168h"`

	// StatsTTL is how long the read side counters may be stale.
	// Zero disables the cache entirely.
	StatsTTL time.Duration `env:"UTSKICK_STATS_TTL" envDefault:"1m"`

	APIPort int      `env:"UTSKICK_API_PORT" envDefault:"8080"`
	APIKeys []string `env:"UTSKICK_API_KEYS" envSeparator:","`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
