package h2s

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// AltSvcEntry is one (alpn, host?, port) triple advertised via the
// Alt-Svc response header on non-HTTP/2 responses.
type AltSvcEntry struct {
	ALPN string `env:"ALPN"`
	Host string `env:"HOST"` // optional; empty means "same host"
	Port int    `env:"PORT"`
}

// Config is the per-virtual-server configuration surface: stream, window,
// worker-pool and timeout limits, plus the Alt-Svc entries this core
// advertises. LoadConfig accepts environment overrides on top of the
// defaults the way jonwraymond-metatools-mcp/internal/config/env.go loads
// its own config struct with caarlos0/env.
type Config struct {
	Enabled bool `env:"H2_ENABLED" envDefault:"true"`

	MaxStreams         int `env:"H2_MAX_STREAMS" envDefault:"100"`
	MaxHeaderListSize  int `env:"H2_MAX_HEADER_LIST_SIZE" envDefault:"16384"`
	InitialWindowSize  int `env:"H2_INITIAL_WINDOW_SIZE" envDefault:"65536"`
	StreamMaxMem       int `env:"H2_STREAM_MAX_MEM" envDefault:"65536"`

	MinWorkers       int           `env:"H2_MIN_WORKERS" envDefault:"2"`
	MaxWorkers       int           `env:"H2_MAX_WORKERS" envDefault:"64"`
	MaxWorkerIdle    time.Duration `env:"H2_MAX_WORKER_IDLE" envDefault:"10s"`

	AltSvcs      []AltSvcEntry `env:"-"`
	AltSvcMaxAge time.Duration `env:"H2_ALT_SVC_MAX_AGE" envDefault:"86400s"`

	KeepaliveTimeout time.Duration `env:"H2_KEEPALIVE_TIMEOUT" envDefault:"60s"`
	RequestTimeout   time.Duration `env:"H2_REQUEST_TIMEOUT" envDefault:"30s"`
	WaitTimeout      time.Duration `env:"H2_WAIT_TIMEOUT" envDefault:"10s"`
}

// DefaultConfig returns a Config with every field at its struct-tag
// default, with no environment lookups performed.
func DefaultConfig() *Config {
	cfg := &Config{}
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadConfig parses Config fields from the process environment on top of
// their defaults, for hosts that want directive-free, env-driven
// configuration (container/orchestrator deployments).
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fairnessQuantum() int {
	return 10
}
