package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Host        string   `env:"HOST" envDefault:"0.0.0.0"`
	Port        int      `env:"PORT" envDefault:"8080" validate:"min=1,max=65535"`
	DevMode     bool     `env:"DEV_MODE" envDefault:"false"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	// registry
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"30" validate:"min=1"`
	StaleAfter     time.Duration `env:"STALE_AFTER" envDefault:"5m" validate:"gt=0"`
	SweepEvery     time.Duration `env:"SWEEP_EVERY" envDefault:"30s" validate:"gt=0"`

	// calls
	RingTimeout       time.Duration `env:"CALL_RING_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	SignalRequireCall bool          `env:"SIGNAL_REQUIRE_CALL" envDefault:"true"`

	// websocket transport
	WSReadBuf   int           `env:"WS_READ_BUF" envDefault:"65536" validate:"min=1024"`
	WSWriteBuf  int           `env:"WS_WRITE_BUF" envDefault:"65536" validate:"min=1024"`
	WSMaxMsg    int64         `env:"WS_MAX_MSG" envDefault:"1048576" validate:"min=1024"`
	WSSendQueue int           `env:"WS_SEND_QUEUE" envDefault:"64" validate:"min=1"`
	Heartbeat   time.Duration `env:"HEARTBEAT" envDefault:"60s" validate:"gt=0"`

	WSRatePerMin   int    `env:"WS_RATE_PER_MIN" envDefault:"0" validate:"min=0"`
	HTTPRatePerMin int    `env:"HTTP_RATE_PER_MIN" envDefault:"0" validate:"min=0"`
	AdminKey       string `env:"ADMIN_KEY"`

	MetricsRoute string `env:"METRICS_ROUTE" envDefault:"/metrics" validate:"startswith=/"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	ICEURLs        []string `env:"ICE_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	TURNUsername   string   `env:"TURN_USERNAME"`
	TURNCredential string   `env:"TURN_CREDENTIAL"`

	TLSCertFile       string        `env:"TLS_CERT_FILE"`
	TLSKeyFile        string        `env:"TLS_KEY_FILE"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
}

// Load reads an optional .env file and then the process environment.
// A missing .env is not an error.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return FromEnv()
}

func FromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.SweepEvery > c.StaleAfter {
		return errors.New("config: SWEEP_EVERY must not exceed STALE_AFTER")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("config: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

func (c Config) BindAddr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }
