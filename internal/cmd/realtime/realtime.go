// Package realtime parses realtime gateway flags and composes the serving
// entrypoint.
package realtime

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/joho/godotenv"

	entrypoint "github.com/canopyhq/canopy/internal/platform/cmd"
	server "github.com/canopyhq/canopy/internal/services/realtime/app"
	"github.com/canopyhq/canopy/internal/services/realtime/bus"
)

// Config holds realtime gateway command configuration.
type Config struct {
	HTTPAddr           string        `env:"CANOPY_REALTIME_HTTP_ADDR"          envDefault:":8090"`
	AuthBaseURL        string        `env:"CANOPY_AUTH_BASE_URL"               envDefault:"http://localhost:8084"`
	AuthResourceSecret string        `env:"CANOPY_AUTH_RESOURCE_SECRET"`
	BrokerURL          string        `env:"CANOPY_REALTIME_BROKER_URL"`
	BrokerRequired     bool          `env:"CANOPY_REALTIME_BROKER_REQUIRED"    envDefault:"false"`
	MaxMessageBytes    int           `env:"CANOPY_REALTIME_MAX_MESSAGE_BYTES"  envDefault:"8192"`
	HeartbeatInterval  time.Duration `env:"CANOPY_REALTIME_HEARTBEAT_INTERVAL" envDefault:"25s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	// Optional: load local .env for development. Missing file is fine.
	_ = godotenv.Load()

	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "realtime HTTP listen address")
	fs.StringVar(&cfg.AuthBaseURL, "auth-base-url", cfg.AuthBaseURL, "auth service base URL")
	fs.StringVar(&cfg.AuthResourceSecret, "auth-resource-secret", cfg.AuthResourceSecret, "auth service resource secret")
	fs.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "broker URL for cross-process rooms (empty runs single-process)")
	fs.BoolVar(&cfg.BrokerRequired, "broker-required", cfg.BrokerRequired, "abort startup when the broker is unreachable")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "maximum inbound message size in bytes")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "server heartbeat ping interval")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the realtime gateway and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRealtime, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:           cfg.HTTPAddr,
			AuthBaseURL:        cfg.AuthBaseURL,
			AuthResourceSecret: cfg.AuthResourceSecret,
			BrokerURL:          cfg.BrokerURL,
			BrokerRequired:     cfg.BrokerRequired,
			MaxMessageBytes:    cfg.MaxMessageBytes,
			HeartbeatInterval:  cfg.HeartbeatInterval,
		}, bus.New()); err != nil {
			return fmt.Errorf("serve realtime: %w", err)
		}
		return nil
	})
}
