package app

import (
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/quantarax/dtp/internal/config"
	"github.com/quantarax/dtp/internal/observability"
)

// CommonFlags are accepted by both binaries.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "TOML configuration file",
			EnvVars: []string{"DTP_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "listen",
			Aliases: []string{"l"},
			Usage:   "local UDP address",
		},
		&cli.StringFlag{
			Name:    "descriptors",
			Aliases: []string{"d"},
			Usage:   "block descriptors, .toml or trace file",
		},
		&cli.StringFlag{
			Name:  "scheduler",
			Usage: "send order of queued blocks: fifo or priority",
		},
		&cli.DurationFlag{
			Name:  "idle-timeout",
			Usage: "timer period when no connection needs one",
		},
		&cli.StringFlag{
			Name:  "metrics",
			Usage: "address for /metrics, /health and pprof",
		},
		&cli.StringFlag{
			Name:  "journal",
			Usage: "bolt database recording received blocks",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
		&cli.BoolFlag{
			Name:  "pretty",
			Usage: "human readable console logs",
		},
	}
}

// LoadConfig builds the configuration: base defaults, then the config
// file, then flags that were set explicitly.
func LoadConfig(c *cli.Context, base *config.Config) (*config.Config, error) {
	cfg := base
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path, base); err != nil {
			return nil, err
		}
	}

	strs := map[string]*string{
		"listen":      &cfg.Listen,
		"descriptors": &cfg.Descriptors,
		"scheduler":   &cfg.Scheduler,
		"metrics":     &cfg.MetricsAddr,
		"journal":     &cfg.JournalPath,
		"log-level":   &cfg.LogLevel,
		"peer":        &cfg.Peer,
		"server-name": &cfg.ServerName,
		"cert":        &cfg.CertFile,
		"key":         &cfg.KeyFile,
		"secret":      &cfg.Secret,
	}
	for name, dst := range strs {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	bools := map[string]*bool{
		"pretty":   &cfg.LogPretty,
		"insecure": &cfg.Insecure,
		"linger":   &cfg.Linger,
	}
	for name, dst := range bools {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}
	if c.IsSet("idle-timeout") {
		cfg.IdleTimeout.Duration = c.Duration("idle-timeout")
	}
	if c.IsSet("max-connections") {
		cfg.MaxConnections = c.Int("max-connections")
	}
	return cfg, nil
}

// NewLogger returns the process logger configured by cfg.
func NewLogger(cfg *config.Config, service string) (*observability.Logger, error) {
	var out io.Writer = os.Stderr
	logger := observability.NewLogger(service, Version, out)
	if cfg.LogPretty {
		logger = observability.NewConsoleLogger(service, Version, out)
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return logger, nil
}
