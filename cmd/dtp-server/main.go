package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/quantarax/dtp/internal/app"
	"github.com/quantarax/dtp/internal/config"
	"github.com/quantarax/dtp/internal/observability"
)

func main() {
	a := cli.NewApp()
	a.Name = "dtp-server"
	a.Usage = "Serve deadline-aware block transfers over QUIC"
	a.Version = app.Version
	a.Flags = append(app.CommonFlags(),
		&cli.StringFlag{
			Name:  "cert",
			Usage: "TLS certificate (PEM); a self-signed one is generated when empty",
		},
		&cli.StringFlag{
			Name:  "key",
			Usage: "TLS private key (PEM)",
		},
		&cli.StringFlag{
			Name:    "secret",
			Usage:   "secret for connection id derivation",
			EnvVars: []string{"DTP_SECRET"},
		},
		&cli.BoolFlag{
			Name:  "linger",
			Usage: "keep running after the last connection closed",
		},
		&cli.IntFlag{
			Name:  "max-connections",
			Usage: "concurrent connection limit, 0 for none",
		},
	)
	a.Action = serve

	if err := a.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg, err := app.LoadConfig(c, config.DefaultServer())
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg, "dtp-server")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, "dtp-server", app.Version)
	if err != nil {
		logger.Warn("tracing disabled: " + err.Error())
	} else {
		defer shutdown(context.Background())
	}

	return app.RunServer(ctx, cfg, logger)
}
