package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/quantarax/dtp/internal/app"
	"github.com/quantarax/dtp/internal/config"
	"github.com/quantarax/dtp/internal/observability"
)

func main() {
	a := cli.NewApp()
	a.Name = "dtp-client"
	a.Usage = "Exchange deadline-aware blocks with a DTP server"
	a.Version = app.Version
	a.Flags = append(app.CommonFlags(),
		&cli.StringFlag{
			Name:    "peer",
			Aliases: []string{"p"},
			Usage:   "server address (host:port)",
		},
		&cli.StringFlag{
			Name:  "server-name",
			Usage: "expected TLS server name",
		},
		&cli.BoolFlag{
			Name:  "insecure",
			Usage: "skip certificate verification",
		},
	)
	a.Action = run

	if err := a.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := app.LoadConfig(c, config.DefaultClient())
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg, "dtp-client")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, "dtp-client", app.Version)
	if err != nil {
		logger.Warn("tracing disabled: " + err.Error())
	} else {
		defer shutdown(context.Background())
	}

	res, err := app.RunClient(ctx, cfg, logger)
	if res != nil {
		report(res)
	}
	return err
}

func report(res *app.ClientResult) {
	fmt.Printf("Session:  %s (%s)\n", res.Session, res.State)
	fmt.Printf("Received: %d blocks, %s in %s\n",
		res.Stats.Blocks, humanize.IBytes(res.Stats.Bytes), res.Elapsed.Round(time.Millisecond))
	fmt.Printf("Deadline: %d met, %d missed\n", res.Stats.Met, res.Stats.Missed)
	if j := res.Journal; j != nil && j.Blocks > 0 {
		fmt.Printf("Journal:  %s recorded, mean completion %s, worst %s\n",
			humanize.Comma(int64(j.Blocks)), j.Mean, j.Worst)
	}
}
