package app

import (
	"context"
	"fmt"
	"time"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/config"
	"github.com/quantarax/dtp/internal/journal"
	"github.com/quantarax/dtp/internal/observability"
	"github.com/quantarax/dtp/internal/quicutil"
	"github.com/quantarax/dtp/internal/session"
	"github.com/quantarax/dtp/internal/transport/quicgo"
)

// ClientResult describes a finished client run.
type ClientResult struct {
	Session string
	State   session.State
	Stats   session.RecvStats
	Elapsed time.Duration
	// Journal is set when a journal was configured.
	Journal *journal.Summary
}

// RunClient connects to cfg.Peer and exchanges blocks until the
// connection closes or ctx ends.
func RunClient(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*ClientResult, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	descriptors, err := loadDescriptors(cfg.Descriptors)
	if err != nil {
		return nil, err
	}
	peer, err := resolveUDP(cfg.Peer)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %s: %w", cfg.Peer, err)
	}
	policy, _ := block.PolicyByName(cfg.Scheduler)
	jr, err := openJournal(cfg.JournalPath, logger)
	if err != nil {
		return nil, err
	}
	if jr != nil {
		defer jr.Close()
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer rt.close()

	engine := quicgo.New(quicgo.Config{
		ClientTLS: quicutil.MakeClientTLSConfig(cfg.ServerName, cfg.ALPN, cfg.Insecure),
		QUIC:      quicgo.DefaultQUICConfig(cfg.IdleTimeout.Duration),
		Logger:    logger,
	})
	c, err := session.NewClient(session.Env{
		Engine:  engine,
		Sched:   session.LoopScheduler(rt.loop),
		Out:     rt.conn,
		Loop:    rt.loop,
		Logger:  logger,
		Metrics: rt.metrics,
		Journal: jr,
	}, session.ClientConfig{
		Local:         rt.local,
		Peer:          peer,
		ServerName:    cfg.ServerName,
		Descriptors:   descriptors,
		Policy:        policy,
		IdleTimeout:   cfg.IdleTimeout.Duration,
		ConnIDLen:     cfg.ConnIDLen,
		MaxPacketSize: cfg.MaxPacketSize,
		ChunkSize:     cfg.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	if jr != nil {
		rt.health.RegisterCheck("journal", observability.JournalCheck(jr.Path(), jr.Healthy))
	}

	start := time.Now()
	c.Start()
	runErr := rt.run(ctx, cfg, engine, c.HandlePackets, c.HandleWake)
	if err := c.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}

	res := &ClientResult{Session: c.Session(), State: c.State(), Elapsed: time.Since(start)}
	if conn := c.Conn(); conn != nil {
		res.Stats = conn.Stats()
	}
	if jr != nil {
		sum, err := jr.Summarize(c.Session())
		if err != nil {
			logger.Error(err, "journal summary failed")
		} else {
			res.Journal = &sum
		}
	}
	return res, runErr
}
