package app

import (
	"context"
	"fmt"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/config"
	"github.com/quantarax/dtp/internal/observability"
	"github.com/quantarax/dtp/internal/quicutil"
	"github.com/quantarax/dtp/internal/session"
	"github.com/quantarax/dtp/internal/transport/quicgo"
)

// Labels binding keys derived from the server secret to their purpose.
const (
	ConnIDLabel = "dtp connection id"
	ResetLabel  = "dtp stateless reset"
)

// RunServer serves DTP sessions until ctx ends or, unless cfg.Linger is
// set, the last connection closed.
func RunServer(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	descriptors, err := loadDescriptors(cfg.Descriptors)
	if err != nil {
		return err
	}
	policy, _ := block.PolicyByName(cfg.Scheduler)
	tlsConf, err := quicutil.LoadServerTLS(cfg.CertFile, cfg.KeyFile, cfg.ALPN)
	if err != nil {
		return err
	}
	key, err := quicutil.DeriveKey([]byte(cfg.Secret), ConnIDLabel)
	if err != nil {
		return err
	}
	resetKey, err := quicutil.DeriveKey([]byte(cfg.Secret), ResetLabel)
	if err != nil {
		return err
	}
	jr, err := openJournal(cfg.JournalPath, logger)
	if err != nil {
		return err
	}
	if jr != nil {
		defer jr.Close()
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	engine := quicgo.New(quicgo.Config{
		TLS:      tlsConf,
		QUIC:     quicgo.DefaultQUICConfig(cfg.IdleTimeout.Duration),
		ResetKey: &resetKey,
		Logger:   logger,
	})
	m, err := session.NewManager(session.Env{
		Engine:  engine,
		Sched:   session.LoopScheduler(rt.loop),
		Out:     rt.conn,
		Loop:    rt.loop,
		Logger:  logger,
		Metrics: rt.metrics,
		Journal: jr,
	}, session.Config{
		Local:          rt.local,
		Descriptors:    descriptors,
		Policy:         policy,
		IdleTimeout:    cfg.IdleTimeout.Duration,
		ConnIDLen:      cfg.ConnIDLen,
		MaxPacketSize:  cfg.MaxPacketSize,
		ChunkSize:      cfg.ChunkSize,
		Key:            key,
		Linger:         cfg.Linger,
		AdmissionRate:  cfg.AdmissionRate,
		AdmissionBurst: cfg.AdmissionBurst,
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		return err
	}
	rt.health.RegisterCheck("connections", observability.ConnectionsCheck(m.Active, cfg.MaxConnections))
	if jr != nil {
		rt.health.RegisterCheck("journal", observability.JournalCheck(jr.Path(), jr.Healthy))
	}

	logger.Info(fmt.Sprintf("serving %d blocks on %s", len(descriptors), rt.local))
	runErr := rt.run(ctx, cfg, engine, m.HandlePackets, m.HandleWake)
	if err := m.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	logger.Info("server stopped")
	return runErr
}
