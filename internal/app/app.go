// Package app wires configuration, sockets, the event loop and the DTP
// session layer into runnable server and client processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/config"
	"github.com/quantarax/dtp/internal/eventloop"
	"github.com/quantarax/dtp/internal/journal"
	"github.com/quantarax/dtp/internal/observability"
	"github.com/quantarax/dtp/internal/transport"
)

// Version is reported by the binaries, traces and the health endpoint.
var Version = "0.1.0"

// readSize bounds one received datagram.
const readSize = 65535

const heartbeatPeriod = time.Second

// resolveUDP resolves a host:port into an unmapped address.
func resolveUDP(addr string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

func listenUDP(addr string) (*net.UDPConn, netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("listen %s: %w", addr, err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr).AddrPort(), nil
}

func loadDescriptors(path string) ([]block.Config, error) {
	if path == "" {
		return nil, nil
	}
	return config.LoadDescriptors(path)
}

func openJournal(path string, logger *observability.Logger) (*journal.Journal, error) {
	if path == "" {
		return nil, nil
	}
	jr, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Info("journal opened at " + path)
	return jr, nil
}

// runtime bundles what both roles run: loop, socket reader, metrics and
// health endpoints.
type runtime struct {
	loop     *eventloop.Loop
	conn     *net.UDPConn
	local    netip.AddrPort
	registry *prometheus.Registry
	metrics  *observability.Metrics
	health   *observability.HealthChecker
	beat     *observability.Heartbeat
	logger   *observability.Logger
}

func newRuntime(cfg *config.Config, logger *observability.Logger) (*runtime, error) {
	conn, local, err := listenUDP(cfg.Listen)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	rt := &runtime{
		loop:     eventloop.New(),
		conn:     conn,
		local:    local,
		registry: reg,
		metrics:  observability.NewMetrics(reg),
		health:   observability.NewHealthChecker(Version),
		beat:     &observability.Heartbeat{},
		logger:   logger,
	}
	rt.health.RegisterCheck("event_loop", observability.EventLoopCheck(rt.beat, 5*heartbeatPeriod))
	rt.health.RegisterCheck("udp", observability.UDPListenerCheck(local.String()))
	return rt, nil
}

// run drives the loop until it stops, then closes the socket.
func (rt *runtime) run(ctx context.Context, cfg *config.Config, engine transport.Engine,
	onPackets func([]eventloop.Datagram) error, onWake func() error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MetricsAddr != "" {
		srv := NewObservabilityServer(cfg.MetricsAddr, rt.metrics, rt.health)
		go serveObservability(srv, rt.logger)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	rt.loop.Schedule(0, func() eventloop.Action {
		rt.beat.Beat()
		return eventloop.After(heartbeatPeriod)
	})
	rt.loop.OnPackets(eventloop.ReadPackets(ctx, rt.conn, readSize), onPackets)
	if w, ok := engine.(transport.Waker); ok {
		rt.loop.OnWake(w.Wakeups(), onWake)
	}

	err := rt.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (rt *runtime) close() error {
	return rt.conn.Close()
}
