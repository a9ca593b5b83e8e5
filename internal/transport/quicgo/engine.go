// Package quicgo implements transport.Engine on top of quic-go. Each
// connection gets its own quic.Transport running over an in-memory packet
// pipe, so the caller keeps owning the UDP socket and the routing of
// datagrams between connections.
package quicgo

import (
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quantarax/dtp/internal/observability"
	"github.com/quantarax/dtp/internal/transport"
)

// Config configures an Engine.
type Config struct {
	// TLS is required to accept connections.
	TLS *tls.Config
	// ClientTLS is required to connect.
	ClientTLS *tls.Config
	QUIC      *quic.Config
	// ResetKey enables stateless resets when set.
	ResetKey *[32]byte
	Logger   *observability.Logger
}

// DefaultQUICConfig returns the quic-go settings DTP endpoints use.
func DefaultQUICConfig(idle time.Duration) *quic.Config {
	return &quic.Config{
		Versions:                       []quic.Version{quic.Version1, quic.Version2},
		MaxIdleTimeout:                 idle,
		MaxIncomingStreams:             16,
		MaxIncomingUniStreams:          1 << 12,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
		DisablePathMTUDiscovery:        true,
	}
}

// Engine creates quic-go connections. Its connections make progress on
// their own goroutines and report it on Wakeups.
type Engine struct {
	transport.Wire

	tls       *tls.Config
	clientTLS *tls.Config
	quic      *quic.Config
	resetKey  *quic.StatelessResetKey
	logger    *observability.Logger
	wake      chan struct{}
}

// New returns an Engine for cfg.
func New(cfg Config) *Engine {
	if cfg.QUIC == nil {
		cfg.QUIC = DefaultQUICConfig(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	w := transport.DefaultWire()
	if len(cfg.QUIC.Versions) > 0 {
		w.Versions = make([]uint32, 0, len(cfg.QUIC.Versions))
		for _, v := range cfg.QUIC.Versions {
			w.Versions = append(w.Versions, uint32(v))
		}
	}
	var resetKey *quic.StatelessResetKey
	if cfg.ResetKey != nil {
		k := quic.StatelessResetKey(*cfg.ResetKey)
		resetKey = &k
	}
	return &Engine{
		Wire:      w,
		resetKey:  resetKey,
		tls:       cfg.TLS,
		clientTLS: cfg.ClientTLS,
		quic:      cfg.QUIC,
		logger:    cfg.Logger,
		wake:      make(chan struct{}, 1),
	}
}

// Wakeups implements transport.Waker.
func (e *Engine) Wakeups() <-chan struct{} { return e.wake }

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Retry always fails: quic-go validates addresses inside its own
// transport and cannot take over a connection another party retried.
func (e *Engine) Retry(_, _, _, _ []byte, _ uint32, _ []byte) (int, error) {
	return 0, transport.ErrRetryUnsupported
}

// Accept starts a server connection whose first source id is scid.
func (e *Engine) Accept(scid, _ []byte, local, peer netip.AddrPort) (transport.Conn, error) {
	if e.tls == nil {
		return nil, errors.New("quicgo: no server TLS config")
	}
	c := newConn(e, true, scid, local, peer)
	ln, err := c.tr.Listen(e.tls, e.quic)
	if err != nil {
		c.Release()
		return nil, err
	}
	c.ln = ln
	go func() {
		qc, err := ln.Accept(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}
		c.started(qc)
	}()
	return c, nil
}

// Connect starts a client connection to peer.
func (e *Engine) Connect(serverName string, scid []byte, local, peer netip.AddrPort) (transport.Conn, error) {
	if e.clientTLS == nil {
		return nil, errors.New("quicgo: no client TLS config")
	}
	tlsConf := e.clientTLS.Clone()
	if serverName != "" {
		tlsConf.ServerName = serverName
	}
	c := newConn(e, false, scid, local, peer)
	go func() {
		qc, err := c.tr.Dial(c.ctx, udpAddr(peer), tlsConf, e.quic)
		if err != nil {
			e.logger.ConnectionFailed(peer.String(), err)
			c.fail(err)
			return
		}
		c.started(qc)
	}()
	return c, nil
}

func udpAddr(ap netip.AddrPort) *net.UDPAddr {
	if !ap.IsValid() {
		return &net.UDPAddr{}
	}
	return net.UDPAddrFromAddrPort(ap)
}
