package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/dtp"
	"github.com/quantarax/dtp/internal/eventloop"
	"github.com/quantarax/dtp/internal/transport"
)

// Defaults applied to a zero Config.
const (
	DefaultIdleTimeout   = 5 * time.Second
	DefaultConnIDLen     = transport.MaxConnIDLen
	DefaultMaxPacketSize = 1350
)

// Config configures a Manager.
type Config struct {
	Local       netip.AddrPort
	Descriptors []block.Config
	Policy      block.InsertPolicy

	// IdleTimeout is the timer period when no connection asks for one.
	IdleTimeout   time.Duration
	ConnIDLen     int
	MaxPacketSize int
	ChunkSize     int
	// Key derives server connection ids from client ids.
	Key [32]byte
	// Linger keeps the manager running after the last connection closed.
	Linger bool

	// AdmissionRate limits new connections per second; zero disables it.
	AdmissionRate  float64
	AdmissionBurst int
	// MaxConnections caps concurrent connections; zero disables it.
	MaxConnections int
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ConnIDLen <= 0 {
		c.ConnIDLen = DefaultConnIDLen
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = dtp.DefaultChunkSize
	}
	if c.Policy == nil {
		c.Policy = block.FIFO{}
	}
	if c.AdmissionBurst <= 0 {
		c.AdmissionBurst = 1
	}
}

// Manager accepts connections on one socket and runs a DTP session on
// each of them.
type Manager struct {
	cfg     Config
	env     Env
	deriver *connIDDeriver
	limiter *rate.Limiter

	byID   map[string]*Connection
	conns  []*Connection
	active atomic.Int64
	timer  Timer
	out    []byte
}

// NewManager validates cfg and returns a Manager ready for packets.
func NewManager(env Env, cfg Config) (*Manager, error) {
	env.setDefaults()
	if err := env.validate(); err != nil {
		return nil, err
	}
	env.Logger = env.Logger.WithRole(dtp.RoleServer.String())
	cfg.setDefaults()
	if len(cfg.Descriptors) == 0 {
		return nil, block.ErrConfigEmpty
	}
	if err := checkDescriptors(cfg.Descriptors); err != nil {
		return nil, err
	}
	if cfg.ConnIDLen > transport.MaxConnIDLen {
		return nil, fmt.Errorf("session: connection id length %d exceeds %d", cfg.ConnIDLen, transport.MaxConnIDLen)
	}
	deriver, err := newConnIDDeriver(cfg.Key, cfg.ConnIDLen)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.AdmissionRate > 0 {
		limit = rate.Limit(cfg.AdmissionRate)
	}
	return &Manager{
		cfg:     cfg,
		env:     env,
		deriver: deriver,
		limiter: rate.NewLimiter(limit, cfg.AdmissionBurst),
		byID:    make(map[string]*Connection),
		out:     make([]byte, cfg.MaxPacketSize),
	}, nil
}

// Active returns the number of live connections. It is safe to call from
// any goroutine.
func (m *Manager) Active() int { return int(m.active.Load()) }

// Connections returns the live connections in admission order.
func (m *Manager) Connections() []*Connection { return m.conns }

// HandlePackets feeds a batch of datagrams to the matching connections,
// admitting new ones, then sends whatever the connections produced. Only
// socket write failures are returned.
func (m *Manager) HandlePackets(batch []eventloop.Datagram) error {
	m.env.Metrics.RecordPackets("in", len(batch))
	for _, d := range batch {
		m.handleDatagram(d)
	}
	return m.afterBatch()
}

// HandleWake processes connections after the engine reported progress.
func (m *Manager) HandleWake() error {
	for _, c := range m.conns {
		c.process()
	}
	return m.afterBatch()
}

func (m *Manager) handleDatagram(d eventloop.Datagram) {
	from := d.From.String()
	hdr, err := m.env.Engine.ParseHeader(d.Data, m.cfg.ConnIDLen)
	if err != nil {
		m.env.Logger.PacketDropped(from, len(d.Data), err)
		return
	}

	c := m.lookup(hdr.DCID)
	if c == nil {
		c, err = m.admit(hdr, d)
		if err != nil {
			m.reject(d.From, err)
			return
		}
		if c == nil {
			return
		}
	}

	if _, err := c.conn.Recv(d.Data, transport.RecvInfo{From: d.From, To: d.To}); err != nil {
		c.logger.Error(err, "packet processing failed")
		return
	}
	c.process()
}

func (m *Manager) lookup(dcid []byte) *Connection {
	if c, ok := m.byID[string(dcid)]; ok {
		return c
	}
	if len(dcid) == 0 {
		return nil
	}
	return m.byID[string(m.deriver.derive(dcid))]
}

// admit decides what to do with a packet no connection claims. A nil
// connection with a nil error means a stateless reply was sent.
func (m *Manager) admit(hdr transport.Header, d eventloop.Datagram) (*Connection, error) {
	if hdr.Type != transport.PacketInitial {
		return nil, ErrNotInitial
	}
	if !m.env.Engine.VersionSupported(hdr.Version) {
		n, err := m.env.Engine.NegotiateVersion(hdr.SCID, hdr.DCID, m.out)
		if err != nil {
			return nil, err
		}
		m.writeStateless(m.out[:n], d.From)
		m.env.Metrics.RecordVersionNegotiation()
		m.env.Logger.VersionNegotiated(d.From.String(), hdr.Version)
		return nil, nil
	}
	if m.cfg.MaxConnections > 0 && len(m.conns) >= m.cfg.MaxConnections {
		return nil, ErrTooManyConns
	}

	var scid, odcid []byte
	retried := false
	if len(hdr.Token) == 0 {
		scid = m.deriver.derive(hdr.DCID)
		token := mintToken(hdr.DCID, d.From)
		n, err := m.env.Engine.Retry(hdr.SCID, hdr.DCID, scid, token, hdr.Version, m.out)
		switch {
		case err == nil:
			m.writeStateless(m.out[:n], d.From)
			m.env.Metrics.RecordRetry()
			m.env.Logger.RetrySent(d.From.String(), hex.EncodeToString(hdr.DCID))
			return nil, nil
		case !errors.Is(err, transport.ErrRetryUnsupported):
			return nil, err
		}
	} else {
		var err error
		odcid, err = validateToken(hdr.Token, d.From)
		if err != nil {
			return nil, err
		}
		if len(hdr.DCID) != m.cfg.ConnIDLen {
			return nil, fmt.Errorf("%w: %d bytes", ErrConnIDLength, len(hdr.DCID))
		}
		scid = hdr.DCID
		retried = true
	}

	if !m.limiter.Allow() {
		return nil, ErrRateLimited
	}
	local := m.cfg.Local
	if d.To.IsValid() {
		local = d.To
	}
	conn, err := m.env.Engine.Accept(scid, odcid, local, d.From)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdmissionRejected, err)
	}
	c, err := newConnection(connParams{
		role:        dtp.RoleServer,
		conn:        conn,
		peer:        d.From,
		session:     uuid.NewString(),
		descriptors: m.cfg.Descriptors,
		policy:      m.cfg.Policy,
		chunk:       m.cfg.ChunkSize,
		env:         &m.env,
		afterWork:   m.afterWork,
	})
	if err != nil {
		conn.Release()
		return nil, err
	}
	m.add(c, scid)
	m.env.Metrics.RecordAdmission()
	m.env.Logger.ConnectionAdmitted(c.TraceID(), d.From.String(), retried)
	return c, nil
}

func (m *Manager) reject(from netip.AddrPort, err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrNotInitial):
		reason = "not_initial"
	case errors.Is(err, ErrInvalidToken):
		reason = "invalid_token"
	case errors.Is(err, ErrConnIDLength):
		reason = "conn_id_length"
	case errors.Is(err, ErrRateLimited):
		reason = "rate_limited"
	case errors.Is(err, ErrTooManyConns):
		reason = "too_many_connections"
	case errors.Is(err, ErrAdmissionRejected):
		reason = "accept_failed"
	}
	m.env.Metrics.RecordRejection(reason)
	m.env.Logger.AdmissionRejected(from.String(), err)
}

// writeStateless sends a reply that belongs to no connection. Failures
// are logged only; the client retransmits its Initial.
func (m *Manager) writeStateless(b []byte, to netip.AddrPort) {
	if _, err := m.env.Out.WriteToUDPAddrPort(b, to); err != nil {
		m.env.Logger.Error(err, "stateless reply failed")
		return
	}
	m.env.Metrics.RecordPackets("out", 1)
}

func (m *Manager) add(c *Connection, scid []byte) {
	m.conns = append(m.conns, c)
	m.index(c, scid)
	m.syncAliases(c)
	m.active.Store(int64(len(m.conns)))
}

func (m *Manager) index(c *Connection, id []byte) {
	k := string(id)
	if _, ok := m.byID[k]; ok {
		return
	}
	m.byID[k] = c
	c.keys = append(c.keys, k)
}

func (m *Manager) syncAliases(c *Connection) {
	a, ok := c.conn.(transport.Aliaser)
	if !ok {
		return
	}
	for _, id := range a.SourceIDs() {
		m.index(c, id)
	}
}

func (m *Manager) afterWork() {
	if err := m.afterBatch(); err != nil {
		m.env.Loop.Fail(err)
	}
}

func (m *Manager) afterBatch() error {
	m.collect()
	if err := m.flush(); err != nil {
		return err
	}
	for _, c := range m.conns {
		m.syncAliases(c)
	}
	m.rearm()
	return nil
}

// collect releases every closed connection.
func (m *Manager) collect() {
	live := m.conns[:0]
	for _, c := range m.conns {
		if !c.conn.IsClosed() {
			live = append(live, c)
			continue
		}
		for _, k := range c.keys {
			delete(m.byID, k)
		}
		c.release()
	}
	clear(m.conns[len(live):])
	m.conns = live
	m.active.Store(int64(len(m.conns)))
}

// flush writes every pending datagram of every connection.
func (m *Manager) flush() error {
	sent := 0
	defer func() { m.env.Metrics.RecordPackets("out", sent) }()
	for _, c := range m.conns {
		for {
			n, info, err := c.conn.Send(m.out)
			if errors.Is(err, transport.ErrDone) {
				break
			}
			if err != nil {
				c.logger.Error(err, "packet send failed")
				_ = c.conn.Close(false, CodeSendFailed, "send failed")
				break
			}
			to := info.To
			if !to.IsValid() {
				to = c.peer
			}
			if _, err := m.env.Out.WriteToUDPAddrPort(m.out[:n], to); err != nil {
				return fmt.Errorf("session: write to %s: %w", to, err)
			}
			sent++
		}
	}
	return nil
}

// nextTimeout returns the earliest connection timeout, or the idle
// timeout when no connection has one.
func (m *Manager) nextTimeout() time.Duration {
	d, ok := time.Duration(0), false
	for _, c := range m.conns {
		t, has := c.conn.Timeout()
		if has && (!ok || t < d) {
			d, ok = t, true
		}
	}
	if !ok {
		return m.cfg.IdleTimeout
	}
	return d
}

func (m *Manager) rearm() {
	d := m.nextTimeout()
	if m.timer == nil {
		m.timer = m.env.Sched.Schedule(d, m.onTimeout)
	} else {
		m.timer.Reset(d)
	}
	m.env.Metrics.RecordTimerRearm(d.Seconds())
}

func (m *Manager) onTimeout() eventloop.Action {
	for _, c := range m.conns {
		c.conn.OnTimeout()
	}
	m.collect()
	if err := m.flush(); err != nil {
		m.env.Loop.Fail(err)
		return eventloop.Drop()
	}
	if len(m.conns) == 0 && !m.cfg.Linger {
		m.env.Logger.Info("no connections left, stopping")
		m.env.Loop.Stop()
		return eventloop.Drop()
	}
	return eventloop.After(m.nextTimeout())
}

// Shutdown closes every connection, sends the close packets and releases
// them without waiting for the peers.
func (m *Manager) Shutdown() error {
	for _, c := range m.conns {
		if !c.conn.IsClosed() {
			_ = c.conn.Close(true, CodeNoError, "shutdown")
		}
	}
	err := m.flush()
	for _, c := range m.conns {
		for _, k := range c.keys {
			delete(m.byID, k)
		}
		c.release()
	}
	m.conns = nil
	m.active.Store(0)
	if m.timer != nil {
		m.timer.Stop()
	}
	return err
}
