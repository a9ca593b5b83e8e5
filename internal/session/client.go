package session

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/dtp"
	"github.com/quantarax/dtp/internal/eventloop"
	"github.com/quantarax/dtp/internal/transport"
)

// ErrInvalidTransition is returned when the client state machine is asked
// to move along an edge it does not have.
var ErrInvalidTransition = errors.New("invalid client state transition")

// State is the client connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateIdle:        {StateConnecting, StateClosed},
	StateConnecting:  {StateEstablished, StateClosed},
	StateEstablished: {StateClosed},
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Local      netip.AddrPort
	Peer       netip.AddrPort
	ServerName string
	// Descriptors may be empty; the client then only receives.
	Descriptors []block.Config
	Policy      block.InsertPolicy

	IdleTimeout   time.Duration
	ConnIDLen     int
	MaxPacketSize int
	ChunkSize     int
}

// Client runs one outbound DTP connection and stops the loop when it
// closes.
type Client struct {
	cfg     ClientConfig
	env     Env
	state   State
	conn    *Connection
	timer   Timer
	out     []byte
	session string
}

// NewClient returns an idle client. Start begins the handshake.
func NewClient(env Env, cfg ClientConfig) (*Client, error) {
	env.setDefaults()
	if err := env.validate(); err != nil {
		return nil, err
	}
	if !cfg.Peer.IsValid() {
		return nil, errors.New("session: client needs a peer address")
	}
	if err := checkDescriptors(cfg.Descriptors); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ConnIDLen <= 0 {
		cfg.ConnIDLen = DefaultConnIDLen
	}
	if cfg.ConnIDLen > transport.MaxConnIDLen {
		return nil, fmt.Errorf("session: connection id length %d exceeds %d", cfg.ConnIDLen, transport.MaxConnIDLen)
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = dtp.DefaultChunkSize
	}
	if cfg.Policy == nil {
		cfg.Policy = block.FIFO{}
	}
	env.Logger = env.Logger.WithRole(dtp.RoleClient.String())
	return &Client{
		cfg:     cfg,
		env:     env,
		out:     make([]byte, cfg.MaxPacketSize),
		session: uuid.NewString(),
	}, nil
}

// State returns the current state.
func (c *Client) State() State { return c.state }

// Conn returns the connection once Start created it.
func (c *Client) Conn() *Connection { return c.conn }

// Session identifies this client run.
func (c *Client) Session() string { return c.session }

// Start schedules the connection attempt on the event loop.
func (c *Client) Start() {
	c.timer = c.env.Sched.Schedule(0, c.onTimer)
}

func (c *Client) transition(to State) error {
	for _, s := range transitions[c.state] {
		if s == to {
			c.env.Logger.StateChanged(c.state.String(), to.String())
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.state, to)
}

func (c *Client) connect() error {
	scid := transport.NewConnID(c.cfg.ConnIDLen)
	conn, err := c.env.Engine.Connect(c.cfg.ServerName, scid, c.cfg.Local, c.cfg.Peer)
	if err != nil {
		c.env.Logger.ConnectionFailed(c.cfg.Peer.String(), err)
		return fmt.Errorf("session: connect %s: %w", c.cfg.Peer, err)
	}
	c.conn, err = newConnection(connParams{
		role:        dtp.RoleClient,
		conn:        conn,
		peer:        c.cfg.Peer,
		session:     c.session,
		descriptors: c.cfg.Descriptors,
		policy:      c.cfg.Policy,
		chunk:       c.cfg.ChunkSize,
		env:         &c.env,
		afterWork:   c.afterWork,
	})
	if err != nil {
		conn.Release()
		return err
	}
	return c.transition(StateConnecting)
}

// HandlePackets feeds received datagrams to the connection.
func (c *Client) HandlePackets(batch []eventloop.Datagram) error {
	if c.conn == nil || c.state == StateClosed {
		return nil
	}
	c.env.Metrics.RecordPackets("in", len(batch))
	for _, d := range batch {
		if _, err := c.conn.conn.Recv(d.Data, transport.RecvInfo{From: d.From, To: d.To}); err != nil {
			c.conn.logger.PacketDropped(d.From.String(), len(d.Data), err)
		}
	}
	return c.afterIO()
}

// HandleWake processes the connection after the engine reported progress.
func (c *Client) HandleWake() error {
	if c.conn == nil || c.state == StateClosed {
		return nil
	}
	return c.afterIO()
}

func (c *Client) afterWork() {
	if err := c.afterIO(); err != nil {
		c.env.Loop.Fail(err)
	}
}

func (c *Client) afterIO() error {
	if err := c.step(); err != nil {
		return err
	}
	if c.state != StateClosed {
		c.timer.Reset(c.nextTimeout())
	}
	return nil
}

// step advances the state machine and sends pending packets.
func (c *Client) step() error {
	if c.state == StateConnecting && transport.Usable(c.conn.conn) {
		if err := c.transition(StateEstablished); err != nil {
			return err
		}
		c.conn.announce()
	}
	if c.state == StateEstablished {
		c.conn.process()
		if c.conn.finished() && !c.conn.conn.IsClosed() {
			c.conn.logger.Info("peer finished, closing")
			_ = c.conn.conn.Close(true, CodeNoError, "done")
		}
	}
	if err := c.flush(); err != nil {
		return err
	}
	if c.conn.conn.IsClosed() {
		return c.finish()
	}
	return nil
}

func (c *Client) flush() error {
	sent := 0
	defer func() { c.env.Metrics.RecordPackets("out", sent) }()
	for {
		n, info, err := c.conn.conn.Send(c.out)
		if errors.Is(err, transport.ErrDone) {
			return nil
		}
		if err != nil {
			c.conn.logger.Error(err, "packet send failed")
			_ = c.conn.conn.Close(false, CodeSendFailed, "send failed")
			return nil
		}
		to := info.To
		if !to.IsValid() {
			to = c.cfg.Peer
		}
		if _, err := c.env.Out.WriteToUDPAddrPort(c.out[:n], to); err != nil {
			return fmt.Errorf("session: write to %s: %w", to, err)
		}
		sent++
	}
}

func (c *Client) finish() error {
	if err := c.transition(StateClosed); err != nil {
		return err
	}
	c.timer.Stop()
	c.conn.release()
	c.env.Loop.Stop()
	return nil
}

func (c *Client) nextTimeout() time.Duration {
	if c.conn != nil {
		if d, ok := c.conn.conn.Timeout(); ok {
			return d
		}
	}
	return c.cfg.IdleTimeout
}

func (c *Client) onTimer() eventloop.Action {
	switch c.state {
	case StateIdle:
		if err := c.connect(); err != nil {
			c.env.Loop.Fail(err)
			return eventloop.Drop()
		}
	case StateClosed:
		return eventloop.Drop()
	default:
		c.conn.conn.OnTimeout()
	}
	if err := c.step(); err != nil {
		c.env.Loop.Fail(err)
		return eventloop.Drop()
	}
	if c.state == StateClosed {
		return eventloop.Drop()
	}
	return eventloop.After(c.nextTimeout())
}

// Shutdown closes a connection that is still open, sends the close
// packet and releases it. The loop must no longer be running.
func (c *Client) Shutdown() error {
	if c.conn == nil || c.state == StateClosed {
		return nil
	}
	if !c.conn.conn.IsClosed() {
		_ = c.conn.conn.Close(true, CodeNoError, "shutdown")
	}
	err := c.flush()
	if terr := c.transition(StateClosed); terr != nil && err == nil {
		err = terr
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.conn.release()
	return err
}
