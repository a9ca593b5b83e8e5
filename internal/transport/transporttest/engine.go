// Package transporttest provides an in-memory transport.Engine for tests.
// Connections exchange stream data directly, without packets or crypto.
package transporttest

import (
	"bytes"
	"encoding/hex"
	"net/netip"
	"slices"
	"time"

	"github.com/quantarax/dtp/internal/transport"
)

// Engine records the connections it creates.
type Engine struct {
	transport.Wire

	// RetryUnsupported makes Retry fail like an engine that validates
	// addresses on its own.
	RetryUnsupported bool
	// AcceptErr is returned by Accept when set.
	AcceptErr error
	// Established marks new connections as established immediately.
	Established bool

	Accepted  []*Conn
	Connected []*Conn
	// Peer, when set, is linked to the next connection Connect creates.
	Peer *Conn
}

// NewEngine returns a QUIC v1 engine.
func NewEngine() *Engine {
	return &Engine{Wire: transport.DefaultWire()}
}

func (e *Engine) Retry(scid, dcid, newSCID, token []byte, version uint32, out []byte) (int, error) {
	if e.RetryUnsupported {
		return 0, transport.ErrRetryUnsupported
	}
	return e.Wire.Retry(scid, dcid, newSCID, token, version, out)
}

func (e *Engine) Accept(scid, odcid []byte, local, peer netip.AddrPort) (transport.Conn, error) {
	if e.AcceptErr != nil {
		return nil, e.AcceptErr
	}
	c := NewConn(scid)
	c.ODCID = bytes.Clone(odcid)
	c.Local, c.Peer = local, peer
	c.Established = e.Established
	e.Accepted = append(e.Accepted, c)
	return c, nil
}

func (e *Engine) Connect(serverName string, scid []byte, local, peer netip.AddrPort) (transport.Conn, error) {
	c := NewConn(scid)
	c.ServerName = serverName
	c.Local, c.Peer = local, peer
	c.Established = e.Established
	if e.Peer != nil {
		Link(c, e.Peer)
		e.Peer = nil
	}
	e.Connected = append(e.Connected, c)
	return c, nil
}

// CloseCall records one Close invocation.
type CloseCall struct {
	App    bool
	Code   uint64
	Reason string
}

type stream struct {
	in      []byte
	fin     bool
	finRead bool
	written []byte
	sentFin bool
}

// Conn is an in-memory connection. Fields may be set by tests directly.
type Conn struct {
	SCID       []byte
	ODCID      []byte
	Aliases    [][]byte
	ServerName string
	Local      netip.AddrPort
	Peer       netip.AddrPort

	Established bool
	EarlyData   bool
	Closed      bool
	// EstablishOnRecv marks the connection established on the next Recv.
	EstablishOnRecv bool

	Received [][]byte
	RecvErr  error
	// Outbound holds datagrams Send hands out in order.
	Outbound [][]byte
	SendErr  error
	Sent     int

	// TimeoutIn is reported by Timeout when HasTimeout is set.
	TimeoutIn      time.Duration
	HasTimeout     bool
	TimeoutCalls   int
	CloseOnTimeout bool

	// Budget limits how many stream bytes StreamSend accepts in total.
	// Negative means unlimited.
	Budget int
	// SendStreamErr fails every StreamSend when set.
	SendStreamErr error

	Closes   []CloseCall
	Released bool

	streams map[uint64]*stream
	linked  *Conn
}

// NewConn returns an unlinked connection with unlimited send budget.
func NewConn(scid []byte) *Conn {
	return &Conn{
		SCID:    bytes.Clone(scid),
		Budget:  -1,
		streams: make(map[uint64]*stream),
	}
}

// Link connects a and b so stream data sent on one is readable on the
// other. Both become established, and closing one closes the other.
func Link(a, b *Conn) {
	a.linked, b.linked = b, a
	a.Established, b.Established = true, true
}

// NewPair returns two linked, established connections.
func NewPair() (client, server *Conn) {
	client = NewConn(transport.NewConnID(20))
	server = NewConn(transport.NewConnID(20))
	Link(client, server)
	return client, server
}

func (c *Conn) stream(id uint64) *stream {
	s, ok := c.streams[id]
	if !ok {
		s = &stream{}
		c.streams[id] = s
	}
	return s
}

// Written returns everything sent on stream id and whether it was finished.
func (c *Conn) Written(id uint64) ([]byte, bool) {
	s, ok := c.streams[id]
	if !ok {
		return nil, false
	}
	return s.written, s.sentFin
}

// Deliver appends data to stream id as if the peer had sent it.
func (c *Conn) Deliver(id uint64, data []byte, fin bool) {
	s := c.stream(id)
	s.in = append(s.in, data...)
	if fin {
		s.fin = true
	}
}

func (c *Conn) Recv(b []byte, _ transport.RecvInfo) (int, error) {
	c.Received = append(c.Received, bytes.Clone(b))
	if c.RecvErr != nil {
		return 0, c.RecvErr
	}
	if c.EstablishOnRecv {
		c.Established = true
	}
	return len(b), nil
}

func (c *Conn) Send(out []byte) (int, transport.SendInfo, error) {
	if c.SendErr != nil {
		return 0, transport.SendInfo{}, c.SendErr
	}
	if len(c.Outbound) == 0 {
		return 0, transport.SendInfo{}, transport.ErrDone
	}
	pkt := c.Outbound[0]
	c.Outbound = c.Outbound[1:]
	c.Sent++
	n := copy(out, pkt)
	return n, transport.SendInfo{From: c.Local, To: c.Peer, At: time.Now()}, nil
}

func (c *Conn) Readable() []uint64 {
	var ids []uint64
	for id, s := range c.streams {
		if len(s.in) > 0 || (s.fin && !s.finRead) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (c *Conn) Writable() []uint64 {
	if c.Budget == 0 || c.Closed {
		return nil
	}
	var ids []uint64
	for id, s := range c.streams {
		if !s.sentFin {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (c *Conn) StreamRecv(id uint64, b []byte) (int, bool, error) {
	s, ok := c.streams[id]
	if !ok {
		return 0, false, transport.ErrUnknownStream
	}
	if len(s.in) == 0 {
		if s.fin && !s.finRead {
			s.finRead = true
			return 0, true, nil
		}
		return 0, false, transport.ErrDone
	}
	n := copy(b, s.in)
	s.in = s.in[n:]
	fin := len(s.in) == 0 && s.fin
	if fin {
		s.finRead = true
	}
	return n, fin, nil
}

func (c *Conn) StreamSend(id uint64, b []byte, fin bool) (int, error) {
	if c.Closed {
		return 0, transport.ErrConnectionClosed
	}
	if c.SendStreamErr != nil {
		return 0, c.SendStreamErr
	}
	s := c.stream(id)
	if s.sentFin {
		return 0, transport.ErrStreamFinished
	}
	n := len(b)
	if c.Budget >= 0 && n > c.Budget {
		n = c.Budget
	}
	if n == 0 && len(b) > 0 {
		return 0, transport.ErrDone
	}
	if c.Budget >= 0 {
		c.Budget -= n
	}
	s.written = append(s.written, b[:n]...)
	done := fin && n == len(b)
	if done {
		s.sentFin = true
	}
	if c.linked != nil {
		c.linked.Deliver(id, b[:n], done)
	}
	return n, nil
}

func (c *Conn) StreamCapacity(id uint64) (int, error) {
	if c.Closed {
		return 0, transport.ErrConnectionClosed
	}
	if s, ok := c.streams[id]; ok && s.sentFin {
		return 0, transport.ErrStreamFinished
	}
	if c.Budget < 0 {
		return 1 << 20, nil
	}
	return c.Budget, nil
}

func (c *Conn) IsEstablished() bool { return c.Established }
func (c *Conn) IsInEarlyData() bool { return c.EarlyData }
func (c *Conn) IsClosed() bool      { return c.Closed }

func (c *Conn) Timeout() (time.Duration, bool) { return c.TimeoutIn, c.HasTimeout }

func (c *Conn) OnTimeout() {
	c.TimeoutCalls++
	if c.CloseOnTimeout {
		c.Closed = true
	}
}

func (c *Conn) Close(app bool, code uint64, reason string) error {
	c.Closes = append(c.Closes, CloseCall{App: app, Code: code, Reason: reason})
	c.Closed = true
	if c.linked != nil {
		c.linked.Closed = true
	}
	return nil
}

func (c *Conn) TraceID() string { return hex.EncodeToString(c.SCID) }

func (c *Conn) Stats() transport.Stats {
	return transport.Stats{Recv: len(c.Received), Sent: c.Sent}
}

func (c *Conn) Release() { c.Released = true }

func (c *Conn) SourceIDs() [][]byte {
	return append([][]byte{c.SCID}, c.Aliases...)
}
