package quicgo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quantarax/dtp/internal/transport"
)

const (
	readChunk = 32 << 10
	// Per-stream limits of bytes buffered between quic-go and the caller.
	maxRecvBuffered = 1 << 20
	maxSendBuffered = 1 << 20
)

// idGenerator hands out scid first, then random ids of the same length.
// Every id it issued is a valid destination for the peer.
type idGenerator struct {
	mu     sync.Mutex
	first  []byte
	issued [][]byte
}

func (g *idGenerator) GenerateConnectionID() (quic.ConnectionID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := make([]byte, len(g.first))
	if len(g.issued) == 0 {
		copy(id, g.first)
	} else if _, err := rand.Read(id); err != nil {
		return quic.ConnectionID{}, err
	}
	g.issued = append(g.issued, id)
	return quic.ConnectionIDFromBytes(id), nil
}

func (g *idGenerator) ConnectionIDLen() int { return len(g.first) }

func (g *idGenerator) ids() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := [][]byte{g.first}
	for _, id := range g.issued {
		if string(id) != string(g.first) {
			out = append(out, id)
		}
	}
	return out
}

type streamIDer interface {
	StreamID() quic.StreamID
}

type stream struct {
	// receive side
	in      []byte
	fin     bool
	finRead bool
	recvErr error

	// send side
	w        io.WriteCloser
	writing  bool
	pending  []byte
	inflight int
	finQueue bool
	finSent  bool
	sendErr  error
}

// Conn adapts a goroutine-driven quic-go connection to transport.Conn.
// quic-go runs its own timers, so Timeout never reports one; progress is
// signalled through the engine's wake-up channel instead.
type Conn struct {
	engine *Engine
	server bool
	local  netip.AddrPort
	peer   netip.AddrPort
	pipe   *pipe
	ids    *idGenerator
	tr     *quic.Transport
	ln     *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc
	openMu sync.Mutex

	mu          sync.Mutex
	cond        *sync.Cond
	qc          *quic.Conn
	established bool
	closed      bool
	released    bool
	closeErr    error
	streams     map[uint64]*stream
}

func newConn(e *Engine, server bool, scid []byte, local, peer netip.AddrPort) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		engine:  e,
		server:  server,
		local:   local,
		peer:    peer,
		ids:     &idGenerator{first: append([]byte(nil), scid...)},
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint64]*stream),
	}
	c.cond = sync.NewCond(&c.mu)
	c.pipe = newPipe(udpAddr(local), udpAddr(peer), e.notify)
	c.tr = &quic.Transport{
		Conn:                  c.pipe,
		ConnectionIDGenerator: c.ids,
		StatelessResetKey:     e.resetKey,
	}
	return c
}

// started runs once the handshake completed.
func (c *Conn) started(qc *quic.Conn) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		_ = qc.CloseWithError(0, "")
		return
	}
	c.qc = qc
	c.established = true
	c.mu.Unlock()
	c.engine.notify()

	go c.acceptBidi(qc)
	go c.acceptUni(qc)
	go func() {
		<-qc.Context().Done()
		c.fail(context.Cause(qc.Context()))
	}()
}

// fail marks the connection closed.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeErr = err
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	c.engine.notify()
}

func (c *Conn) acceptBidi(qc *quic.Conn) {
	for {
		s, err := qc.AcceptStream(c.ctx)
		if err != nil {
			return
		}
		id := uint64(s.StreamID())
		c.mu.Lock()
		c.stream(id).w = s
		c.mu.Unlock()
		go c.readLoop(id, s)
	}
}

func (c *Conn) acceptUni(qc *quic.Conn) {
	for {
		s, err := qc.AcceptUniStream(c.ctx)
		if err != nil {
			return
		}
		go c.readLoop(uint64(s.StreamID()), s)
	}
}

func (c *Conn) stream(id uint64) *stream {
	s, ok := c.streams[id]
	if !ok {
		s = &stream{}
		c.streams[id] = s
	}
	return s
}

func (c *Conn) readLoop(id uint64, r io.Reader) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		c.mu.Lock()
		s := c.stream(id)
		s.in = append(s.in, buf[:n]...)
		switch {
		case errors.Is(err, io.EOF):
			s.fin = true
		case err != nil:
			s.recvErr = err
		}
		for err == nil && len(s.in) >= maxRecvBuffered && !c.closed && !c.released {
			c.cond.Wait()
		}
		done := err != nil || c.closed || c.released
		c.mu.Unlock()
		c.engine.notify()
		if done {
			return
		}
	}
}

// localStream reports whether id is opened by this side.
func (c *Conn) localStream(id uint64) bool {
	return (id&1 == 1) == c.server
}

// openUpTo opens local streams in order until id exists. quic-go assigns
// ids sequentially, so streams below id are opened too and kept for
// later writes.
func (c *Conn) openUpTo(qc *quic.Conn, id uint64) (io.WriteCloser, error) {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	for {
		c.mu.Lock()
		s := c.stream(id)
		w := s.w
		c.mu.Unlock()
		if w != nil {
			return w, nil
		}

		var (
			ws  io.WriteCloser
			err error
		)
		if id&2 == 0 {
			var bs *quic.Stream
			bs, err = qc.OpenStreamSync(c.ctx)
			if err == nil {
				ws = bs
				go c.readLoop(uint64(bs.StreamID()), bs)
			}
		} else {
			ws, err = qc.OpenUniStreamSync(c.ctx)
		}
		if err != nil {
			return nil, err
		}
		got := uint64(ws.(streamIDer).StreamID())
		c.mu.Lock()
		c.stream(got).w = ws
		c.mu.Unlock()
		if got > id {
			return nil, fmt.Errorf("quicgo: stream %d skipped, opened %d", id, got)
		}
	}
}

func (c *Conn) writeLoop(qc *quic.Conn, id uint64) {
	w, err := c.openUpTo(qc, id)
	c.mu.Lock()
	s := c.stream(id)
	if err != nil {
		s.sendErr = err
		c.mu.Unlock()
		c.engine.notify()
		return
	}
	for {
		for len(s.pending) == 0 && !s.finQueue && !c.closed && !c.released {
			c.cond.Wait()
		}
		if c.closed || c.released {
			c.mu.Unlock()
			return
		}
		data, fin := s.pending, s.finQueue
		s.pending, s.inflight = nil, len(data)
		c.mu.Unlock()

		if len(data) > 0 {
			_, err = w.Write(data)
		}
		if err == nil && fin {
			err = w.Close()
		}

		c.mu.Lock()
		s.inflight = 0
		if err != nil {
			s.sendErr = err
		} else if fin {
			s.finSent = true
		}
		c.mu.Unlock()
		c.engine.notify()
		if err != nil || fin {
			return
		}
		c.mu.Lock()
	}
}

func (c *Conn) Recv(b []byte, _ transport.RecvInfo) (int, error) {
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released {
		return 0, transport.ErrConnectionClosed
	}
	c.pipe.push(b)
	return len(b), nil
}

func (c *Conn) Send(out []byte) (int, transport.SendInfo, error) {
	n, ok, fits := c.pipe.pop(out)
	if !fits {
		return 0, transport.SendInfo{}, transport.ErrBufferTooShort
	}
	if !ok {
		return 0, transport.SendInfo{}, transport.ErrDone
	}
	return n, transport.SendInfo{From: c.local, To: c.peer, At: time.Now()}, nil
}

func (c *Conn) Readable() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []uint64
	for id, s := range c.streams {
		if len(s.in) > 0 || (s.fin && !s.finRead) || s.recvErr != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Conn) Writable() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var ids []uint64
	for id, s := range c.streams {
		if s.w != nil && !s.finQueue && s.sendErr == nil && len(s.pending)+s.inflight < maxSendBuffered {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Conn) StreamRecv(id uint64, b []byte) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	if !ok {
		return 0, false, transport.ErrUnknownStream
	}
	if len(s.in) == 0 {
		switch {
		case s.fin && !s.finRead:
			s.finRead = true
			return 0, true, nil
		case s.recvErr != nil:
			err := s.recvErr
			s.recvErr = nil
			return 0, false, err
		}
		return 0, false, transport.ErrDone
	}
	n := copy(b, s.in)
	s.in = s.in[n:]
	if len(s.in) == 0 {
		s.in = nil
	}
	fin := len(s.in) == 0 && s.fin
	if fin {
		s.finRead = true
	}
	c.cond.Broadcast()
	return n, fin, nil
}

// sendable returns the stream state for a write, starting its writer on
// first use.
func (c *Conn) sendable(id uint64) (*stream, error) {
	if c.closed || c.released {
		return nil, transport.ErrConnectionClosed
	}
	if c.qc == nil {
		return nil, transport.ErrDone
	}
	s, ok := c.streams[id]
	if !c.localStream(id) && (!ok || s.w == nil) {
		return nil, transport.ErrUnknownStream
	}
	s = c.stream(id)
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	if s.finQueue {
		return nil, transport.ErrStreamFinished
	}
	if !s.writing {
		s.writing = true
		go c.writeLoop(c.qc, id)
	}
	return s, nil
}

func (c *Conn) StreamSend(id uint64, b []byte, fin bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sendable(id)
	if err != nil {
		return 0, err
	}
	n := min(len(b), maxSendBuffered-len(s.pending)-s.inflight)
	if n <= 0 && len(b) > 0 {
		return 0, transport.ErrDone
	}
	s.pending = append(s.pending, b[:n]...)
	if fin && n == len(b) {
		s.finQueue = true
	}
	c.cond.Broadcast()
	return n, nil
}

func (c *Conn) StreamCapacity(id uint64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sendable(id)
	if err != nil {
		if errors.Is(err, transport.ErrDone) {
			return 0, nil
		}
		return 0, err
	}
	return max(0, maxSendBuffered-len(s.pending)-s.inflight), nil
}

func (c *Conn) IsEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

func (c *Conn) IsInEarlyData() bool { return false }

// IsClosed reports true once quic-go closed the connection and every
// packet it wrote has been handed out by Send.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	closed := c.closed || c.released
	c.mu.Unlock()
	return closed && c.pipe.pending() == 0
}

func (c *Conn) Timeout() (time.Duration, bool) { return 0, false }

func (c *Conn) OnTimeout() {}

func (c *Conn) Close(app bool, code uint64, reason string) error {
	c.mu.Lock()
	qc, closed := c.qc, c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrDone
	}
	if qc == nil {
		// Record the reason before the dial goroutine sees the cancel.
		c.fail(fmt.Errorf("closed before handshake: %s", reason))
		c.cancel()
		return nil
	}
	if !app {
		reason = "transport: " + reason
	}
	return qc.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// CloseError returns why the connection closed, if it did.
func (c *Conn) CloseError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Conn) TraceID() string { return hex.EncodeToString(c.ids.first) }

// Stats reports datagram counters from the pipe and loss and RTT from
// quic-go once the handshake has produced a connection.
func (c *Conn) Stats() transport.Stats {
	recv, sent, inBytes, outBytes := c.pipe.counters()
	st := transport.Stats{Recv: recv, Sent: sent, RecvBytes: inBytes, SentBytes: outBytes}
	c.mu.Lock()
	qc := c.qc
	c.mu.Unlock()
	if qc != nil {
		cs := qc.ConnectionStats()
		st.Lost = int(cs.PacketsLost)
		st.RTT = cs.SmoothedRTT
	}
	return st
}

func (c *Conn) SourceIDs() [][]byte { return c.ids.ids() }

func (c *Conn) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	qc := c.qc
	c.cond.Broadcast()
	c.mu.Unlock()

	c.cancel()
	if qc != nil {
		_ = qc.CloseWithError(0, "")
	}
	if c.ln != nil {
		_ = c.ln.Close()
	}
	_ = c.tr.Close()
	_ = c.pipe.Close()
}
