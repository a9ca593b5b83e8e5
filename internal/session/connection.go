package session

import (
	"errors"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/dtp"
	"github.com/quantarax/dtp/internal/eventloop"
	"github.com/quantarax/dtp/internal/frame"
	"github.com/quantarax/dtp/internal/journal"
	"github.com/quantarax/dtp/internal/observability"
	"github.com/quantarax/dtp/internal/transport"
)

const streamReadSize = 64 << 10

// PartialResponse is an outbound control stream payload that the
// transport has not fully accepted yet.
type PartialResponse struct {
	Body    []byte
	Written int
	Fin     bool
	finSent bool
}

func (p *PartialResponse) done() bool {
	return p.Written == len(p.Body) && (!p.Fin || p.finSent)
}

// RecvStats summarises the blocks a connection received.
type RecvStats struct {
	Blocks int
	Bytes  uint64
	Met    int
	Missed int
}

type connParams struct {
	role        dtp.Role
	conn        transport.Conn
	peer        netip.AddrPort
	session     string
	descriptors []block.Config
	policy      block.InsertPolicy
	chunk       int
	env         *Env
	// afterWork runs after timer-driven work so packets get flushed.
	afterWork func()
}

// Connection is one peer: the transport handle, the local block pipeline
// and the receiver for the peer's blocks.
type Connection struct {
	conn    transport.Conn
	role    dtp.Role
	peer    netip.AddrPort
	session string
	created time.Time
	keys    []string

	env       *Env
	logger    *observability.Logger
	span      trace.Span
	afterWork func()

	gen      *block.Generator
	queue    *block.Queue
	sender   *dtp.Sender
	receiver *dtp.Receiver
	partial  map[uint64]*PartialResponse
	genTimer Timer

	established bool
	announced   bool
	genDone     bool
	finQueued   bool
	released    bool
	stats       RecvStats
	buf         []byte
}

func newConnection(p connParams) (*Connection, error) {
	c := &Connection{
		conn:      p.conn,
		role:      p.role,
		peer:      p.peer,
		session:   p.session,
		created:   time.Now(),
		env:       p.env,
		afterWork: p.afterWork,
		queue:     block.NewQueue(p.policy),
		sender:    dtp.NewSender(p.role, p.chunk),
		receiver:  dtp.NewReceiver(nil),
		partial:   make(map[uint64]*PartialResponse),
		buf:       make([]byte, streamReadSize),
	}
	if len(p.descriptors) > 0 {
		gen, err := block.NewGenerator(p.descriptors)
		if err != nil {
			return nil, err
		}
		c.gen = gen
	}
	c.logger = p.env.Logger.WithConn(p.conn.TraceID(), p.peer.String()).WithSession(p.session)
	c.span = observability.StartConnSpan(p.role.String(), p.conn.TraceID(), p.peer.String())

	c.sender.OnStart = func(b *block.Block) {
		c.env.Metrics.RecordBlockStarted()
		c.logger.BlockStarted(b.Info.ID, b.Info.Size, dtp.BlockStream(c.role, b.Info.ID))
	}
	c.sender.OnSent = func(b *block.Block) {
		c.env.Metrics.RecordBlockSent(b.Info.Size)
		c.logger.BlockSent(b.Info.ID, b.Info.Size)
	}
	c.receiver.OnConfig = c.onPeerConfig
	c.receiver.OnBlock = c.onBlock
	return c, nil
}

// TraceID identifies the connection in logs.
func (c *Connection) TraceID() string { return c.conn.TraceID() }

// Stats returns what the connection received so far.
func (c *Connection) Stats() RecvStats { return c.stats }

// Queued returns the number of blocks waiting to be sent.
func (c *Connection) Queued() int { return c.queue.Len() }

// process moves data after the transport made progress: pending writes
// first, then everything readable.
func (c *Connection) process() {
	if c.released || c.conn.IsClosed() || !transport.Usable(c.conn) {
		return
	}
	if !c.established {
		c.established = true
		c.logger.ConnectionEstablished(c.peer.String(), c.conn.TraceID())
	}
	c.handleWritable()
	c.handleReadable()
	c.maybeFinish()
}

func (c *Connection) handleWritable() {
	for _, id := range c.conn.Writable() {
		if _, ok := c.partial[id]; ok {
			c.flushPartial(id)
		}
	}
	c.drain()
}

func (c *Connection) handleReadable() {
	for _, id := range c.conn.Readable() {
		for {
			n, fin, err := c.conn.StreamRecv(id, c.buf)
			if errors.Is(err, transport.ErrDone) {
				break
			}
			if err != nil {
				c.logger.Error(err, "stream read failed")
				break
			}
			if err := c.receiver.Consume(id, c.buf[:n], fin); err != nil {
				c.env.Metrics.RecordInvalidFrame(frameErrorReason(err))
				c.logger.FrameRejected(id, err)
			}
			if fin {
				break
			}
		}
	}
}

func frameErrorReason(err error) string {
	switch {
	case errors.Is(err, dtp.ErrUnknownBlock):
		return "unknown_block"
	case errors.Is(err, dtp.ErrBlockOverflow):
		return "overflow"
	case errors.Is(err, dtp.ErrDuplicateBlock), errors.Is(err, dtp.ErrDuplicateConfig):
		return "duplicate"
	case errors.Is(err, frame.ErrInvalidFrame):
		return "malformed"
	}
	return "other"
}

// announce sends the local DtpConfig on the control stream and starts the
// generator. It runs once per connection.
func (c *Connection) announce() {
	if c.announced {
		return
	}
	c.announced = true

	var n uint64
	if c.gen != nil {
		n = uint64(c.gen.Len())
	}
	c.partial[dtp.ControlStream] = &PartialResponse{Body: frame.Append(nil, frame.DtpConfig{CfgLen: n})}
	c.flushPartial(dtp.ControlStream)
	c.logger.SessionAnnounced("sent", n)
	c.startGeneration()
}

func (c *Connection) onPeerConfig(n uint64) {
	c.logger.SessionAnnounced("received", n)
	if c.role == dtp.RoleServer {
		c.announce()
	}
}

func (c *Connection) onBlock(rb dtp.Received) {
	met := rb.DeadlineMet()
	c.stats.Blocks++
	c.stats.Bytes += rb.Info.Size
	if met {
		c.stats.Met++
	} else {
		c.stats.Missed++
	}
	c.env.Metrics.RecordBlockReceived(rb.Info.Size, rb.Elapsed().Seconds(), met)
	c.logger.BlockReceived(rb.Info.ID, rb.Info.Size, rb.Info.Priority, rb.Info.Deadline, rb.Elapsed(), met)
	if c.env.Journal != nil {
		if err := c.env.Journal.Put(journal.NewRecord(c.session, c.peer.String(), rb)); err != nil {
			c.logger.Error(err, "journal write failed")
		}
	}
}

func (c *Connection) startGeneration() {
	if c.gen == nil {
		c.genDone = true
		return
	}
	d, _ := c.gen.FirstTimeGap()
	c.genTimer = c.env.Sched.Schedule(d, c.onGenerate)
}

func (c *Connection) onGenerate() eventloop.Action {
	if c.released {
		return eventloop.Drop()
	}
	before := c.queue.Len()
	next, more := c.gen.GenerateOnce(c.queue)
	for i := before; i < c.queue.Len(); i++ {
		c.env.Metrics.RecordBlockGenerated()
	}
	c.logger.Debug("blocks generated")
	if !more {
		c.genDone = true
	}

	c.drain()
	c.maybeFinish()
	if c.afterWork != nil {
		c.afterWork()
	}
	if !more || c.released {
		return eventloop.Drop()
	}
	return eventloop.After(next)
}

// drain hands queued blocks to the transport. A transport failure closes
// the connection; nothing is retried.
func (c *Connection) drain() {
	if c.released || c.queue.Len() == 0 || c.conn.IsClosed() || !transport.Usable(c.conn) {
		return
	}
	if _, err := c.sender.Drain(c.queue, c.conn); err != nil {
		c.logger.Error(err, "block send failed")
		c.span.RecordError(err)
		_ = c.conn.Close(true, CodeSendFailed, "block send failed")
	}
}

func (c *Connection) flushPartial(id uint64) {
	p := c.partial[id]
	for !p.done() {
		rest := p.Body[p.Written:]
		n, err := c.conn.StreamSend(id, rest, p.Fin)
		if errors.Is(err, transport.ErrDone) {
			return
		}
		if err != nil {
			c.logger.Error(err, "control stream write failed")
			delete(c.partial, id)
			return
		}
		p.Written += n
		if p.Written < len(p.Body) {
			return
		}
		if p.Fin {
			p.finSent = true
		}
	}
	delete(c.partial, id)
}

// maybeFinish ends the control stream once every local block was sent and
// every block the peer announced arrived.
func (c *Connection) maybeFinish() {
	if c.finQueued || !c.announced || !c.genDone || c.queue.Len() > 0 || !c.receiver.AllReceived() {
		return
	}
	c.finQueued = true
	if p, ok := c.partial[dtp.ControlStream]; ok {
		p.Fin = true
	} else {
		c.partial[dtp.ControlStream] = &PartialResponse{Fin: true}
	}
	c.flushPartial(dtp.ControlStream)
	c.logger.Info("all blocks exchanged")
}

// finished reports whether the peer ended its control stream and all of
// its announced blocks arrived.
func (c *Connection) finished() bool {
	return c.receiver.PeerFinished() && c.receiver.AllReceived()
}

// release frees the connection after it closed.
func (c *Connection) release() {
	if c.released {
		return
	}
	c.released = true
	if c.genTimer != nil {
		c.genTimer.Stop()
	}
	if n := c.queue.Len(); n > 0 {
		c.env.Metrics.RecordBlocksDiscarded(n)
	}

	st := c.conn.Stats()
	lifetime := time.Since(c.created)
	c.logger.ConnectionClosed(c.conn.TraceID(), st.Recv, st.Sent, st.Lost, st.RTT, lifetime)
	c.env.Metrics.RecordConnectionClose(lifetime.Seconds())
	c.span.SetAttributes(
		attribute.Int("dtp.blocks_received", c.stats.Blocks),
		attribute.Int("dtp.deadline_missed", c.stats.Missed),
		attribute.Int("dtp.blocks_unsent", c.queue.Len()),
	)
	if c.queue.Len() > 0 {
		c.span.SetStatus(codes.Error, "closed with unsent blocks")
	}
	c.span.End()
	c.conn.Release()
}
