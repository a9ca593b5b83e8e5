// Package session drives DTP over transport connections: the server-side
// Manager multiplexes many connections behind one socket, the Client runs
// a single outbound connection. Both are driven by an event loop and are
// not safe for concurrent use.
package session

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/eventloop"
	"github.com/quantarax/dtp/internal/journal"
	"github.com/quantarax/dtp/internal/observability"
	"github.com/quantarax/dtp/internal/transport"
)

var (
	ErrAdmissionRejected = errors.New("admission rejected")
	ErrNotInitial        = errors.New("not an initial packet")
	ErrInvalidToken      = errors.New("invalid address token")
	ErrConnIDLength      = errors.New("unexpected connection id length")
	ErrRateLimited       = errors.New("admission rate exceeded")
	ErrTooManyConns      = errors.New("connection limit reached")
)

// Application close codes.
const (
	CodeNoError    uint64 = 0x0
	CodeSendFailed uint64 = 0x1
)

// Timer is a re-armable event loop timer.
type Timer interface {
	Reset(d time.Duration)
	Stop()
}

// Scheduler registers timers with the event loop.
type Scheduler interface {
	Schedule(d time.Duration, fn eventloop.TimerFunc) Timer
}

type loopScheduler struct{ l *eventloop.Loop }

func (s loopScheduler) Schedule(d time.Duration, fn eventloop.TimerFunc) Timer {
	return s.l.Schedule(d, fn)
}

// LoopScheduler adapts an event loop to Scheduler.
func LoopScheduler(l *eventloop.Loop) Scheduler { return loopScheduler{l} }

// Stopper ends the event loop.
type Stopper interface {
	Stop()
	Fail(err error)
}

// PacketWriter sends datagrams; *net.UDPConn implements it.
type PacketWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Env holds the collaborators shared by a Manager or Client.
type Env struct {
	Engine transport.Engine
	Sched  Scheduler
	Out    PacketWriter
	Loop   Stopper

	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Journal is optional.
	Journal *journal.Journal
}

func (e *Env) setDefaults() {
	if e.Logger == nil {
		e.Logger = observability.Nop()
	}
	if e.Metrics == nil {
		e.Metrics = observability.NewMetrics(nil)
	}
}

func (e *Env) validate() error {
	if e.Engine == nil || e.Sched == nil || e.Out == nil || e.Loop == nil {
		return errors.New("session: engine, scheduler, packet writer and loop are required")
	}
	return nil
}

// checkDescriptors reports the first descriptor no generator would accept.
func checkDescriptors(cfgs []block.Config) error {
	for i, c := range cfgs {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("session: descriptor %d: %w", i, err)
		}
	}
	return nil
}
