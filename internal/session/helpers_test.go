package session

import (
	"bytes"
	"net/netip"
	"time"

	"github.com/quantarax/dtp/internal/eventloop"
)

type fakeTimer struct {
	s     *fakeSched
	fn    eventloop.TimerFunc
	at    time.Duration
	armed bool
	last  time.Duration
}

func (t *fakeTimer) Reset(d time.Duration) {
	t.at = t.s.now + d
	t.last = d
	t.armed = true
}

func (t *fakeTimer) Stop() { t.armed = false }

// fakeSched runs timers on a virtual clock.
type fakeSched struct {
	now    time.Duration
	timers []*fakeTimer
}

func (s *fakeSched) Schedule(d time.Duration, fn eventloop.TimerFunc) Timer {
	t := &fakeTimer{s: s, fn: fn}
	t.Reset(d)
	s.timers = append(s.timers, t)
	return t
}

// advance fires every timer due within d in deadline order.
func (s *fakeSched) advance(d time.Duration) {
	end := s.now + d
	for {
		var next *fakeTimer
		for _, t := range s.timers {
			if t.armed && t.at <= end && (next == nil || t.at < next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.at > s.now {
			s.now = next.at
		}
		next.armed = false
		if again, ok := next.fn().Again(); ok {
			next.Reset(again)
		} else {
			next.armed = false
		}
	}
	s.now = end
}

type fakeLoop struct {
	stopped bool
	err     error
}

func (l *fakeLoop) Stop()          { l.stopped = true }
func (l *fakeLoop) Fail(err error) { l.err, l.stopped = err, true }

type sentPacket struct {
	data []byte
	to   netip.AddrPort
}

type fakeWriter struct {
	sent []sentPacket
	err  error
}

func (w *fakeWriter) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.sent = append(w.sent, sentPacket{data: bytes.Clone(b), to: addr})
	return len(b), nil
}

var (
	serverAddr = netip.MustParseAddrPort("127.0.0.1:4433")
	clientAddr = netip.MustParseAddrPort("127.0.0.1:50000")
)
