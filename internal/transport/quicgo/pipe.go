package quicgo

import (
	"net"
	"os"
	"sync"
	"time"
)

// pipe is the net.PacketConn quic-go runs on. Datagrams the application
// received are pushed in, datagrams quic-go writes are popped out and sent
// on the real socket by the caller.
type pipe struct {
	local *net.UDPAddr
	peer  *net.UDPAddr
	// notify runs after every write.
	notify func()

	mu       sync.Mutex
	in       [][]byte
	out      [][]byte
	deadline time.Time
	closed   bool
	wake     chan struct{}

	received int
	sent     int
	inBytes  uint64
	outBytes uint64
}

func newPipe(local, peer *net.UDPAddr, notify func()) *pipe {
	if notify == nil {
		notify = func() {}
	}
	return &pipe{local: local, peer: peer, notify: notify, wake: make(chan struct{}, 1)}
}

func (p *pipe) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// push queues a datagram for quic-go to read.
func (p *pipe) push(b []byte) {
	pkt := make([]byte, len(b))
	copy(pkt, b)
	p.mu.Lock()
	if !p.closed {
		p.in = append(p.in, pkt)
		p.received++
		p.inBytes += uint64(len(b))
	}
	p.mu.Unlock()
	p.signal()
}

// pop moves the next outgoing datagram into b. ok is false when nothing
// is queued; fits is false when b is too small, leaving it queued.
func (p *pipe) pop(b []byte) (n int, ok, fits bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.out) == 0 {
		return 0, false, true
	}
	pkt := p.out[0]
	if len(pkt) > len(b) {
		return 0, true, false
	}
	p.out[0] = nil
	p.out = p.out[1:]
	return copy(b, pkt), true, true
}

func (p *pipe) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.out)
}

func (p *pipe) counters() (received, sent int, inBytes, outBytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received, p.sent, p.inBytes, p.outBytes
}

func (p *pipe) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		p.mu.Lock()
		if len(p.in) > 0 {
			pkt := p.in[0]
			p.in[0] = nil
			p.in = p.in[1:]
			p.mu.Unlock()
			return copy(b, pkt), p.peer, nil
		}
		if p.closed {
			p.mu.Unlock()
			return 0, nil, net.ErrClosed
		}
		deadline := p.deadline
		p.mu.Unlock()

		var expired <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			t := time.NewTimer(d)
			expired = t.C
			select {
			case <-p.wake:
			case <-expired:
			}
			t.Stop()
			continue
		}
		<-p.wake
	}
}

func (p *pipe) WriteTo(b []byte, _ net.Addr) (int, error) {
	pkt := make([]byte, len(b))
	copy(pkt, b)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, net.ErrClosed
	}
	p.out = append(p.out, pkt)
	p.sent++
	p.outBytes += uint64(len(b))
	p.mu.Unlock()
	p.notify()
	return len(b), nil
}

func (p *pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.in = nil
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *pipe) LocalAddr() net.Addr { return p.local }

func (p *pipe) SetDeadline(t time.Time) error { return p.SetReadDeadline(t) }

func (p *pipe) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *pipe) SetWriteDeadline(time.Time) error { return nil }
