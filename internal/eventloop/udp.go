package eventloop

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

// PacketReader is the read side of a UDP socket.
type PacketReader interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	LocalAddr() net.Addr
}

// ReadPackets reads datagrams of up to size bytes from conn on a new
// goroutine until conn is closed or ctx ends. The returned channel is
// closed when the reader exits.
func ReadPackets(ctx context.Context, conn PacketReader, size int) <-chan Datagram {
	ch := make(chan Datagram, 256)
	var local netip.AddrPort
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		local = ua.AddrPort()
	}

	go func() {
		defer close(ch)
		for {
			buf := make([]byte, size)
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
					continue
				}
				return
			}
			d := Datagram{
				Data: buf[:n],
				From: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
				To:   local,
			}
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
