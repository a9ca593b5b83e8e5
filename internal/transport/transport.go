// Package transport defines the contract between DTP sessions and the QUIC
// engine that owns crypto, loss recovery, congestion and flow control.
//
// Engines are sans-IO: the caller feeds received datagrams with Conn.Recv,
// pulls datagrams to transmit with Conn.Send and drives timers through
// Conn.Timeout and Conn.OnTimeout.
package transport

import (
	"errors"
	"net/netip"
	"time"
)

var (
	// ErrDone means there is nothing to do right now: no packet to send,
	// no stream data to read, or no room to write. It is not a failure.
	ErrDone = errors.New("transport: done")

	ErrInvalidPacket      = errors.New("transport: invalid packet")
	ErrBufferTooShort     = errors.New("transport: buffer too short")
	ErrUnknownStream      = errors.New("transport: unknown stream")
	ErrStreamFinished     = errors.New("transport: stream already finished")
	ErrRetryUnsupported   = errors.New("transport: engine cannot emit retry packets")
	ErrConnectionClosed   = errors.New("transport: connection closed")
	ErrUnsupportedVersion = errors.New("transport: unsupported version")
)

// MaxConnIDLen is the longest connection id QUIC v1 allows.
const MaxConnIDLen = 20

// PacketType is the QUIC packet type carried in a header.
type PacketType uint8

const (
	PacketInitial PacketType = iota + 1
	PacketZeroRTT
	PacketHandshake
	PacketRetry
	PacketVersionNegotiation
	PacketShort
)

func (t PacketType) String() string {
	switch t {
	case PacketInitial:
		return "initial"
	case PacketZeroRTT:
		return "0rtt"
	case PacketHandshake:
		return "handshake"
	case PacketRetry:
		return "retry"
	case PacketVersionNegotiation:
		return "version_negotiation"
	case PacketShort:
		return "short"
	}
	return "unknown"
}

// Header is the unprotected part of a QUIC packet.
type Header struct {
	Type    PacketType
	Version uint32
	DCID    []byte
	SCID    []byte
	// Token is the address validation token of an Initial packet or the
	// retry token of a Retry packet.
	Token []byte
}

// RecvInfo describes where a datagram came from and arrived on.
type RecvInfo struct {
	From netip.AddrPort
	To   netip.AddrPort
}

// SendInfo describes where a datagram produced by Send must go.
type SendInfo struct {
	From netip.AddrPort
	To   netip.AddrPort
	At   time.Time
}

// Stats is a snapshot of connection counters.
type Stats struct {
	Recv      int
	Sent      int
	Lost      int
	RecvBytes uint64
	SentBytes uint64
	RTT       time.Duration
}

// Conn is one QUIC connection owned by an Engine.
type Conn interface {
	// Recv processes one received datagram.
	Recv(b []byte, info RecvInfo) (int, error)
	// Send writes the next datagram to transmit into out, or returns ErrDone.
	Send(out []byte) (int, SendInfo, error)

	// Readable returns streams with data or a fin to read.
	Readable() []uint64
	// Writable returns streams with send capacity.
	Writable() []uint64
	// StreamRecv reads stream data; fin is true once the peer's stream end
	// has been read. ErrDone means no data is available yet.
	StreamRecv(id uint64, b []byte) (n int, fin bool, err error)
	// StreamSend queues b on stream id and returns how much was accepted.
	// ErrDone means no capacity at all.
	StreamSend(id uint64, b []byte, fin bool) (int, error)
	// StreamCapacity returns how many bytes StreamSend would accept now.
	StreamCapacity(id uint64) (int, error)

	IsEstablished() bool
	IsInEarlyData() bool
	IsClosed() bool

	// Timeout returns the delay until OnTimeout must run, if any.
	Timeout() (time.Duration, bool)
	OnTimeout()

	Close(app bool, code uint64, reason string) error
	TraceID() string
	Stats() Stats
	// Release frees engine resources. The connection is unusable afterwards.
	Release()
}

// Engine creates connections and handles connection-less packets.
type Engine interface {
	ParseHeader(b []byte, dcidLen int) (Header, error)
	VersionSupported(v uint32) bool
	// NegotiateVersion writes a version negotiation packet answering a
	// client that used scid/dcid.
	NegotiateVersion(scid, dcid []byte, out []byte) (int, error)
	// Retry writes a Retry packet. scid and dcid are the client's ids,
	// newSCID the id the client must use next.
	Retry(scid, dcid, newSCID, token []byte, version uint32, out []byte) (int, error)

	Accept(scid, odcid []byte, local, peer netip.AddrPort) (Conn, error)
	Connect(serverName string, scid []byte, local, peer netip.AddrPort) (Conn, error)
}

// Waker is implemented by engines whose connections make progress outside
// Recv and OnTimeout, for example on their own goroutines. A value on the
// channel means Readable, Writable or Send may have changed.
type Waker interface {
	Wakeups() <-chan struct{}
}

// Aliaser is implemented by connections that use more than one local
// connection id. SourceIDs returns every id peers may address.
type Aliaser interface {
	SourceIDs() [][]byte
}

// Usable reports whether application data can flow on c.
func Usable(c Conn) bool {
	return c.IsEstablished() || c.IsInEarlyData()
}
