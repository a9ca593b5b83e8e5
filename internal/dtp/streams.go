// Package dtp moves blocks over transport streams: the Sender frames the
// head of a block queue onto per-block streams and the Receiver rebuilds
// blocks from the frames a peer sent.
package dtp

import "fmt"

// Role is the side of the connection a peer plays.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ControlStream is the client-initiated bidirectional stream carrying the
// DtpConfig request and response.
const ControlStream uint64 = 0

// BlockStream returns the unidirectional stream a peer of role r uses for
// block id.
func BlockStream(r Role, id uint64) uint64 {
	if r == RoleServer {
		return 4*id + 3
	}
	return 4*id + 2
}

// StreamWriter is the part of a transport connection the Sender writes to.
type StreamWriter interface {
	StreamCapacity(id uint64) (int, error)
	StreamSend(id uint64, b []byte, fin bool) (int, error)
}

// errShortWrite means the transport accepted part of a frame it had room
// for; the stream can no longer be parsed by the peer.
func errShortWrite(stream uint64, n, want int) error {
	return fmt.Errorf("stream %d accepted %d of %d frame bytes", stream, n, want)
}
