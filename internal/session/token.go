package session

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/zeebo/blake3"

	"github.com/quantarax/dtp/internal/transport"
)

// tokenPrefix starts every address validation token. Tokens are not
// authenticated; they only bind a retry to the client's address.
var tokenPrefix = []byte("dtp")

// mintToken binds odcid to the client address.
func mintToken(odcid []byte, from netip.AddrPort) []byte {
	addr := from.Addr().Unmap().AsSlice()
	t := make([]byte, 0, len(tokenPrefix)+len(addr)+len(odcid))
	t = append(t, tokenPrefix...)
	t = append(t, addr...)
	return append(t, odcid...)
}

// validateToken returns the original destination connection id carried
// by token if it was minted for from.
func validateToken(token []byte, from netip.AddrPort) ([]byte, error) {
	if !bytes.HasPrefix(token, tokenPrefix) {
		return nil, fmt.Errorf("%w: bad prefix", ErrInvalidToken)
	}
	rest := token[len(tokenPrefix):]
	addr := from.Addr().Unmap().AsSlice()
	if len(rest) < len(addr) || !bytes.Equal(rest[:len(addr)], addr) {
		return nil, fmt.Errorf("%w: address mismatch", ErrInvalidToken)
	}
	odcid := rest[len(addr):]
	if len(odcid) == 0 || len(odcid) > transport.MaxConnIDLen {
		return nil, fmt.Errorf("%w: original connection id of %d bytes", ErrInvalidToken, len(odcid))
	}
	return bytes.Clone(odcid), nil
}

// connIDDeriver maps a client-chosen destination id to the server's
// connection id with a keyed BLAKE3 hash.
type connIDDeriver struct {
	h   *blake3.Hasher
	len int
}

func newConnIDDeriver(key [32]byte, n int) (*connIDDeriver, error) {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return nil, err
	}
	return &connIDDeriver{h: h, len: n}, nil
}

func (d *connIDDeriver) derive(dcid []byte) []byte {
	d.h.Reset()
	_, _ = d.h.Write(dcid)
	return d.h.Sum(nil)[:d.len]
}
