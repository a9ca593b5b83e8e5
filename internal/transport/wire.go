package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"
	"slices"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

var (
	Version1 = uint32(quic.Version1)
	Version2 = uint32(quic.Version2)
)

const retryTagLen = 16

// Retry integrity keys from RFC 9001 section 5.8 and RFC 9369 section 3.3.3.
var (
	retryKeyV1   = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryNonceV1 = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
	retryKeyV2   = []byte{0x8f, 0xb4, 0xb0, 0x1b, 0x56, 0xac, 0x48, 0xe2, 0x60, 0xfb, 0xcb, 0xce, 0xad, 0x7c, 0xcc, 0x92}
	retryNonceV2 = []byte{0xd8, 0x69, 0x69, 0xbc, 0x2d, 0x7c, 0x6d, 0x99, 0x90, 0xef, 0xb0, 0x4a}
)

// Wire implements the connection-less parts of Engine for QUIC v1 and v2
// packets. Engines embed it.
type Wire struct {
	Versions []uint32
}

// DefaultWire accepts QUIC version 1 only.
func DefaultWire() Wire { return Wire{Versions: []uint32{Version1}} }

func (w Wire) VersionSupported(v uint32) bool {
	return slices.Contains(w.Versions, v)
}

func (w Wire) ParseHeader(b []byte, dcidLen int) (Header, error) {
	return ParseHeader(b, dcidLen)
}

// ParseHeader parses the invariant header fields of b. dcidLen is the
// length of locally issued connection ids, needed for short headers.
func ParseHeader(b []byte, dcidLen int) (Header, error) {
	if len(b) == 0 {
		return Header{}, fmt.Errorf("%w: empty datagram", ErrInvalidPacket)
	}
	if b[0]&0x80 == 0 {
		if len(b) < 1+dcidLen {
			return Header{}, fmt.Errorf("%w: short header truncated", ErrInvalidPacket)
		}
		return Header{Type: PacketShort, DCID: bytes.Clone(b[1 : 1+dcidLen])}, nil
	}
	if len(b) < 7 {
		return Header{}, fmt.Errorf("%w: long header truncated", ErrInvalidPacket)
	}

	h := Header{Version: binary.BigEndian.Uint32(b[1:5])}
	pos := 5
	var err error
	if h.DCID, pos, err = readConnID(b, pos, h.Version); err != nil {
		return Header{}, err
	}
	if h.SCID, pos, err = readConnID(b, pos, h.Version); err != nil {
		return Header{}, err
	}
	if h.Version == 0 {
		h.Type = PacketVersionNegotiation
		return h, nil
	}

	h.Type = longType(b[0], h.Version)
	switch h.Type {
	case PacketInitial:
		r := bytes.NewReader(b[pos:])
		l, err := quicvarint.Read(r)
		if err != nil || l > uint64(r.Len()) {
			return Header{}, fmt.Errorf("%w: bad token length", ErrInvalidPacket)
		}
		start := len(b) - r.Len()
		h.Token = bytes.Clone(b[start : start+int(l)])
	case PacketRetry:
		if len(b)-pos < retryTagLen {
			return Header{}, fmt.Errorf("%w: retry packet without integrity tag", ErrInvalidPacket)
		}
		h.Token = bytes.Clone(b[pos : len(b)-retryTagLen])
	}
	return h, nil
}

func longType(b0 byte, version uint32) PacketType {
	bits := (b0 & 0x30) >> 4
	if version == Version2 {
		return [...]PacketType{PacketRetry, PacketInitial, PacketZeroRTT, PacketHandshake}[bits]
	}
	return [...]PacketType{PacketInitial, PacketZeroRTT, PacketHandshake, PacketRetry}[bits]
}

func longTypeBits(t PacketType, version uint32) byte {
	order := []PacketType{PacketInitial, PacketZeroRTT, PacketHandshake, PacketRetry}
	if version == Version2 {
		order = []PacketType{PacketRetry, PacketInitial, PacketZeroRTT, PacketHandshake}
	}
	return byte(slices.Index(order, t)) << 4
}

func readConnID(b []byte, pos int, version uint32) ([]byte, int, error) {
	if pos >= len(b) {
		return nil, 0, fmt.Errorf("%w: missing connection id length", ErrInvalidPacket)
	}
	l := int(b[pos])
	pos++
	// Unknown versions may use longer ids; they only get a version
	// negotiation answer.
	if l > MaxConnIDLen && (version == Version1 || version == Version2) {
		return nil, 0, fmt.Errorf("%w: connection id of %d bytes", ErrInvalidPacket, l)
	}
	if pos+l > len(b) {
		return nil, 0, fmt.Errorf("%w: connection id truncated", ErrInvalidPacket)
	}
	return bytes.Clone(b[pos : pos+l]), pos + l, nil
}

// NegotiateVersion writes a version negotiation packet listing w.Versions.
func (w Wire) NegotiateVersion(scid, dcid []byte, out []byte) (int, error) {
	b := make([]byte, 0, 7+len(scid)+len(dcid)+4*len(w.Versions))
	b = append(b, 0x80|byte(mrand.IntN(0x80)))
	b = binary.BigEndian.AppendUint32(b, 0)
	b = appendConnID(b, scid)
	b = appendConnID(b, dcid)
	for _, v := range w.Versions {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return copyOut(out, b)
}

// Retry writes a Retry packet carrying token. dcid is the id the client
// chose for its first Initial and is bound into the integrity tag.
func (w Wire) Retry(scid, dcid, newSCID, token []byte, version uint32, out []byte) (int, error) {
	if !w.VersionSupported(version) {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnsupportedVersion, version)
	}
	b := make([]byte, 0, 7+len(scid)+len(newSCID)+len(token)+retryTagLen)
	b = append(b, 0xc0|longTypeBits(PacketRetry, version)|byte(mrand.IntN(0x10)))
	b = binary.BigEndian.AppendUint32(b, version)
	b = appendConnID(b, scid)
	b = appendConnID(b, newSCID)
	b = append(b, token...)
	tag, err := retryIntegrityTag(dcid, b, version)
	if err != nil {
		return 0, err
	}
	b = append(b, tag...)
	return copyOut(out, b)
}

// VerifyRetry checks the integrity tag of a Retry packet sent in answer to
// a client Initial addressed to odcid.
func VerifyRetry(pkt, odcid []byte) bool {
	if len(pkt) < 7+retryTagLen {
		return false
	}
	version := binary.BigEndian.Uint32(pkt[1:5])
	body, tag := pkt[:len(pkt)-retryTagLen], pkt[len(pkt)-retryTagLen:]
	want, err := retryIntegrityTag(odcid, body, version)
	return err == nil && bytes.Equal(want, tag)
}

func retryIntegrityTag(odcid, pkt []byte, version uint32) ([]byte, error) {
	key, nonce := retryKeyV1, retryNonceV1
	if version == Version2 {
		key, nonce = retryKeyV2, retryNonceV2
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	pseudo := make([]byte, 0, 1+len(odcid)+len(pkt))
	pseudo = append(pseudo, byte(len(odcid)))
	pseudo = append(pseudo, odcid...)
	pseudo = append(pseudo, pkt...)
	return aead.Seal(nil, nonce, nil, pseudo), nil
}

func appendConnID(b, id []byte) []byte {
	b = append(b, byte(len(id)))
	return append(b, id...)
}

func copyOut(out, b []byte) (int, error) {
	if len(out) < len(b) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooShort, len(b), len(out))
	}
	return copy(out, b), nil
}

// NewConnID returns n random bytes for use as a connection id.
func NewConnID(n int) []byte {
	id := make([]byte, n)
	_, _ = rand.Read(id)
	return id
}

// AppendInitial appends an unprotected Initial long header with the given
// fields, followed by payload. It is meant for tools and tests that need
// to produce packets ParseHeader accepts.
func AppendInitial(b []byte, version uint32, dcid, scid, token, payload []byte) []byte {
	b = append(b, 0xc0|longTypeBits(PacketInitial, version))
	b = binary.BigEndian.AppendUint32(b, version)
	b = appendConnID(b, dcid)
	b = appendConnID(b, scid)
	b = quicvarint.Append(b, uint64(len(token)))
	b = append(b, token...)
	return append(b, payload...)
}

// AppendShort appends a short header packet addressed to dcid.
func AppendShort(b []byte, dcid, payload []byte) []byte {
	b = append(b, 0x40)
	b = append(b, dcid...)
	return append(b, payload...)
}

// AppendHandshake appends an unprotected Handshake long header.
func AppendHandshake(b []byte, version uint32, dcid, scid, payload []byte) []byte {
	b = append(b, 0xc0|longTypeBits(PacketHandshake, version))
	b = binary.BigEndian.AppendUint32(b, version)
	b = appendConnID(b, dcid)
	b = appendConnID(b, scid)
	return append(b, payload...)
}
