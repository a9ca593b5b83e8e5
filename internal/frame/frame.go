// Package frame implements the DTP frame codec.
//
// Every frame is laid out as varint(type) | varint(length) | payload, using
// QUIC variable-length integers. The length counts encoded payload bytes.
package frame

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

var (
	ErrInvalidFrame   = errors.New("invalid frame")
	ErrBufferTooShort = errors.New("buffer too short")
	// ErrIncomplete is returned by Parse when more stream bytes are needed.
	ErrIncomplete = errors.New("incomplete frame")
)

// MaxPayloadLen bounds a single frame payload so a corrupt length cannot
// make a receiver buffer without limit.
const MaxPayloadLen = 16 << 20

// maxVarint is the largest value a QUIC varint can carry.
const maxVarint = quicvarint.Max

// Type identifies a frame on the wire.
type Type uint64

const (
	TypeNone      Type = 0x0
	TypeDtpConfig Type = 0x1
	TypeBlockInfo Type = 0x2
	TypeBlockData Type = 0x3
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeDtpConfig:
		return "dtp_config"
	case TypeBlockInfo:
		return "block_info"
	case TypeBlockData:
		return "block_data"
	default:
		return fmt.Sprintf("unknown(0x%x)", uint64(t))
	}
}

// Frame is one of DtpConfig, BlockInfo or BlockData.
type Frame interface {
	Type() Type
	payloadLen() int
	appendPayload(b []byte) []byte
	check() error
}

// DtpConfig announces how many block descriptors the sender will produce.
type DtpConfig struct {
	CfgLen uint64
}

// BlockInfo announces a block before its data.
type BlockInfo struct {
	ID       uint64
	Size     uint64
	Priority uint64
	Deadline uint64
}

// BlockData carries a contiguous slice of a block's payload.
type BlockData struct {
	ID   uint64
	Data []byte
}

func (DtpConfig) Type() Type { return TypeDtpConfig }
func (BlockInfo) Type() Type { return TypeBlockInfo }
func (BlockData) Type() Type { return TypeBlockData }

func (f DtpConfig) payloadLen() int { return quicvarint.Len(f.CfgLen) }

func (f BlockInfo) payloadLen() int {
	return quicvarint.Len(f.ID) + quicvarint.Len(f.Size) +
		quicvarint.Len(f.Priority) + quicvarint.Len(f.Deadline)
}

func (f BlockData) payloadLen() int { return quicvarint.Len(f.ID) + len(f.Data) }

func (f DtpConfig) appendPayload(b []byte) []byte { return quicvarint.Append(b, f.CfgLen) }

func (f BlockInfo) appendPayload(b []byte) []byte {
	b = quicvarint.Append(b, f.ID)
	b = quicvarint.Append(b, f.Size)
	b = quicvarint.Append(b, f.Priority)
	return quicvarint.Append(b, f.Deadline)
}

func (f BlockData) appendPayload(b []byte) []byte {
	b = quicvarint.Append(b, f.ID)
	return append(b, f.Data...)
}

func (f DtpConfig) check() error { return checkVarints(f.CfgLen) }

func (f BlockInfo) check() error { return checkVarints(f.ID, f.Size, f.Priority, f.Deadline) }

func (f BlockData) check() error {
	if err := checkVarints(f.ID); err != nil {
		return err
	}
	if quicvarint.Len(f.ID)+len(f.Data) > MaxPayloadLen {
		return fmt.Errorf("%w: block data payload exceeds %d bytes", ErrInvalidFrame, MaxPayloadLen)
	}
	return nil
}

func checkVarints(vs ...uint64) error {
	for _, v := range vs {
		if v > maxVarint {
			return fmt.Errorf("%w: value %d does not fit a varint", ErrInvalidFrame, v)
		}
	}
	return nil
}

// Len returns the encoded size of f including its type and length prefix.
func Len(f Frame) int {
	n := f.payloadLen()
	return quicvarint.Len(uint64(f.Type())) + quicvarint.Len(uint64(n)) + n
}

// Overhead returns the bytes a BlockData frame for id adds on top of dataLen.
func Overhead(id uint64, dataLen int) int {
	n := quicvarint.Len(id) + dataLen
	return quicvarint.Len(uint64(TypeBlockData)) + quicvarint.Len(uint64(n)) + quicvarint.Len(id)
}

// Append encodes f onto b. It panics only if f fails validation; callers
// that take frames from untrusted sources should use Encode.
func Append(b []byte, f Frame) []byte {
	if err := f.check(); err != nil {
		panic(err)
	}
	return appendFrame(b, f)
}

func appendFrame(b []byte, f Frame) []byte {
	b = quicvarint.Append(b, uint64(f.Type()))
	b = quicvarint.Append(b, uint64(f.payloadLen()))
	return f.appendPayload(b)
}

// Encode writes f into buf and returns the number of bytes written.
func Encode(f Frame, buf []byte) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	n := Len(f)
	if len(buf) < n {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooShort, n, len(buf))
	}
	out := appendFrame(buf[:0], f)
	return len(out), nil
}

// Decode builds a frame of type t from the first payloadLen bytes of b.
func Decode(t Type, payloadLen uint64, b []byte) (Frame, error) {
	switch t {
	case TypeDtpConfig, TypeBlockInfo, TypeBlockData:
	default:
		return nil, fmt.Errorf("%w: unknown type %s", ErrInvalidFrame, t)
	}
	if payloadLen > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrInvalidFrame, payloadLen, MaxPayloadLen)
	}
	if uint64(len(b)) < payloadLen {
		return nil, fmt.Errorf("%w: payload length %d, have %d bytes", ErrBufferTooShort, payloadLen, len(b))
	}
	r := bytes.NewReader(b[:payloadLen])

	var f Frame
	switch t {
	case TypeDtpConfig:
		cfgLen, err := readVarint(r, "cfg_len")
		if err != nil {
			return nil, err
		}
		f = DtpConfig{CfgLen: cfgLen}
	case TypeBlockInfo:
		var info BlockInfo
		fields := []struct {
			name string
			dst  *uint64
		}{
			{"id", &info.ID},
			{"size", &info.Size},
			{"priority", &info.Priority},
			{"deadline", &info.Deadline},
		}
		for _, field := range fields {
			v, err := readVarint(r, field.name)
			if err != nil {
				return nil, err
			}
			*field.dst = v
		}
		f = info
	case TypeBlockData:
		id, err := readVarint(r, "id")
		if err != nil {
			return nil, err
		}
		var data []byte
		if r.Len() > 0 {
			data = make([]byte, r.Len())
			_, _ = r.Read(data)
		}
		f = BlockData{ID: id, Data: data}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in %s", ErrInvalidFrame, r.Len(), t)
	}
	return f, nil
}

func readVarint(r *bytes.Reader, field string) (uint64, error) {
	v, err := quicvarint.Read(r)
	if err != nil {
		return 0, fmt.Errorf("%w: truncated %s", ErrInvalidFrame, field)
	}
	return v, nil
}

// Header holds a parsed frame prefix.
type Header struct {
	Type       Type
	PayloadLen uint64
	// Len is the number of bytes taken by the type and length varints.
	Len int
}

// ParseHeader reads the type and length prefix of the frame at the start
// of b. It returns ErrIncomplete when b ends inside the prefix.
func ParseHeader(b []byte) (Header, error) {
	r := bytes.NewReader(b)
	t, err := quicvarint.Read(r)
	if err != nil {
		return Header{}, ErrIncomplete
	}
	l, err := quicvarint.Read(r)
	if err != nil {
		return Header{}, ErrIncomplete
	}
	if l > MaxPayloadLen {
		return Header{}, fmt.Errorf("%w: payload length %d exceeds %d", ErrInvalidFrame, l, MaxPayloadLen)
	}
	return Header{Type: Type(t), PayloadLen: l, Len: len(b) - r.Len()}, nil
}

// Parse decodes the first complete frame in b and returns it together with
// the number of bytes consumed. When the frame's type is unknown the
// returned error wraps ErrInvalidFrame and n still covers the whole frame,
// so the caller can skip it.
func Parse(b []byte) (Frame, int, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, 0, err
	}
	total := h.Len + int(h.PayloadLen)
	if len(b) < total {
		return nil, 0, ErrIncomplete
	}
	f, err := Decode(h.Type, h.PayloadLen, b[h.Len:total])
	if err != nil {
		return nil, total, err
	}
	return f, total, nil
}
