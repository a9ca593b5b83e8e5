// Package block holds the DTP block model: descriptors, outbound blocks,
// the per-destination sender queue and the schedule-driven generator.
package block

import (
	"errors"
	"fmt"
	"math"

	"github.com/quic-go/quic-go/quicvarint"
)

// ErrInvalidConfig is returned for a descriptor that cannot be sent.
var ErrInvalidConfig = errors.New("invalid block descriptor")

// Info is the metadata announced for a block. Deadline is in milliseconds.
type Info struct {
	ID       uint64
	Size     uint64
	Priority uint64
	Deadline uint64
}

// Config describes one block to produce. SendTimeGap is the delay in
// seconds between the previous block and this one.
type Config struct {
	BlockSize   uint64  `toml:"size"`
	Priority    uint64  `toml:"priority"`
	Deadline    uint64  `toml:"deadline"`
	SendTimeGap float64 `toml:"gap"`
}

// Validate checks that every field of c can be announced in a BlockInfo
// frame and that the send gap is a finite, non-negative delay.
func (c Config) Validate() error {
	for _, f := range []struct {
		name string
		v    uint64
	}{
		{"size", c.BlockSize},
		{"priority", c.Priority},
		{"deadline", c.Deadline},
	} {
		if f.v > quicvarint.Max {
			return fmt.Errorf("%w: %s %d does not fit a varint", ErrInvalidConfig, f.name, f.v)
		}
	}
	if math.IsNaN(c.SendTimeGap) || math.IsInf(c.SendTimeGap, 0) || c.SendTimeGap < 0 {
		return fmt.Errorf("%w: send gap %v", ErrInvalidConfig, c.SendTimeGap)
	}
	return nil
}

// Block is an outbound block and its transmission progress. Only the
// sender mutates progress; SentSize never decreases.
type Block struct {
	Info Info
	Data []byte

	sentSize uint64
	hasBegun bool
	infoSent bool
	finSent  bool
}

// New returns a block for info carrying data. len(data) must equal info.Size.
func New(info Info, data []byte) *Block {
	if uint64(len(data)) != info.Size {
		panic(fmt.Sprintf("block %d: payload is %d bytes, size is %d", info.ID, len(data), info.Size))
	}
	return &Block{Info: info, Data: data}
}

func (b *Block) SentSize() uint64  { return b.sentSize }
func (b *Block) Remaining() uint64 { return b.Info.Size - b.sentSize }
func (b *Block) HasBegun() bool    { return b.hasBegun }
func (b *Block) InfoSent() bool    { return b.infoSent }

// Complete reports whether every payload byte and the end of the block's
// stream have been handed to the transport.
func (b *Block) Complete() bool { return b.sentSize == b.Info.Size && b.finSent }

// Begin marks the block as in flight and reports whether this call did so.
func (b *Block) Begin() bool {
	if b.hasBegun {
		return false
	}
	b.hasBegun = true
	return true
}

// MarkInfoSent records that the block's BlockInfo frame was written.
func (b *Block) MarkInfoSent() { b.infoSent = true }

// Unsent returns up to max payload bytes starting at SentSize.
func (b *Block) Unsent(max int) []byte {
	rest := b.Data[b.sentSize:]
	if max < len(rest) {
		rest = rest[:max]
	}
	return rest
}

// Advance records n more payload bytes as sent. fin marks the stream end.
func (b *Block) Advance(n int, fin bool) {
	if n < 0 || uint64(n) > b.Remaining() {
		panic(fmt.Sprintf("block %d: advance by %d with %d remaining", b.Info.ID, n, b.Remaining()))
	}
	b.sentSize += uint64(n)
	if fin {
		b.finSent = true
	}
}
