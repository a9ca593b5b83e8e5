package block

import (
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"
)

var ErrConfigEmpty = errors.New("block descriptor sequence is empty")

// minGap is the send gap below which the next block is produced in the
// same call.
const minGap = 0.000001

// Generator turns a descriptor sequence into blocks on schedule. It is
// driven by a timer: each GenerateOnce call returns the delay until the
// next call should happen.
type Generator struct {
	cfgs   []Config
	next   int
	random io.Reader
}

// GeneratorOption customises a Generator.
type GeneratorOption func(*Generator)

// WithRandom sets the source used to fill block payloads.
func WithRandom(r io.Reader) GeneratorOption {
	return func(g *Generator) { g.random = r }
}

// NewGenerator returns a generator over cfgs. cfgs is not copied and must
// not be modified afterwards.
func NewGenerator(cfgs []Config, opts ...GeneratorOption) (*Generator, error) {
	if len(cfgs) == 0 {
		return nil, ErrConfigEmpty
	}
	for i, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
	}
	g := &Generator{cfgs: cfgs}
	for _, opt := range opts {
		opt(g)
	}
	if g.random == nil {
		var seed [32]byte
		_, _ = crand.Read(seed[:])
		g.random = rand.NewChaCha8(seed)
	}
	return g, nil
}

// Len returns the number of descriptors.
func (g *Generator) Len() int { return len(g.cfgs) }

// Done reports whether every descriptor has been turned into a block.
func (g *Generator) Done() bool { return g.next >= len(g.cfgs) }

// FirstTimeGap returns the delay before the first GenerateOnce call.
func (g *Generator) FirstTimeGap() (time.Duration, bool) {
	if len(g.cfgs) == 0 {
		return 0, false
	}
	return seconds(g.cfgs[0].SendTimeGap), true
}

// GenerateOnce produces the block at the cursor, then keeps producing
// while the following gap is negligible. It returns the delay before the
// next call, or false once the sequence is exhausted.
func (g *Generator) GenerateOnce(q *Queue) (time.Duration, bool) {
	for g.next < len(g.cfgs) {
		cfg := g.cfgs[g.next]
		q.Push(g.newBlock(uint64(g.next), cfg))
		g.next++

		if g.next == len(g.cfgs) {
			return 0, false
		}
		gap := g.cfgs[g.next].SendTimeGap
		if gap <= minGap {
			continue
		}
		return seconds(gap), true
	}
	return 0, false
}

func (g *Generator) newBlock(id uint64, cfg Config) *Block {
	data := make([]byte, cfg.BlockSize)
	_, _ = io.ReadFull(g.random, data)
	return New(Info{
		ID:       id,
		Size:     cfg.BlockSize,
		Priority: cfg.Priority,
		Deadline: cfg.Deadline,
	}, data)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
