package dtp

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/frame"
)

var (
	ErrUnknownBlock    = errors.New("dtp: data for unannounced block")
	ErrDuplicateBlock  = errors.New("dtp: block announced twice")
	ErrBlockOverflow   = errors.New("dtp: data beyond announced block size")
	ErrDuplicateConfig = errors.New("dtp: config announced twice")
)

// maxPrealloc bounds the buffer reserved for a block on its BlockInfo.
const maxPrealloc = 1 << 20

// Received is a block rebuilt from a peer's frames.
type Received struct {
	Info      block.Info
	Data      []byte
	Stream    uint64
	Started   time.Time
	Completed time.Time
}

// Elapsed is the time from the BlockInfo frame to the last byte.
func (r Received) Elapsed() time.Duration { return r.Completed.Sub(r.Started) }

// DeadlineMet reports whether the block completed within its deadline.
func (r Received) DeadlineMet() bool {
	return r.Elapsed() <= time.Duration(r.Info.Deadline)*time.Millisecond
}

type inbound struct {
	info    block.Info
	data    []byte
	stream  uint64
	started time.Time
}

// Receiver rebuilds blocks from stream bytes. It is not safe for
// concurrent use.
type Receiver struct {
	now func() time.Time

	pending  map[uint64][]byte
	poisoned map[uint64]bool
	blocks   map[uint64]*inbound
	done     map[uint64]bool

	peerBlocks   uint64
	hasConfig    bool
	peerFinished bool

	// OnConfig runs when the peer announces its block count.
	OnConfig func(cfgLen uint64)
	// OnBlock runs for every completed block.
	OnBlock func(Received)
}

// NewReceiver returns an empty receiver. now may be nil.
func NewReceiver(now func() time.Time) *Receiver {
	if now == nil {
		now = time.Now
	}
	return &Receiver{
		now:      now,
		pending:  make(map[uint64][]byte),
		poisoned: make(map[uint64]bool),
		blocks:   make(map[uint64]*inbound),
		done:     make(map[uint64]bool),
	}
}

// Completed returns how many blocks were fully received.
func (r *Receiver) Completed() int { return len(r.done) }

// InProgress returns how many announced blocks are still incomplete.
func (r *Receiver) InProgress() int { return len(r.blocks) }

// PeerBlocks returns the block count the peer announced, if it did.
func (r *Receiver) PeerBlocks() (uint64, bool) { return r.peerBlocks, r.hasConfig }

// PeerFinished reports whether the peer ended the control stream.
func (r *Receiver) PeerFinished() bool { return r.peerFinished }

// AllReceived reports whether every block the peer announced arrived.
func (r *Receiver) AllReceived() bool {
	return r.hasConfig && uint64(len(r.done)) >= r.peerBlocks
}

// Consume feeds bytes read from stream id. Malformed or unexpected frames
// are dropped one at a time and reported together in the returned error;
// the remaining frames are still processed.
func (r *Receiver) Consume(id uint64, b []byte, fin bool) error {
	var errs *multierror.Error
	if r.poisoned[id] {
		if fin {
			delete(r.poisoned, id)
		}
		return nil
	}

	buf := append(r.pending[id], b...)
	for len(buf) > 0 {
		f, n, err := frame.Parse(buf)
		if errors.Is(err, frame.ErrIncomplete) {
			break
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stream %d: %w", id, err))
			if n == 0 {
				// The frame boundary is lost; ignore the rest of the stream.
				buf = nil
				if !fin {
					r.poisoned[id] = true
				}
				break
			}
			buf = buf[n:]
			continue
		}
		buf = buf[n:]
		if err := r.handle(id, f); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stream %d: %w", id, err))
		}
	}

	switch {
	case fin:
		if len(buf) > 0 {
			errs = multierror.Append(errs, fmt.Errorf("stream %d: %w: %d bytes of truncated frame at stream end",
				id, frame.ErrInvalidFrame, len(buf)))
		}
		delete(r.pending, id)
		if id == ControlStream {
			r.peerFinished = true
		}
	case len(buf) == 0:
		delete(r.pending, id)
	default:
		r.pending[id] = buf
	}
	return errs.ErrorOrNil()
}

func (r *Receiver) handle(stream uint64, f frame.Frame) error {
	switch f := f.(type) {
	case frame.DtpConfig:
		if r.hasConfig {
			return ErrDuplicateConfig
		}
		r.hasConfig = true
		r.peerBlocks = f.CfgLen
		if r.OnConfig != nil {
			r.OnConfig(f.CfgLen)
		}
	case frame.BlockInfo:
		if _, ok := r.blocks[f.ID]; ok || r.done[f.ID] {
			return fmt.Errorf("%w: id %d", ErrDuplicateBlock, f.ID)
		}
		in := &inbound{
			info:    block.Info{ID: f.ID, Size: f.Size, Priority: f.Priority, Deadline: f.Deadline},
			data:    make([]byte, 0, min(f.Size, maxPrealloc)),
			stream:  stream,
			started: r.now(),
		}
		r.blocks[f.ID] = in
		if f.Size == 0 {
			r.complete(in)
		}
	case frame.BlockData:
		in, ok := r.blocks[f.ID]
		if !ok {
			if r.done[f.ID] {
				if len(f.Data) == 0 {
					return nil
				}
				return fmt.Errorf("%w: id %d", ErrBlockOverflow, f.ID)
			}
			return fmt.Errorf("%w: id %d", ErrUnknownBlock, f.ID)
		}
		if uint64(len(in.data)+len(f.Data)) > in.info.Size {
			return fmt.Errorf("%w: id %d has %d of %d bytes, frame carries %d",
				ErrBlockOverflow, f.ID, len(in.data), in.info.Size, len(f.Data))
		}
		in.data = append(in.data, f.Data...)
		if uint64(len(in.data)) == in.info.Size {
			r.complete(in)
		}
	}
	return nil
}

func (r *Receiver) complete(in *inbound) {
	delete(r.blocks, in.info.ID)
	r.done[in.info.ID] = true
	if r.OnBlock != nil {
		r.OnBlock(Received{
			Info:      in.info,
			Data:      in.data,
			Stream:    in.stream,
			Started:   in.started,
			Completed: r.now(),
		})
	}
}
