package dtp

import (
	"errors"
	"fmt"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/frame"
	"github.com/quantarax/dtp/internal/transport"
)

// ErrTransportFatal wraps a transport failure other than would-block.
var ErrTransportFatal = errors.New("dtp: transport failure")

// DefaultChunkSize caps the payload of one BlockData frame.
const DefaultChunkSize = 32 << 10

// Sender writes blocks from a queue onto their streams, one block at a
// time. Each block is a BlockInfo frame followed by BlockData frames, the
// last of which finishes the stream. Frames are never split: a frame is
// only written when the stream has room for all of it.
type Sender struct {
	role     Role
	maxChunk int
	buf      []byte

	// OnStart runs once per block when its transmission begins.
	OnStart func(*block.Block)
	// OnSent runs when a block's last byte was handed to the transport.
	OnSent func(*block.Block)
}

// NewSender returns a sender for the given role. chunk <= 0 selects
// DefaultChunkSize.
func NewSender(role Role, chunk int) *Sender {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Sender{role: role, maxChunk: chunk}
}

// Drain writes as much of q as the transport accepts and returns the
// number of blocks still queued. Running out of stream capacity is not an
// error; calling Drain again later resumes at the exact byte where it
// stopped.
func (s *Sender) Drain(q *block.Queue, w StreamWriter) (int, error) {
	for q.Len() > 0 {
		b := q.Front()
		if b.Begin() && s.OnStart != nil {
			s.OnStart(b)
		}

		err := s.write(b, w)
		if errors.Is(err, transport.ErrDone) {
			return q.Len(), nil
		}
		if err != nil {
			return q.Len(), fmt.Errorf("%w: block %d: %w", ErrTransportFatal, b.Info.ID, err)
		}

		q.PopFront()
		if s.OnSent != nil {
			s.OnSent(b)
		}
	}
	return 0, nil
}

// write returns nil only once b is complete.
func (s *Sender) write(b *block.Block, w StreamWriter) error {
	sid := BlockStream(s.role, b.Info.ID)

	if !b.InfoSent() {
		if err := s.encode(frame.BlockInfo{
			ID:       b.Info.ID,
			Size:     b.Info.Size,
			Priority: b.Info.Priority,
			Deadline: b.Info.Deadline,
		}); err != nil {
			return err
		}
		if err := s.writeFrame(w, sid, false); err != nil {
			return err
		}
		b.MarkInfoSent()
	}

	for !b.Complete() {
		capacity, err := w.StreamCapacity(sid)
		if err != nil {
			return err
		}
		chunk := s.maxChunk
		if rem := b.Remaining(); rem < uint64(chunk) {
			chunk = int(rem)
		}
		overhead := frame.Overhead(b.Info.ID, chunk)
		if capacity < overhead+min(chunk, 1) {
			return transport.ErrDone
		}
		chunk = min(chunk, capacity-overhead)

		data := b.Unsent(chunk)
		fin := uint64(len(data)) == b.Remaining()
		if err := s.encode(frame.BlockData{ID: b.Info.ID, Data: data}); err != nil {
			return err
		}
		if err := s.send(w, sid, fin); err != nil {
			return err
		}
		b.Advance(len(data), fin)
	}
	return nil
}

// encode replaces s.buf with f.
func (s *Sender) encode(f frame.Frame) error {
	n := frame.Len(f)
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	n, err := frame.Encode(f, s.buf[:n])
	if err != nil {
		return err
	}
	s.buf = s.buf[:n]
	return nil
}

// writeFrame writes s.buf if the stream can take all of it.
func (s *Sender) writeFrame(w StreamWriter, sid uint64, fin bool) error {
	capacity, err := w.StreamCapacity(sid)
	if err != nil {
		return err
	}
	if capacity < len(s.buf) {
		return transport.ErrDone
	}
	return s.send(w, sid, fin)
}

func (s *Sender) send(w StreamWriter, sid uint64, fin bool) error {
	n, err := w.StreamSend(sid, s.buf, fin)
	if err != nil {
		return err
	}
	if n != len(s.buf) {
		return errShortWrite(sid, n, len(s.buf))
	}
	return nil
}
