package dtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarax/dtp/internal/frame"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestReceiver_ByteAtATime(t *testing.T) {
	var stream []byte
	stream = frame.Append(stream, frame.BlockInfo{ID: 4, Size: 6, Priority: 1, Deadline: 50})
	stream = frame.Append(stream, frame.BlockData{ID: 4, Data: []byte("abc")})
	stream = frame.Append(stream, frame.BlockData{ID: 4, Data: []byte("def")})

	clock := &fakeClock{t: time.Unix(100, 0)}
	r := NewReceiver(clock.now)
	var got []Received
	r.OnBlock = func(rb Received) { got = append(got, rb) }

	for i := range stream {
		clock.t = clock.t.Add(time.Millisecond)
		require.NoError(t, r.Consume(19, stream[i:i+1], i == len(stream)-1))
	}
	require.Len(t, got, 1)
	assert.Equal(t, []byte("abcdef"), got[0].Data)
	assert.Equal(t, uint64(19), got[0].Stream)
	assert.True(t, got[0].Elapsed() > 0)
	assert.True(t, got[0].DeadlineMet())
	assert.Equal(t, 1, r.Completed())
	assert.Equal(t, 0, r.InProgress())
}

func TestReceiver_DeadlineMissed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := NewReceiver(clock.now)
	var got Received
	r.OnBlock = func(rb Received) { got = rb }

	require.NoError(t, r.Consume(3, frame.Append(nil, frame.BlockInfo{ID: 0, Size: 1, Deadline: 10}), false))
	clock.t = clock.t.Add(11 * time.Millisecond)
	require.NoError(t, r.Consume(3, frame.Append(nil, frame.BlockData{ID: 0, Data: []byte{1}}), true))
	assert.False(t, got.DeadlineMet())
}

func TestReceiver_UnknownBlockData(t *testing.T) {
	r := NewReceiver(nil)
	err := r.Consume(3, frame.Append(nil, frame.BlockData{ID: 9, Data: []byte("x")}), false)
	assert.ErrorIs(t, err, ErrUnknownBlock)
	assert.Equal(t, 0, r.Completed())
}

func TestReceiver_SkipsBadFramesKeepsGoodOnes(t *testing.T) {
	var b []byte
	b = append(b, 0x07, 0x02, 0xff, 0xff) // unknown type, two payload bytes
	b = frame.Append(b, frame.BlockInfo{ID: 1, Size: 2})
	b = frame.Append(b, frame.BlockData{ID: 1, Data: []byte("toolong")})
	b = frame.Append(b, frame.BlockData{ID: 1, Data: []byte("ok")})

	r := NewReceiver(nil)
	var got []Received
	r.OnBlock = func(rb Received) { got = append(got, rb) }
	err := r.Consume(7, b, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, frame.ErrInvalidFrame)
	assert.ErrorIs(t, err, ErrBlockOverflow)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("ok"), got[0].Data)
}

func TestReceiver_DuplicateInfo(t *testing.T) {
	r := NewReceiver(nil)
	info := frame.Append(nil, frame.BlockInfo{ID: 2, Size: 5})
	require.NoError(t, r.Consume(11, info, false))
	assert.ErrorIs(t, r.Consume(11, info, false), ErrDuplicateBlock)
}

func TestReceiver_ZeroSizeBlock(t *testing.T) {
	var b []byte
	b = frame.Append(b, frame.BlockInfo{ID: 0, Size: 0})
	b = frame.Append(b, frame.BlockData{ID: 0})
	r := NewReceiver(nil)
	n := 0
	r.OnBlock = func(Received) { n++ }
	require.NoError(t, r.Consume(3, b, true))
	assert.Equal(t, 1, n)
}

func TestReceiver_TruncatedAtFin(t *testing.T) {
	b := frame.Append(nil, frame.BlockInfo{ID: 0, Size: 5})
	r := NewReceiver(nil)
	err := r.Consume(3, b[:len(b)-1], true)
	assert.ErrorIs(t, err, frame.ErrInvalidFrame)
}

func TestReceiver_HugeLengthPoisonsStream(t *testing.T) {
	r := NewReceiver(nil)
	bad := []byte{0x03, 0xc0, 0, 0, 0, 0x10, 0, 0, 0}
	assert.ErrorIs(t, r.Consume(3, bad, false), frame.ErrInvalidFrame)
	assert.NoError(t, r.Consume(3, frame.Append(nil, frame.BlockInfo{ID: 0, Size: 1}), false))
	assert.Equal(t, 0, r.InProgress())
}

func TestReceiver_ControlStream(t *testing.T) {
	r := NewReceiver(nil)
	var announced uint64
	r.OnConfig = func(n uint64) { announced = n }

	require.NoError(t, r.Consume(ControlStream, frame.Append(nil, frame.DtpConfig{CfgLen: 2}), false))
	assert.Equal(t, uint64(2), announced)
	n, ok := r.PeerBlocks()
	assert.True(t, ok)
	assert.Equal(t, uint64(2), n)
	assert.False(t, r.PeerFinished())
	assert.False(t, r.AllReceived())

	assert.ErrorIs(t, r.Consume(ControlStream, frame.Append(nil, frame.DtpConfig{CfgLen: 3}), false), ErrDuplicateConfig)

	for id := uint64(0); id < 2; id++ {
		var b []byte
		b = frame.Append(b, frame.BlockInfo{ID: id, Size: 1})
		b = frame.Append(b, frame.BlockData{ID: id, Data: []byte{byte(id)}})
		require.NoError(t, r.Consume(BlockStream(RoleServer, id), b, true))
	}
	require.NoError(t, r.Consume(ControlStream, nil, true))
	assert.True(t, r.PeerFinished())
	assert.True(t, r.AllReceived())
}
