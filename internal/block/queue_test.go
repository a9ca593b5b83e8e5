package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlock(id, size, priority uint64) *Block {
	return New(Info{ID: id, Size: size, Priority: priority}, make([]byte, size))
}

func ids(q *Queue) []uint64 {
	var out []uint64
	for q.Len() > 0 {
		out = append(out, q.PopFront().Info.ID)
	}
	return out
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(FIFO{})
	assert.Nil(t, q.Front())
	assert.Nil(t, q.PopFront())
	for i := uint64(0); i < 5; i++ {
		q.Push(newTestBlock(i, 1, 5-i))
	}
	require.Equal(t, 5, q.Len())
	assert.Equal(t, uint64(0), q.Front().Info.ID)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, ids(q))
}

func TestQueue_ByPriority(t *testing.T) {
	q := NewQueue(ByPriority{})
	q.Push(newTestBlock(0, 1, 3))
	q.Push(newTestBlock(1, 1, 1))
	q.Push(newTestBlock(2, 1, 2))
	q.Push(newTestBlock(3, 1, 1))
	assert.Equal(t, []uint64{1, 3, 2, 0}, ids(q))
}

func TestQueue_ByPriorityKeepsInFlightHead(t *testing.T) {
	q := NewQueue(ByPriority{})
	q.Push(newTestBlock(0, 4, 9))
	q.Front().Begin()
	q.Push(newTestBlock(1, 1, 0))
	assert.Equal(t, []uint64{0, 1}, ids(q))
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{"", "fifo", "priority"} {
		_, ok := PolicyByName(name)
		assert.True(t, ok, name)
	}
	_, ok := PolicyByName("edf")
	assert.False(t, ok)
}

func TestBlock_Progress(t *testing.T) {
	b := newTestBlock(1, 10, 0)
	assert.True(t, b.Begin())
	assert.False(t, b.Begin())

	b.Advance(4, false)
	assert.Equal(t, uint64(4), b.SentSize())
	assert.Len(t, b.Unsent(100), 6)
	assert.Len(t, b.Unsent(3), 3)
	assert.False(t, b.Complete())

	b.Advance(6, true)
	assert.True(t, b.Complete())
	assert.Panics(t, func() { b.Advance(1, false) })
}

func TestBlock_ZeroSize(t *testing.T) {
	b := newTestBlock(0, 0, 0)
	assert.False(t, b.Complete())
	b.Advance(0, true)
	assert.True(t, b.Complete())
}
