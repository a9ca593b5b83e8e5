package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
	"go.uber.org/goleak"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/dtp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func received(id uint64, data []byte, took time.Duration, deadline uint64) dtp.Received {
	start := time.Unix(1000, 0)
	return dtp.Received{
		Info:      block.Info{ID: id, Size: uint64(len(data)), Priority: 1, Deadline: deadline},
		Data:      data,
		Started:   start,
		Completed: start.Add(took),
	}
}

func TestJournal_PutGetSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)

	recs := []Record{
		NewRecord("s1", "10.0.0.1:4433", received(2, []byte("ccc"), 30*time.Millisecond, 20)),
		NewRecord("s1", "10.0.0.1:4433", received(0, []byte("a"), 10*time.Millisecond, 20)),
		NewRecord("s2", "10.0.0.2:4433", received(0, []byte("zz"), time.Millisecond, 20)),
	}
	for _, r := range recs {
		require.NoError(t, j.Put(r))
	}

	got, err := j.Get("s1", 2)
	require.NoError(t, err)
	sum := blake3.Sum256([]byte("ccc"))
	assert.Equal(t, sum[:], got.Digest)
	assert.False(t, got.DeadlineMet)
	assert.Equal(t, 30*time.Millisecond, got.Elapsed())

	_, err = j.Get("s1", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	s1, err := j.Session("s1")
	require.NoError(t, err)
	require.Len(t, s1, 2)
	assert.Equal(t, uint64(0), s1[0].ID)
	assert.Equal(t, uint64(2), s1[1].ID)

	require.NoError(t, j.Close())

	// Records survive a reopen.
	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	summary, err := j.Summarize("s1")
	require.NoError(t, err)
	assert.Equal(t, Summary{
		Blocks: 2,
		Bytes:  4,
		Met:    1,
		Missed: 1,
		Mean:   20 * time.Millisecond,
		Worst:  30 * time.Millisecond,
	}, summary)
}

func TestSummarize_Empty(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestJournal_Healthy(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	assert.True(t, j.Healthy())
	require.NoError(t, j.Close())
	assert.False(t, j.Healthy())
}

func TestJournal_PutDoesNotWaitForDisk(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), WithSyncInterval(time.Hour))
	require.NoError(t, err)

	const n = 3 * queueLen
	for i := range n {
		require.NoError(t, j.Put(NewRecord("s1", "10.0.0.1:4433", received(uint64(i), []byte{byte(i)}, time.Millisecond, 20))))
	}
	require.NoError(t, j.Flush())
	recs, err := j.Session("s1")
	require.NoError(t, err)
	assert.Len(t, recs, n)

	require.NoError(t, j.Put(NewRecord("s2", "10.0.0.2:4433", received(0, nil, 0, 0))))
	// Reads see records still sitting in the queue.
	_, err = j.Get("s2", 0)
	require.NoError(t, err)
	require.NoError(t, j.Close())
}

func TestJournal_ClosedRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Put(NewRecord("s1", "10.0.0.1:4433", received(7, []byte("x"), 0, 0))))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Put(NewRecord("s1", "10.0.0.1:4433", received(8, nil, 0, 0))), ErrClosed)
	assert.ErrorIs(t, j.Flush(), ErrClosed)
	_, err = j.Get("s1", 7)
	assert.Error(t, err)

	// The queued record was committed by Close.
	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	_, err = j.Get("s1", 7)
	assert.NoError(t, err)
}
