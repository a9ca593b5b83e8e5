package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarax/dtp/internal/block"
	"github.com/quantarax/dtp/internal/journal"
	"github.com/quantarax/dtp/internal/transport/transporttest"
)

// TestExchange runs a server and a client against each other over linked
// in-memory connections until both sides have every block.
func TestExchange(t *testing.T) {
	sched := &fakeSched{}
	serverEngine := transporttest.NewEngine()
	serverEngine.RetryUnsupported = true
	serverLoop, clientLoop := &fakeLoop{}, &fakeLoop{}

	jr, err := journal.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer jr.Close()

	m, err := NewManager(Env{Engine: serverEngine, Sched: sched, Out: &fakeWriter{}, Loop: serverLoop}, Config{
		Local: serverAddr,
		Descriptors: []block.Config{
			{BlockSize: 5000, Priority: 2, Deadline: 500},
			{BlockSize: 0, Priority: 1, Deadline: 500},
			{BlockSize: 70000, Priority: 1, Deadline: 500, SendTimeGap: 0.02},
		},
		Policy:      block.ByPriority{},
		IdleTimeout: time.Second,
		ChunkSize:   1000,
	})
	require.NoError(t, err)

	clientEngine := transporttest.NewEngine()
	cl, err := NewClient(Env{Engine: clientEngine, Sched: sched, Out: &fakeWriter{}, Loop: clientLoop, Journal: jr}, ClientConfig{
		Local:       clientAddr,
		Peer:        serverAddr,
		Descriptors: []block.Config{{BlockSize: 1234, Priority: 1, Deadline: 500}},
		IdleTimeout: time.Second,
	})
	require.NoError(t, err)

	f := &managerFixture{engine: serverEngine, sched: sched, loop: serverLoop, m: m}
	f.send(t, initial([]byte{1, 2, 3, 4, 5, 6, 7, 8}, []byte{1}, nil))
	require.Len(t, serverEngine.Accepted, 1)
	serverConn := serverEngine.Accepted[0]
	session := m.Connections()[0]

	clientEngine.Peer = serverConn
	cl.Start()
	for i := 0; i < 100 && cl.State() != StateClosed; i++ {
		require.NoError(t, m.HandleWake())
		require.NoError(t, cl.HandleWake())
		sched.advance(10 * time.Millisecond)
	}
	require.Equal(t, StateClosed, cl.State())

	got := cl.Conn().Stats()
	assert.Equal(t, 3, got.Blocks)
	assert.Equal(t, uint64(75000), got.Bytes)
	assert.Equal(t, 1, session.Stats().Blocks)
	assert.Equal(t, uint64(1234), session.Stats().Bytes)

	sum, err := jr.Summarize(cl.Session())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Blocks)

	// The client closed the connection; the server lets go and stops
	// once its idle timer fires.
	require.NoError(t, m.HandleWake())
	assert.True(t, serverConn.Released)
	assert.Equal(t, 0, m.Active())
	sched.advance(time.Second)
	assert.True(t, serverLoop.stopped)
	assert.True(t, clientLoop.stopped)
}
