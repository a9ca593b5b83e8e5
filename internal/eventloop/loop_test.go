package eventloop

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runLoop(t *testing.T, l *Loop) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.Run(ctx)
}

func TestTimers_FireInDeadlineOrder(t *testing.T) {
	l := New()
	var order []string
	l.Schedule(30*time.Millisecond, func() Action {
		order = append(order, "late")
		l.Stop()
		return Drop()
	})
	l.Schedule(10*time.Millisecond, func() Action {
		order = append(order, "early")
		return Drop()
	})
	l.Schedule(20*time.Millisecond, func() Action {
		order = append(order, "middle")
		return Drop()
	})

	require.NoError(t, runLoop(t, l))
	assert.Equal(t, []string{"early", "middle", "late"}, order)
}

func TestTimers_AfterRearms(t *testing.T) {
	l := New()
	fired := 0
	tm := l.Schedule(time.Millisecond, func() Action {
		fired++
		if fired == 3 {
			l.Stop()
			return Drop()
		}
		return After(time.Millisecond)
	})
	require.NoError(t, runLoop(t, l))
	assert.Equal(t, 3, fired)
	assert.False(t, tm.Active())
}

func TestTimer_ResetAndStop(t *testing.T) {
	l := New()
	stopped := l.Schedule(5*time.Millisecond, func() Action {
		t.Error("stopped timer fired")
		return Drop()
	})
	stopped.Stop()
	assert.False(t, stopped.Active())

	fired := false
	moved := l.Schedule(time.Hour, func() Action {
		fired = true
		l.Stop()
		return Drop()
	})
	moved.Reset(time.Millisecond)
	assert.True(t, moved.Active())

	require.NoError(t, runLoop(t, l))
	assert.True(t, fired)
}

func TestNewTimer_Disarmed(t *testing.T) {
	l := New()
	tm := l.NewTimer(func() Action { return Drop() })
	assert.False(t, tm.Active())
	tm.Reset(time.Second)
	assert.True(t, tm.Active())
	assert.WithinDuration(t, time.Now().Add(time.Second), tm.Deadline(), 100*time.Millisecond)
}

func TestPackets_Batched(t *testing.T) {
	l := New(WithBatch(3))
	src := make(chan Datagram, 10)
	for i := 0; i < 5; i++ {
		src <- Datagram{Data: []byte{byte(i)}}
	}
	var sizes []int
	total := 0
	l.OnPackets(src, func(batch []Datagram) error {
		sizes = append(sizes, len(batch))
		total += len(batch)
		if total == 5 {
			l.Stop()
		}
		return nil
	})
	require.NoError(t, runLoop(t, l))
	assert.Equal(t, []int{3, 2}, sizes)
}

func TestPackets_CallbackErrorEndsRun(t *testing.T) {
	l := New()
	src := make(chan Datagram, 1)
	src <- Datagram{}
	boom := errors.New("socket write failed")
	l.OnPackets(src, func([]Datagram) error { return boom })
	assert.ErrorIs(t, runLoop(t, l), boom)
}

func TestPackets_SourceClosed(t *testing.T) {
	l := New()
	src := make(chan Datagram)
	close(src)
	l.OnPackets(src, func([]Datagram) error { return nil })
	assert.ErrorIs(t, runLoop(t, l), ErrSourceClosed)
}

func TestWake(t *testing.T) {
	l := New()
	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	l.OnWake(wake, func() error {
		l.Stop()
		return nil
	})
	require.NoError(t, runLoop(t, l))
}

func TestFail(t *testing.T) {
	l := New()
	boom := errors.New("flush failed")
	l.Schedule(0, func() Action {
		l.Fail(boom)
		return Drop()
	})
	assert.ErrorIs(t, runLoop(t, l), boom)
}

func TestRun_ContextCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
}

func TestReadPackets(t *testing.T) {
	server, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	client, err := net.DialUDP("udp", nil, server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := ReadPackets(ctx, server, 1500)

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case d := <-ch:
		assert.Equal(t, []byte("ping"), d.Data)
		assert.Equal(t, client.LocalAddr().(*net.UDPAddr).AddrPort(), d.From)
		assert.Equal(t, server.LocalAddr().(*net.UDPAddr).AddrPort(), d.To)
	case <-time.After(5 * time.Second):
		t.Fatal("datagram not delivered")
	}

	require.NoError(t, server.Close())
	for range ch {
	}
}
