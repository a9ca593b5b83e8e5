package block

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestNewGenerator_Empty(t *testing.T) {
	if _, err := NewGenerator(nil); !errors.Is(err, ErrConfigEmpty) {
		t.Fatalf("expected ErrConfigEmpty, got %v", err)
	}
}

func TestNewGenerator_RejectsInvalidDescriptor(t *testing.T) {
	for _, c := range []Config{
		{BlockSize: 1, Priority: 1 << 62},
		{BlockSize: 1, Deadline: 1 << 62},
		{BlockSize: 1, SendTimeGap: math.NaN()},
		{BlockSize: 1, SendTimeGap: math.Inf(1)},
		{BlockSize: 1, SendTimeGap: -1},
	} {
		if _, err := NewGenerator([]Config{{BlockSize: 1}, c}); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%+v: expected ErrInvalidConfig, got %v", c, err)
		}
	}
}

func TestGenerateOnce_ZeroGapBatching(t *testing.T) {
	cfgs := []Config{
		{BlockSize: 10, Priority: 1, Deadline: 100, SendTimeGap: 0},
		{BlockSize: 20, Priority: 2, Deadline: 200, SendTimeGap: 0},
		{BlockSize: 30, Priority: 3, Deadline: 300, SendTimeGap: 1.0},
	}
	g, err := NewGenerator(cfgs)
	if err != nil {
		t.Fatal(err)
	}
	q := NewQueue(nil)

	d, ok := g.GenerateOnce(q)
	if !ok || d != time.Second {
		t.Fatalf("first call: got (%v, %v), want (1s, true)", d, ok)
	}
	if q.Len() != 2 {
		t.Fatalf("first call produced %d blocks, want 2", q.Len())
	}

	d, ok = g.GenerateOnce(q)
	if ok {
		t.Fatalf("second call: got (%v, true), want done", d)
	}
	if q.Len() != 3 {
		t.Fatalf("queue holds %d blocks, want 3", q.Len())
	}

	for i := uint64(0); i < 3; i++ {
		b := q.PopFront()
		if b.Info.ID != i {
			t.Errorf("block %d has id %d", i, b.Info.ID)
		}
		cfg := cfgs[i]
		if b.Info.Size != cfg.BlockSize || uint64(len(b.Data)) != cfg.BlockSize {
			t.Errorf("block %d size mismatch", i)
		}
		if b.Info.Priority != cfg.Priority || b.Info.Deadline != cfg.Deadline {
			t.Errorf("block %d: priority/deadline %d/%d, want %d/%d",
				i, b.Info.Priority, b.Info.Deadline, cfg.Priority, cfg.Deadline)
		}
	}
}

func TestGenerateOnce_TerminatesWithEveryID(t *testing.T) {
	cfgs := make([]Config, 25)
	for i := range cfgs {
		cfgs[i] = Config{BlockSize: uint64(i), SendTimeGap: float64(i%3) * 0.01}
	}
	g, _ := NewGenerator(cfgs)
	q := NewQueue(nil)

	calls := 0
	for {
		calls++
		if calls > len(cfgs) {
			t.Fatal("generator did not terminate")
		}
		if _, ok := g.GenerateOnce(q); !ok {
			break
		}
	}
	if !g.Done() {
		t.Fatal("generator not done after returning false")
	}
	if q.Len() != len(cfgs) {
		t.Fatalf("got %d blocks, want %d", q.Len(), len(cfgs))
	}
	for i := range cfgs {
		if id := q.PopFront().Info.ID; id != uint64(i) {
			t.Fatalf("position %d holds id %d", i, id)
		}
	}
	if _, ok := g.GenerateOnce(q); ok || q.Len() != 0 {
		t.Fatal("exhausted generator produced more blocks")
	}
}

func TestGenerateOnce_TinyGapIsImmediate(t *testing.T) {
	g, _ := NewGenerator([]Config{{BlockSize: 1}, {BlockSize: 1, SendTimeGap: 0.0000005}, {BlockSize: 1, SendTimeGap: 0.5}})
	q := NewQueue(nil)
	d, ok := g.GenerateOnce(q)
	if !ok || d != 500*time.Millisecond || q.Len() != 2 {
		t.Fatalf("got (%v, %v) with %d blocks", d, ok, q.Len())
	}
}

func TestFirstTimeGap(t *testing.T) {
	g, _ := NewGenerator([]Config{{SendTimeGap: 0.25}})
	d, ok := g.FirstTimeGap()
	if !ok || d != 250*time.Millisecond {
		t.Fatalf("got (%v, %v)", d, ok)
	}
	var empty Generator
	if _, ok := empty.FirstTimeGap(); ok {
		t.Fatal("empty generator reported a first gap")
	}
}

func TestGenerator_PayloadsAreDistinct(t *testing.T) {
	g, _ := NewGenerator([]Config{{BlockSize: 64}, {BlockSize: 64}})
	q := NewQueue(nil)
	g.GenerateOnce(q)
	a, b := q.PopFront(), q.PopFront()
	if string(a.Data) == string(b.Data) {
		t.Fatal("two blocks share the same payload bytes")
	}
}
