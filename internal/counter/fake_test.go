package counter

import (
	"errors"
	"testing"

	"github.com/sweeney/flow-sensor/internal/flow"
)

func TestFakeRead(t *testing.T) {
	f := NewFake(flow.Counters{1}, flow.Counters{2}, flow.Counters{3})

	for i, want := range []float64{1, 2, 3, 3} {
		c, err := f.Read(false)
		if err != nil {
			t.Fatalf("read %d: unexpected error: %v", i, err)
		}
		if c[0] != want {
			t.Errorf("read %d: got %v, want %v", i, c[0], want)
		}
	}
}

func TestFakeNoSamples(t *testing.T) {
	f := NewFake()

	if _, err := f.Read(false); err == nil {
		t.Error("expected error with no samples")
	}
}

func TestFakeError(t *testing.T) {
	f := NewFake(flow.Counters{1})
	f.ReadError = errors.New("simulated error")

	_, err := f.Read(false)
	if err == nil {
		t.Fatal("expected error to be returned")
	}
	if err.Error() != "simulated error" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeResetRewinds(t *testing.T) {
	f := NewFake(flow.Counters{1}, flow.Counters{2})
	f.Read(false)

	if err := f.Reset(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ := f.Read(false)
	if c[0] != 1 {
		t.Errorf("after reset: got %v, want 1", c[0])
	}
	if resets, reads := f.Counts(); resets != 1 || reads != 2 {
		t.Errorf("counts: got resets=%d reads=%d, want 1, 2", resets, reads)
	}
}

func TestFakeClose(t *testing.T) {
	f := NewFake(flow.Counters{})
	if f.Closed {
		t.Error("should not be closed initially")
	}
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}
}
