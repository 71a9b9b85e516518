package bufpool_test

import (
	"testing"

	"github.com/shelfslot/aoetgtd/internal/bufpool"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := bufpool.New(2048, 4)
	b, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if p.InUse() != 1 {
		t.Fatalf("got InUse %d, want 1", p.InUse())
	}
	b.Release()
	if p.InUse() != 0 {
		t.Fatalf("got InUse %d after release, want 0", p.InUse())
	}
}

func TestAcquireExhausted(t *testing.T) {
	p := bufpool.New(64, 2)
	b1, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	b2, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if _, err := p.Acquire(); err != bufpool.ErrExhausted {
		t.Fatalf("got err %v, want ErrExhausted", err)
	}
	b1.Release()
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("expected acquire to succeed after release, got %v", err)
	}
	b2.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := bufpool.New(64, 1)
	b, _ := p.Acquire()
	b.Release()
	b.Release() // must not panic or double-decrement
	if p.InUse() != 0 {
		t.Fatalf("got InUse %d, want 0", p.InUse())
	}
}

func TestHighWaterMark(t *testing.T) {
	p := bufpool.New(64, 4)
	b1, _ := p.Acquire()
	b2, _ := p.Acquire()
	if p.HighWater() != 2 {
		t.Fatalf("got high water %d, want 2", p.HighWater())
	}
	b1.Release()
	b2.Release()
	if p.HighWater() != 2 {
		t.Fatalf("high water should not decrease, got %d", p.HighWater())
	}
}
