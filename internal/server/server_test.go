package server_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shelfslot/aoetgtd/internal/server"
)

func TestRunInvokesTickersPeriodically(t *testing.T) {
	l := server.New(nil)
	var count int64
	l.AddTick(func() { atomic.AddInt64(&count, 1) })

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	l.Run(ctx, 10*time.Millisecond)

	if atomic.LoadInt64(&count) < 3 {
		t.Fatalf("expected tickers to run several times, got %d", count)
	}
}

func TestReloadInvokesReloadFnAtTopOfLoop(t *testing.T) {
	var calls int64
	l := server.New(func() error {
		atomic.AddInt64(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Reload()
	}()
	l.Run(ctx, 10*time.Millisecond)

	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("got %d reload calls, want 1", calls)
	}
}

func TestSubmitDispatchesToFrameHandler(t *testing.T) {
	l := server.New(nil)
	received := make(chan server.InboundFrame, 1)
	l.SetFrameHandler(func(f server.InboundFrame) { received <- f })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go l.Run(ctx, 10*time.Millisecond)

	if !l.Submit(server.InboundFrame{NetifName: "eth0"}) {
		t.Fatal("expected Submit to succeed on an undersaturated queue")
	}
	select {
	case f := <-received:
		if f.NetifName != "eth0" {
			t.Fatalf("got netif %q, want eth0", f.NetifName)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame handler invocation")
	}
}

func TestStopEndsRunPromptly(t *testing.T) {
	l := server.New(nil)
	done := make(chan struct{})
	go func() {
		l.Run(context.Background(), 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	l.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
