package netif

import (
	"bytes"
	"testing"
)

func TestSendQueueFIFOOrder(t *testing.T) {
	q := newSendQueue()
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c"))
	got := q.drain()
	want := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSendQueueDrainEmpty(t *testing.T) {
	q := newSendQueue()
	if got := q.drain(); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestSendQueueDrainIsDestructive(t *testing.T) {
	q := newSendQueue()
	q.push([]byte("x"))
	q.drain()
	if got := q.drain(); len(got) != 0 {
		t.Fatalf("expected second drain to be empty, got %d frames", len(got))
	}
}
