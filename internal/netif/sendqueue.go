package netif

import (
	"sync"

	"github.com/eapache/queue"
)

// sendQueue buffers serialized outbound frames between Enqueue calls and
// the periodic flush. The ring-backed queue amortizes growth without
// repeated reallocation under the bursty producer/single-consumer
// pattern here.
type sendQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newSendQueue() *sendQueue {
	return &sendQueue{q: queue.New()}
}

func (s *sendQueue) push(frame []byte) {
	s.mu.Lock()
	s.q.Add(frame)
	s.mu.Unlock()
}

// drain removes and returns every currently queued frame, in FIFO order.
func (s *sendQueue) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.q.Length()
	if n == 0 {
		return nil
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.q.Remove().([]byte))
	}
	return out
}
