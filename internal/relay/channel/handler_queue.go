package channel

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

type inboundFrame struct {
	data json.RawMessage
	ack  AckFunc
}

// handlerQueue serializes frames of one event name onto a dedicated task:
// same-name frames run in arrival order, different names never block each
// other, and a slow handler never blocks the connection's read loop.
// The worker goroutine is started on demand and exits when drained.
type handlerQueue struct {
	event string
	fn    Handler
	log   *zap.Logger

	mu      sync.Mutex
	buf     []inboundFrame
	running bool
}

func (q *handlerQueue) push(m inboundFrame) {
	q.mu.Lock()
	q.buf = append(q.buf, m)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *handlerQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		m := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		q.call(m)
	}
}

// call runs the handler with a panic boundary: one bad frame must never
// take down the channel.
func (q *handlerQueue) call(m inboundFrame) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("inbound handler panicked",
				zap.String("event", q.event), zap.Any("panic", r))
		}
	}()
	q.fn(m.data, m.ack)
}
