// Package offlinequeue implements the Proxy's OfflineQueue (spec §4.9):
// a bounded FIFO of serialized reply frames buffered while the tunnel
// socket is down. Grounded on the original's asyncio.Queue(maxsize=10)
// usage in _send_or_queue/_flush_queue (client/src/ws_client/proxy.py).
package offlinequeue

import "log/slog"

// Capacity is the queue's fixed bound (spec §4.9).
const Capacity = 10

// Queue is a non-blocking-enqueue, bounded FIFO of byte frames.
type Queue struct {
	ch chan []byte
}

// New creates an empty queue with the spec's fixed capacity.
func New() *Queue {
	return &Queue{ch: make(chan []byte, Capacity)}
}

// TryEnqueue attempts to add frame without blocking. On overflow it
// drops the frame and returns false; the caller records an error metric
// (spec §4.9: "payments degrade gracefully rather than pause arbitrarily").
func (q *Queue) TryEnqueue(frame []byte) bool {
	select {
	case q.ch <- frame:
		return true
	default:
		slog.Error("offline queue full, dropping message", "capacity", Capacity)
		return false
	}
}

// Len reports the current queue depth, for introspection endpoints.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Sender sends one frame over the live tunnel socket.
type Sender interface {
	Send(frame []byte) error
}

// Flush drains the queue via sender, stopping and re-enqueueing the
// failed frame at the head on the first send failure (spec §4.9: "send
// failures during flush re-enqueue at the head (best-effort) and abort
// the flush"). Called only from the MessagePump goroutine immediately
// after a successful reconnect.
func (q *Queue) Flush(sender Sender) {
	initial := len(q.ch)
	if initial == 0 {
		return
	}
	slog.Info("flushing offline queue", "count", initial)

	for {
		var frame []byte
		select {
		case frame = <-q.ch:
		default:
			return
		}

		if err := sender.Send(frame); err != nil {
			slog.Error("failed sending queued message, aborting flush", "error", err)
			q.reenqueueHead(frame)
			return
		}
		slog.Info("sent queued message", "remaining", len(q.ch))
	}
}

// reenqueueHead puts frame back at the front on a best-effort basis. A
// channel has no "push to front" primitive, so this drains the
// remaining entries, pushes frame first, then restores the rest; if the
// queue is already full (only possible if a concurrent TryEnqueue raced
// in), frame is dropped rather than blocking.
func (q *Queue) reenqueueHead(frame []byte) {
	var rest [][]byte
	for {
		select {
		case f := <-q.ch:
			rest = append(rest, f)
		default:
			goto drained
		}
	}
drained:
	if !q.TryEnqueue(frame) {
		return
	}
	for _, f := range rest {
		if !q.TryEnqueue(f) {
			slog.Error("dropped queued message re-enqueueing after flush abort")
		}
	}
}
