// Package outbox buffers outgoing user turns while the connection is down
// and replays them in order once it is usable again.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/deskmate/internal/types"
)

// Sender is the transport the queue writes through.
type Sender interface {
	Send(ctx context.Context, data []byte) error
	State() types.ConnectionState
}

// Encoder turns a queued turn into its wire frame.
type Encoder func(*types.QueuedMessage) ([]byte, error)

// Queue is a FIFO of user turns awaiting delivery. Writes happen one at a
// time: an immediate send and a flush never overlap.
type Queue struct {
	sender  Sender
	encode  Encoder
	writing *semaphore.Weighted
	onSent  func(*types.QueuedMessage)

	mu    sync.Mutex
	items []*types.QueuedMessage
	// inflight is the flushed item whose write has not returned yet. It
	// is no longer in items, so an ack cannot discard it twice.
	inflight *types.QueuedMessage
	acked    bool
}

// New creates an empty queue writing through sender.
func New(sender Sender, encode Encoder) *Queue {
	return &Queue{
		sender:  sender,
		encode:  encode,
		writing: semaphore.NewWeighted(1),
	}
}

// SetOnSent sets the function invoked after each flushed item is written,
// in order. Immediate sends report through Enqueue's result instead.
func (q *Queue) SetOnSent(fn func(*types.QueuedMessage)) {
	q.onSent = fn
}

// Enqueue sends msg right away when the connection is usable and nothing
// older is waiting; otherwise it queues msg. A failed immediate send also
// queues. It reports whether msg was written.
func (q *Queue) Enqueue(ctx context.Context, msg *types.QueuedMessage) (bool, error) {
	data, err := q.encode(msg)
	if err != nil {
		return false, fmt.Errorf("encode turn %s: %w", msg.ClientID, err)
	}

	q.mu.Lock()
	if len(q.items) > 0 || q.inflight != nil || !q.sender.State().Usable() || !q.writing.TryAcquire(1) {
		q.items = append(q.items, msg)
		n := len(q.items)
		q.mu.Unlock()
		slog.Debug("turn queued", "client_id", string(msg.ClientID), "queued", n)
		return false, nil
	}
	q.mu.Unlock()
	defer q.writing.Release(1)

	if err := q.sender.Send(ctx, data); err != nil {
		q.mu.Lock()
		q.items = append(q.items, msg)
		q.mu.Unlock()
		slog.Warn("send failed, turn queued", "client_id", string(msg.ClientID), "error", err)
		return false, nil
	}
	return true, nil
}

// Flush writes queued items strictly in order, each awaiting its send
// result. It stops at the first failure, leaving that item and everything
// behind it queued. It returns how many items were written.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	if err := q.writing.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer q.writing.Release(1)

	sent := 0
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return sent, nil
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.inflight, q.acked = item, false
		q.mu.Unlock()

		data, err := q.encode(item)
		if err != nil {
			slog.Error("dropping unencodable turn", "client_id", string(item.ClientID), "error", err)
			q.settle(item, false)
			continue
		}
		if err := q.sender.Send(ctx, data); err != nil {
			q.settle(item, true)
			return sent, fmt.Errorf("flush %s: %w", item.ClientID, err)
		}
		q.settle(item, false)
		sent++
		slog.Debug("queued turn sent", "client_id", string(item.ClientID))
		if q.onSent != nil {
			q.onSent(item)
		}
	}
}

// settle clears the in-flight slot. A failed item goes back to the head
// unless the backend already acknowledged it.
func (q *Queue) settle(item *types.QueuedMessage, failed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if failed && !q.acked {
		q.items = append([]*types.QueuedMessage{item}, q.items...)
	}
	q.inflight, q.acked = nil, false
}

// Ack reports the turn the backend acknowledged if the queue still holds
// it, either waiting or mid-write. A waiting copy is discarded so it is
// never resent; a turn being written is not requeued if its write fails.
func (q *Queue) Ack(clientID types.ClientID) (types.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight != nil && q.inflight.ClientID == clientID {
		q.acked = true
		return *q.inflight, true
	}
	for i, item := range q.items {
		if item.ClientID == clientID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			slog.Info("dropped queued turn already acknowledged", "client_id", string(clientID))
			return *item, true
		}
	}
	return types.QueuedMessage{}, false
}

// Remove cancels a queued turn at the user's request.
func (q *Queue) Remove(clientID types.ClientID) bool {
	return q.remove(clientID)
}

func (q *Queue) remove(clientID types.ClientID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ClientID == clientID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of undelivered turns, counting one mid-write.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.inflight != nil {
		n++
	}
	return n
}

// Items returns the undelivered turns in send order.
func (q *Queue) Items() []types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.QueuedMessage, 0, len(q.items)+1)
	if q.inflight != nil {
		out = append(out, *q.inflight)
	}
	for _, item := range q.items {
		out = append(out, *item)
	}
	return out
}
