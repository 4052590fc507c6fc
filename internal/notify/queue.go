// Package notify delivers notifications to trusted contacts. The Queue sits
// between the engine and the real notifiers so that a slow or failing
// transport never blocks a state transition.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// Compile-time interface check.
var _ domain.Dispatcher = (*Queue)(nil)

// Priority orders queued deliveries. Higher value = delivered first.
type Priority int

const (
	PriorityLow    Priority = iota // location updates
	PriorityNormal                 // armed, invite, completion
	PriorityHigh                   // escalations
)

// PriorityOf returns the delivery priority for a notification kind.
func PriorityOf(k domain.NotificationKind) Priority {
	switch {
	case k.Urgent():
		return PriorityHigh
	case k == domain.NotifyLocationUpdate:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

type request struct {
	note     domain.Notification
	priority Priority
	queuedAt time.Time
}

// QueueOption configures the Queue.
type QueueOption func(*Queue)

// WithSignalBuffer sets the wake-up channel capacity.
func WithSignalBuffer(n int) QueueOption {
	return func(q *Queue) {
		q.signal = make(chan struct{}, n)
	}
}

// WithDeliveryTimeout bounds each call to the underlying notifier.
func WithDeliveryTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.timeout = d
	}
}

// Queue is the notification dispatcher. It serializes delivery through a
// single worker: escalations first, then everything else in arrival order.
// A newer location update for a session replaces any queued older one.
// Failures are logged and dropped; nothing is retried.
type Queue struct {
	notifier domain.Notifier
	log      *logger.Logger
	timeout  time.Duration

	mu         sync.Mutex
	queue      []request
	signal     chan struct{}
	delivering bool
	delivered  int
	failed     int
	idle       *sync.Cond
}

// NewQueue creates a dispatcher in front of notifier.
func NewQueue(notifier domain.Notifier, log *logger.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		notifier: notifier,
		log:      log,
		timeout:  10 * time.Second,
		signal:   make(chan struct{}, 32),
	}
	q.idle = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Dispatch queues n for delivery. Non-blocking.
func (q *Queue) Dispatch(ctx context.Context, n domain.Notification) {
	p := PriorityOf(n.Kind)

	q.mu.Lock()
	if n.Kind == domain.NotifyLocationUpdate {
		q.dropStaleLocked(n.SessionID)
	}
	q.queue = append(q.queue, request{note: n, priority: p, queuedAt: time.Now()})
	qLen := len(q.queue)
	q.mu.Unlock()

	q.log.Debug("notify: queued %s for session %s (priority=%d, queue_len=%d)", n.KindName, n.SessionID, p, qLen)

	select {
	case q.signal <- struct{}{}:
	default: // already signaled
	}
}

// dropStaleLocked removes queued location updates for sessionID.
// Must be called with q.mu held.
func (q *Queue) dropStaleLocked(sessionID string) {
	n := 0
	for _, r := range q.queue {
		if r.note.Kind == domain.NotifyLocationUpdate && r.note.SessionID == sessionID {
			continue
		}
		q.queue[n] = r
		n++
	}
	if dropped := len(q.queue) - n; dropped > 0 {
		q.log.Debug("notify: replaced %d stale location updates for %s", dropped, sessionID)
	}
	q.queue = q.queue[:n]
}

// Len returns the number of pending deliveries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Stats returns how many notifications were delivered and how many failed.
func (q *Queue) Stats() (delivered, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivered, q.failed
}

// Start begins the delivery goroutine. Non-blocking.
func (q *Queue) Start(ctx context.Context) {
	go q.loop(ctx)
	q.log.Info("notification queue started")
}

// Wait blocks until the queue is empty and nothing is being delivered, or
// ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.idle.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.queue) > 0 || q.delivering {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.idle.Wait()
	}
	return nil
}

func (q *Queue) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := q.Len(); n > 0 {
				q.log.Warn("notification queue stopped with %d undelivered", n)
			} else {
				q.log.Info("notification queue stopped")
			}
			return
		case <-q.signal:
			q.drain(ctx)
		}
	}
}

// drain delivers everything queued, highest priority first.
func (q *Queue) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		q.mu.Lock()
		req, ok := q.dequeueLocked()
		if !ok {
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		q.delivering = true
		q.mu.Unlock()

		ok = q.deliver(ctx, req)

		q.mu.Lock()
		q.delivering = false
		if ok {
			q.delivered++
		} else {
			q.failed++
		}
		q.mu.Unlock()
	}
}

// dequeueLocked removes and returns the oldest item of the highest priority.
func (q *Queue) dequeueLocked() (request, bool) {
	if len(q.queue) == 0 {
		return request{}, false
	}
	best := 0
	for i, r := range q.queue {
		if r.priority > q.queue[best].priority {
			best = i
		}
	}
	r := q.queue[best]
	q.queue = append(q.queue[:best], q.queue[best+1:]...)
	return r, true
}

func (q *Queue) deliver(ctx context.Context, req request) bool {
	n := req.note
	waited := time.Since(req.queuedAt).Round(time.Millisecond)

	dctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	res, err := q.notifier.Notify(dctx, n)
	if err != nil {
		q.log.Error("notify: %s for session %s failed after %s: %v", n.KindName, n.SessionID, waited, err)
		return false
	}
	for id, ferr := range res.Failed {
		q.log.Warn("notify: %s for session %s not delivered to contact %s: %v", n.KindName, n.SessionID, id, ferr)
	}
	q.log.Debug("notify: %s for session %s accepted by %d contacts (waited=%s)", n.KindName, n.SessionID, len(res.Accepted), waited)
	return res.OK()
}
