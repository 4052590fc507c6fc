package storage

import (
	"context"
	"sync"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// Persister writes every session snapshot carried by the event stream to
// a store. Handle runs synchronously on the bus and only queues; a single
// worker does the writes. Nothing queued is ever dropped: a newer snapshot
// of the same session replaces the queued one, and a snapshot older than
// what is queued or saved is ignored.
type Persister struct {
	store domain.SessionStore
	log   *logger.Logger

	mu      sync.Mutex
	pending map[string]domain.Session
	order   []string
	taken   map[string]uint64 // highest version handed to the writer per session
	writing bool
	signal  chan struct{}
	idle    *sync.Cond
}

// NewPersister creates a persister writing to store.
func NewPersister(store domain.SessionStore, log *logger.Logger) *Persister {
	p := &Persister{
		store:   store,
		log:     log,
		pending: make(map[string]domain.Session),
		taken:   make(map[string]uint64),
		signal:  make(chan struct{}, 1),
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Handle queues the snapshot carried by e. It never blocks on the store,
// so it is safe as a synchronous bus handler. Supervisor reminders carry
// no state change and are skipped.
func (p *Persister) Handle(_ context.Context, e domain.Event) {
	switch e.Type {
	case domain.EventSessionReminder, domain.EventSessionAlmostDue:
		return
	}
	if e.Snapshot.ID == "" {
		return
	}
	snap := e.Snapshot

	p.mu.Lock()
	if p.staleLocked(snap) {
		p.mu.Unlock()
		p.log.Debug("persist: ignoring stale %s for session %s (version %d)", e.Type, snap.ID, snap.Version)
		return
	}
	if _, queued := p.pending[snap.ID]; !queued {
		p.order = append(p.order, snap.ID)
	}
	p.pending[snap.ID] = snap
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// staleLocked reports whether s is older than what is already queued or
// being written. Unversioned snapshots are always taken. Caller holds p.mu.
func (p *Persister) staleLocked(s domain.Session) bool {
	if s.Version == 0 {
		return false
	}
	if q, ok := p.pending[s.ID]; ok && s.Version <= q.Version {
		return true
	}
	return s.Version <= p.taken[s.ID]
}

// Pending returns how many sessions are waiting to be written.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Run writes queued snapshots until ctx is done.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := p.Pending(); n > 0 {
				p.log.Warn("persist: stopped with %d sessions unsaved", n)
			}
			return
		case <-p.signal:
			p.drain(ctx)
		}
	}
}

func (p *Persister) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.order) == 0 || ctx.Err() != nil {
			p.writing = false
			p.idle.Broadcast()
			p.mu.Unlock()
			return
		}
		id := p.order[0]
		p.order = p.order[1:]
		snap := p.pending[id]
		delete(p.pending, id)
		if snap.Version > p.taken[id] {
			p.taken[id] = snap.Version
		}
		p.writing = true
		p.mu.Unlock()

		if err := p.store.Save(ctx, &snap); err != nil {
			p.log.Error("persist: saving session %s (version %d): %v", id, snap.Version, err)
		}
	}
}

// Flush blocks until everything queued so far has been written, or ctx is done.
func (p *Persister) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.idle.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.order) > 0 || p.writing {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.idle.Wait()
	}
	return nil
}
