package notify

import (
	"context"
	"errors"

	"github.com/hammamikhairi/safemate/internal/domain"
)

// Compile-time interface check.
var _ domain.Notifier = (*Fanout)(nil)

// Fanout hands each notification to several notifiers in order. A contact
// counts as accepted if any notifier accepted it.
type Fanout struct {
	notifiers []domain.Notifier
}

// NewFanout creates a notifier that delivers through every given notifier.
func NewFanout(notifiers ...domain.Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

// Notify delivers n through every notifier and merges the results.
func (f *Fanout) Notify(ctx context.Context, n domain.Notification) (domain.DeliveryResult, error) {
	accepted := make(map[string]bool)
	failed := make(map[string]error)
	var errs []error

	for _, notifier := range f.notifiers {
		res, err := notifier.Notify(ctx, n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, id := range res.Accepted {
			accepted[id] = true
		}
		for id, ferr := range res.Failed {
			failed[id] = errors.Join(failed[id], ferr)
		}
	}

	var out domain.DeliveryResult
	for _, id := range n.ContactIDs {
		switch {
		case accepted[id]:
			out.Accepted = append(out.Accepted, id)
		case failed[id] != nil:
			out.Fail(id, failed[id])
		}
	}
	if len(out.Accepted) == 0 && len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}
