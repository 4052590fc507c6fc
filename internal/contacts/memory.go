// Package contacts provides trusted contact directory implementations.
package contacts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// Compile-time interface check.
var _ domain.ContactDirectory = (*MemoryDirectory)(nil)

// MemoryDirectory holds contacts in memory. Safe for concurrent use.
type MemoryDirectory struct {
	mu       sync.RWMutex
	contacts map[string]domain.TrustedContact
	log      *logger.Logger
}

// NewMemoryDirectory creates a directory holding the given contacts. With no
// contacts it is preloaded with the built-in demo set.
func NewMemoryDirectory(log *logger.Logger, seed ...domain.TrustedContact) *MemoryDirectory {
	d := &MemoryDirectory{
		contacts: make(map[string]domain.TrustedContact),
		log:      log,
	}
	if len(seed) == 0 {
		seed = Defaults()
	}
	for _, c := range seed {
		d.contacts[c.ID] = c
	}
	return d
}

// Lookup returns a contact by ID.
func (d *MemoryDirectory) Lookup(ctx context.Context, id string) (domain.TrustedContact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.contacts[id]
	if !ok {
		d.log.Debug("contact not found: %s", id)
		return domain.TrustedContact{}, fmt.Errorf("%w: contact %s", domain.ErrNotFound, id)
	}
	return c, nil
}

// List returns every contact ordered by ID.
func (d *MemoryDirectory) List(ctx context.Context) ([]domain.TrustedContact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.TrustedContact, 0, len(d.contacts))
	for _, c := range d.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put adds or replaces a contact.
func (d *MemoryDirectory) Put(ctx context.Context, c domain.TrustedContact) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("contact id is empty")
	}
	d.mu.Lock()
	d.contacts[c.ID] = c
	d.mu.Unlock()
	d.log.Debug("stored contact %s (%s)", c.ID, c.DisplayName)
	return nil
}

// Defaults returns the demo contact set.
func Defaults() []domain.TrustedContact {
	return []domain.TrustedContact{
		{ID: "1", DisplayName: "Amina Benali", Address: "06 12 34 56 78"},
		{ID: "2", DisplayName: "Keiko Tanaka", Address: "06 23 45 67 89"},
		{ID: "3", DisplayName: "Fatou Diallo", Address: "06 34 56 78 90"},
		{ID: "4", DisplayName: "Elena Rodriguez", Address: "06 45 67 89 01"},
	}
}
