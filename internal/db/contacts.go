package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hammamikhairi/safemate/internal/domain"
)

// Compile-time interface check.
var _ domain.ContactDirectory = (*Store)(nil)

// UpsertContact adds or replaces a trusted contact.
func (s *Store) UpsertContact(ctx context.Context, c domain.TrustedContact) error {
	if c.ID == "" {
		return fmt.Errorf("contact id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO contacts(contact_id, display_name, address, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(contact_id) DO UPDATE SET
	display_name=excluded.display_name,
	address=excluded.address,
	updated_at=excluded.updated_at`,
		c.ID, c.DisplayName, c.Address, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.ID, err)
	}
	return nil
}

// SeedContacts inserts contacts only when the table is empty.
func (s *Store) SeedContacts(ctx context.Context, contacts []domain.TrustedContact) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	for _, c := range contacts {
		if err := s.UpsertContact(ctx, c); err != nil {
			return 0, err
		}
	}
	s.log.Info("seeded %d trusted contacts", len(contacts))
	return len(contacts), nil
}

// Lookup returns a contact by ID.
func (s *Store) Lookup(ctx context.Context, id string) (domain.TrustedContact, error) {
	var c domain.TrustedContact
	err := s.db.QueryRowContext(ctx,
		`SELECT contact_id, display_name, address FROM contacts WHERE contact_id = ?`, id).
		Scan(&c.ID, &c.DisplayName, &c.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TrustedContact{}, fmt.Errorf("%w: contact %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.TrustedContact{}, fmt.Errorf("lookup contact %s: %w", id, err)
	}
	return c, nil
}

// List returns every contact ordered by ID.
func (s *Store) List(ctx context.Context) ([]domain.TrustedContact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT contact_id, display_name, address FROM contacts ORDER BY contact_id`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.TrustedContact
	for rows.Next() {
		var c domain.TrustedContact
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.Address); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
