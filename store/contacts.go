package store

import (
	"database/sql"
	"errors"
	"regexp"
	"time"

	"github.com/evolab/labscheduler/core"
)

// Loose RFC-ish shape: something@something.tld. Real validation belongs
// to the mail server; this only catches typos.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

type contactRow struct {
	ContactID    string `db:"contact_id"`
	DisplayName  string `db:"display_name"`
	EmailAddress string `db:"email_address"`
	IsActive     int    `db:"is_active"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

func (r contactRow) toContact() *core.NotificationContact {
	parse := func(v string) time.Time {
		t, _ := core.ParseISOToLocal(v)
		return t
	}
	return &core.NotificationContact{
		ContactID:    r.ContactID,
		DisplayName:  r.DisplayName,
		EmailAddress: r.EmailAddress,
		IsActive:     r.IsActive != 0,
		CreatedAt:    parse(r.CreatedAt),
		UpdatedAt:    parse(r.UpdatedAt),
	}
}

// CreateContact inserts a notification contact.
func (s *Store) CreateContact(c *core.NotificationContact) error {
	if !emailPattern.MatchString(c.EmailAddress) {
		return core.ValidationError("email_address", "not a valid address: "+c.EmailAddress)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := core.EnsureLocalNaive(s.clock.Now()).Truncate(time.Second)
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO notification_contacts
		(contact_id, display_name, email_address, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ContactID, c.DisplayName, c.EmailAddress, boolToInt(c.IsActive),
		core.FormatLocal(c.CreatedAt), core.FormatLocal(c.UpdatedAt))
	if err != nil {
		return core.NewError("store.CreateContact", "transport", err)
	}
	return nil
}

// GetContact returns one contact or ErrContactNotFound.
func (s *Store) GetContact(id string) (*core.NotificationContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row contactRow
	err := s.db.Get(&row, `SELECT * FROM notification_contacts WHERE contact_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError("store.GetContact", "not_found", core.ErrContactNotFound)
	}
	if err != nil {
		return nil, core.NewError("store.GetContact", "transport", err)
	}
	return row.toContact(), nil
}

// ListContacts returns all contacts, active first, then by name.
func (s *Store) ListContacts() ([]*core.NotificationContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []contactRow
	err := s.db.Select(&rows, `SELECT * FROM notification_contacts ORDER BY is_active DESC, display_name ASC`)
	if err != nil {
		return nil, core.NewError("store.ListContacts", "transport", err)
	}

	out := make([]*core.NotificationContact, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toContact())
	}
	return out, nil
}

// UpdateContact writes the contact back with optimistic concurrency.
func (s *Store) UpdateContact(c *core.NotificationContact, expectedUpdatedAt time.Time) (*core.NotificationContact, error) {
	if !emailPattern.MatchString(c.EmailAddress) {
		return nil, core.ValidationError("email_address", "not a valid address: "+c.EmailAddress)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var row contactRow
	err := s.db.Get(&row, `SELECT * FROM notification_contacts WHERE contact_id = ?`, c.ContactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError("store.UpdateContact", "not_found", core.ErrContactNotFound)
	}
	if err != nil {
		return nil, core.NewError("store.UpdateContact", "transport", err)
	}

	current := row.toContact()
	if !expectedUpdatedAt.IsZero() && !withinTolerance(current.UpdatedAt, expectedUpdatedAt) {
		return nil, core.NewError("store.UpdateContact", "conflict", core.ErrUpdateConflict)
	}

	c.CreatedAt = current.CreatedAt
	c.UpdatedAt = s.nextUpdatedAt(current.UpdatedAt)

	_, err = s.db.Exec(`UPDATE notification_contacts SET
		display_name = ?, email_address = ?, is_active = ?, updated_at = ?
		WHERE contact_id = ?`,
		c.DisplayName, c.EmailAddress, boolToInt(c.IsActive),
		core.FormatLocal(c.UpdatedAt), c.ContactID)
	if err != nil {
		return nil, core.NewError("store.UpdateContact", "transport", err)
	}
	return c, nil
}

// DeleteContact removes a contact.
func (s *Store) DeleteContact(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM notification_contacts WHERE contact_id = ?`, id)
	if err != nil {
		return core.NewError("store.DeleteContact", "transport", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewError("store.DeleteContact", "not_found", core.ErrContactNotFound)
	}
	return nil
}
