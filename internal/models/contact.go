package models

import (
	"time"

	"github.com/google/uuid"
)

// Opt-in status filter values used by segment filters and raw criteria.
const (
	OptInStatusOptedIn  = "opted_in"
	OptInStatusOptedOut = "opted_out"
)

// Contact represents a recipient that can receive messages.
type Contact struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Name     string    `json:"name"`
	// PhoneE164 is the channel address in E.164 format, unique per tenant.
	PhoneE164 string `json:"phone_e164"`
	Email     string `json:"email,omitempty"`

	Attributes map[string]string `json:"attributes,omitempty"`
	Tags       []string          `json:"tags,omitempty"`

	OptInAt      *time.Time `json:"opt_in_at,omitempty"`
	OptOutAt     *time.Time `json:"opt_out_at,omitempty"`
	OptOutReason string     `json:"opt_out_reason,omitempty"`

	IsActive        bool       `json:"is_active"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContactFilter is the stored shape of a segment filter and of a campaign's
// raw targeting criteria: tag intersection, attribute equality and opt-in
// status. An empty filter matches every active contact of the tenant.
type ContactFilter struct {
	Tags        []string          `json:"tags,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OptInStatus string            `json:"opt_in_status,omitempty"`
}

// IsEmpty reports whether the filter has no conditions.
func (f *ContactFilter) IsEmpty() bool {
	if f == nil {
		return true
	}
	return len(f.Tags) == 0 && len(f.Attributes) == 0 && f.OptInStatus == ""
}

// Validate checks the filter shape.
func (f *ContactFilter) Validate() error {
	if f == nil {
		return nil
	}
	switch f.OptInStatus {
	case "", OptInStatusOptedIn, OptInStatusOptedOut:
		return nil
	default:
		return ErrInvalidInput("opt_in_status must be 'opted_in' or 'opted_out'")
	}
}

// ContactListFilter holds filtering options for listing contacts.
type ContactListFilter struct {
	TenantID uuid.UUID
	Phone    string
	Tag      string
	Page     int
	PageSize int
}

// Validate performs basic validation on contact data
func (c *Contact) Validate() error {
	if c.PhoneE164 == "" {
		return ErrInvalidInput("phone_e164 is required")
	}
	if c.Name == "" {
		return ErrInvalidInput("name is required")
	}
	return nil
}

// IsOptedIn reports whether the contact has opted in and not since opted out.
func (c *Contact) IsOptedIn() bool {
	return c.OptInAt != nil && c.OptOutAt == nil
}

// Eligible reports whether the contact may receive a send on the given
// channel. A contact is eligible only if active and not opted out;
// requireOptIn additionally demands an explicit opt-in (the per-channel
// policy, enforced for WhatsApp by default).
func (c *Contact) Eligible(requireOptIn bool) bool {
	if !c.IsActive || c.OptOutAt != nil {
		return false
	}
	if requireOptIn && c.OptInAt == nil {
		return false
	}
	return true
}

// Matches reports whether the contact satisfies the filter: every filter tag
// must be present on the contact, every attribute must match exactly, and
// the opt-in status must agree.
func (c *Contact) Matches(f *ContactFilter) bool {
	if f == nil {
		return true
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range c.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for key, want := range f.Attributes {
		if c.Attributes[key] != want {
			return false
		}
	}
	switch f.OptInStatus {
	case OptInStatusOptedIn:
		return c.IsOptedIn()
	case OptInStatusOptedOut:
		return c.OptOutAt != nil
	}
	return true
}
