package models

import "time"

type LinkPrecedence string

const (
	LinkPrecedencePrimary   LinkPrecedence = "primary"
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

// Contact is one row of the identity graph. A primary carries a null
// LinkedID; a secondary's LinkedID points directly at its cluster's primary,
// never at another secondary.
type Contact struct {
	ID             int64          `json:"id" db:"id"`
	Email          *string        `json:"email,omitempty" db:"email"`
	PhoneNumber    *string        `json:"phone_number,omitempty" db:"phone_number"`
	LinkedID       *int64         `json:"linked_id,omitempty" db:"linked_id"`
	LinkPrecedence LinkPrecedence `json:"link_precedence" db:"link_precedence"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsPrimary returns true if this contact is its cluster's canonical record.
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

// ContactListResponse is the response for listing contacts
type ContactListResponse struct {
	Items      []Contact `json:"items"`
	TotalCount int       `json:"total_count"`
	Page       int       `json:"page"`
	PageSize   int       `json:"page_size"`
}
