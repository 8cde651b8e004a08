package models

// IdentifyRequest carries the identifiers for one resolution request. At
// least one of the two fields must be present after trimming; field names
// follow the public API contract rather than the internal snake_case style.
type IdentifyRequest struct {
	Email       *string `json:"email" validate:"omitempty,email"`
	PhoneNumber *string `json:"phoneNumber" validate:"omitempty,numeric,max=20"`
}

// HasEmail returns true when a non-empty email was supplied.
func (r *IdentifyRequest) HasEmail() bool {
	return r.Email != nil && *r.Email != ""
}

// HasPhoneNumber returns true when a non-empty phone number was supplied.
func (r *IdentifyRequest) HasPhoneNumber() bool {
	return r.PhoneNumber != nil && *r.PhoneNumber != ""
}

// ConsolidatedContact is the flattened view of one identity cluster.
// Emails and PhoneNumbers lead with the primary's own values followed by
// secondary values in ascending id order, de-duplicated while preserving
// order; SecondaryContactIDs is sorted ascending and never contains the
// primary id.
type ConsolidatedContact struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse wraps the consolidated view for the HTTP layer.
type IdentifyResponse struct {
	Contact ConsolidatedContact `json:"contact"`
}
