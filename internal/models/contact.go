package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bitespeed/internal/domainerrors"
)

// LinkPrecedence marks a contact as the canonical record of its group or as a linked one.
type LinkPrecedence string

const (
	PrecedencePrimary   LinkPrecedence = "primary"
	PrecedenceSecondary LinkPrecedence = "secondary"
)

// Contact represents a customer contact in the database
type Contact struct {
	ID             int64          `json:"id"`
	PhoneNumber    *string        `json:"phoneNumber,omitempty"`
	Email          *string        `json:"email,omitempty"`
	LinkedID       *int64         `json:"linkedId,omitempty"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == PrecedencePrimary
}

// Before orders contacts by creation time, falling back to id on equal timestamps.
func (c *Contact) Before(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// HasPair reports whether the contact carries exactly this email/phone combination.
func (c *Contact) HasPair(email, phoneNumber *string) bool {
	return equalPtr(c.Email, email) && equalPtr(c.PhoneNumber, phoneNumber)
}

// ContactUpdate carries the only mutable contact fields. Nil fields are left unchanged.
type ContactUpdate struct {
	LinkedID       *int64
	LinkPrecedence *LinkPrecedence
}

// IdentifyRequest represents the incoming request body
type IdentifyRequest struct {
	Email       *string `json:"email"`
	PhoneNumber *string `json:"phoneNumber"`
}

// UnmarshalJSON accepts phoneNumber (and email) as either a JSON string or a
// JSON number, since clients commonly send phone numbers unquoted.
func (r *IdentifyRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Email       json.RawMessage `json:"email"`
		PhoneNumber json.RawMessage `json:"phoneNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	email, err := decodeScalar(raw.Email)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	phone, err := decodeScalar(raw.PhoneNumber)
	if err != nil {
		return fmt.Errorf("phoneNumber: %w", err)
	}
	r.Email = email
	r.PhoneNumber = phone
	return nil
}

// Normalize trims both identifiers and treats blank values as absent.
func (r *IdentifyRequest) Normalize() {
	r.Email = trimToNil(r.Email)
	r.PhoneNumber = trimToNil(r.PhoneNumber)
}

// Validate rejects requests carrying neither identifier.
func (r *IdentifyRequest) Validate() error {
	if r.Email == nil && r.PhoneNumber == nil {
		return domainerrors.New(domainerrors.CodeValidation, "either email or phoneNumber must be provided")
	}
	return nil
}

// ContactResponse represents the contact data in the response
type ContactResponse struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse represents the response body
type IdentifyResponse struct {
	Contact ContactResponse `json:"contact"`
}

func decodeScalar(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		s := n.String()
		return &s, nil
	default:
		return nil, fmt.Errorf("expected string or number")
	}
}

func trimToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
