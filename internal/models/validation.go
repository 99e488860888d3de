package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// TicketDigits is the fixed width of a raffle ticket.
const TicketDigits = 5

var (
	ErrInvalidTicket   = errors.New("ticket must be a 5 digit number")
	ErrDuplicateTicket = errors.New("ticket already taken")
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrInvalidPhone    = errors.New("invalid phone number")
	ErrMissingName     = errors.New("name is required")
)

var (
	ticketPattern = regexp.MustCompile(`^\d{5}$`)
	nonDigits     = regexp.MustCompile(`\D`)
	validate      = validator.New()
)

// ValidationError reports which field of a participant was rejected.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NormalizeTicket left pads a ticket of one to five digits with zeros.
// Separators are dropped first, so "12-3" becomes "00123". Anything else is
// returned unchanged and will fail ValidTicket.
func NormalizeTicket(raw string) string {
	clean := nonDigits.ReplaceAllString(raw, "")
	if len(clean) >= 1 && len(clean) <= TicketDigits {
		return strings.Repeat("0", TicketDigits-len(clean)) + clean
	}
	return raw
}

// ValidTicket reports whether t is exactly five ASCII digits.
func ValidTicket(t string) bool {
	return ticketPattern.MatchString(t)
}

// ValidEmail reports whether s is a syntactically valid email address.
func ValidEmail(s string) bool {
	return validate.Var(s, "required,email") == nil
}

// ValidPhone accepts international numbers with 7 to 15 digits once
// formatting characters are removed.
func ValidPhone(s string) bool {
	digits := nonDigits.ReplaceAllString(s, "")
	return len(digits) >= 7 && len(digits) <= 15
}

// NormalizePhone rewrites a phone number as "+" followed by its digits.
func NormalizePhone(s string) string {
	digits := nonDigits.ReplaceAllString(s, "")
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// CollapseSpaces trims s and folds inner whitespace runs into single spaces.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Normalize cleans the free-text fields and the ticket of p in place and
// validates the result. Email and phone are optional but must be well formed
// when present.
func (p *Participant) Normalize() error {
	p.Name = CollapseSpaces(p.Name)
	p.Ticket = NormalizeTicket(strings.TrimSpace(p.Ticket))
	p.Email = strings.TrimSpace(p.Email)
	p.Address = strings.TrimSpace(p.Address)
	p.City = strings.TrimSpace(p.City)
	p.Locality = strings.TrimSpace(p.Locality)

	if p.Name == "" {
		return &ValidationError{Field: "name", Err: ErrMissingName}
	}
	if !ValidTicket(p.Ticket) {
		return &ValidationError{Field: "ticket", Err: ErrInvalidTicket}
	}
	if p.Email != "" && !ValidEmail(p.Email) {
		return &ValidationError{Field: "email", Err: ErrInvalidEmail}
	}
	if strings.TrimSpace(p.Phone) != "" {
		if !ValidPhone(p.Phone) {
			return &ValidationError{Field: "phone", Err: ErrInvalidPhone}
		}
		p.Phone = NormalizePhone(p.Phone)
	}
	return nil
}
