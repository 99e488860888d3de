package models

import (
	"strings"
	"time"
)

// PaymentState is the payment status of a registered ticket.
// A participant starts pending and can only move to paid.
type PaymentState string

const (
	PaymentPending PaymentState = "pending"
	PaymentPaid    PaymentState = "paid"
)

// Participant represents a person registered under a single raffle ticket.
type Participant struct {
	Ticket       string       `json:"ticket"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	Phone        string       `json:"phone"`
	Address      string       `json:"address"`
	City         string       `json:"city"`
	Locality     string       `json:"locality"`
	RegisteredAt time.Time    `json:"registeredAt"`
	PaymentState PaymentState `json:"paymentState"`
	PaidAt       *time.Time   `json:"paidAt,omitempty"`

	// PaymentLinkID is the checkout link handed out at registration.
	PaymentLinkID string `json:"paymentLinkId,omitempty"`
	// PaymentReference is the provider payment id once the ticket is settled.
	PaymentReference string `json:"paymentReference,omitempty"`
	PaymentMethod    string `json:"paymentMethod,omitempty"`
}

// IsPaid reports whether the participant's payment has been confirmed.
func (p Participant) IsPaid() bool {
	return p.PaymentState == PaymentPaid
}

// RecordKey is the stable storage identifier of a participant, built from
// the name and the ticket.
func (p Participant) RecordKey() string {
	return strings.ReplaceAll(strings.TrimSpace(p.Name), " ", "_") + "_" + p.Ticket
}

// DrawOutcome stores the result of one settlement run. Winners are copies of
// the participants taken at settlement time.
type DrawOutcome struct {
	Date           string        `json:"date"`
	OfficialNumber string        `json:"officialNumber,omitempty"`
	PrizeLabel     string        `json:"prizeLabel"`
	Winners        []Participant `json:"winners"`
}

// Templates holds the message bodies used for winner notifications.
type Templates struct {
	Email     string `json:"email,omitempty"`
	Messaging string `json:"messaging,omitempty"`
}

// Snapshot is a full point-in-time copy of the persisted raffle state. It is
// the payload of both backups and full-state exports.
type Snapshot struct {
	ID           string        `json:"id,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	RaffleName   string        `json:"raffleName,omitempty"`
	Participants []Participant `json:"participants"`
	Prizes       []string      `json:"prizes"`
	History      []DrawOutcome `json:"history"`
	Templates    *Templates    `json:"templates,omitempty"`
}
