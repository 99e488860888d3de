package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"raffle/internal/models"
	"raffle/internal/observability"
	"raffle/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *store.Store, p models.Participant) models.Participant {
	t.Helper()
	got, err := s.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("create %s: %v", p.Ticket, err)
	}
	return got
}

func mustMarkPaid(t *testing.T, s *store.Store, ticket string) {
	t.Helper()
	_, err := s.UpdateByTicket(context.Background(), ticket, func(p *models.Participant) error {
		now := time.Now()
		p.PaymentState = models.PaymentPaid
		p.PaidAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("mark %s paid: %v", ticket, err)
	}
}

// fakeLinker hands out deterministic links and records every request.
type fakeLinker struct {
	mu      sync.Mutex
	tickets []string
}

func (f *fakeLinker) CreatePaymentRequest(_ context.Context, ticket, _, _ string, _ decimal.Decimal) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets = append(f.tickets, ticket)
	return "https://pay.example/" + ticket
}

func (f *fakeLinker) FallbackURL() string { return "https://pay.example/generic" }

func (f *fakeLinker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickets)
}

type sentMessage struct {
	to, subject, body string
}

// fakeChannel records deliveries and can be told to fail for some recipients.
type fakeChannel struct {
	name       string
	configured bool
	recipient  func(models.Participant) string
	failFor    map[string]bool

	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeChannel) Name() string     { return f.name }
func (f *fakeChannel) Configured() bool { return f.configured }

func (f *fakeChannel) Recipient(p models.Participant) string { return f.recipient(p) }

func (f *fakeChannel) Send(_ context.Context, to, subject, body string) error {
	if f.failFor[to] {
		return errors.New("delivery refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to: to, subject: subject, body: body})
	return nil
}

func (f *fakeChannel) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func emailFake(configured bool) *fakeChannel {
	return &fakeChannel{
		name:       ChannelEmail,
		configured: configured,
		recipient:  func(p models.Participant) string { return p.Email },
	}
}

func whatsAppFake(configured bool) *fakeChannel {
	return &fakeChannel{
		name:       ChannelWhatsApp,
		configured: configured,
		recipient:  func(p models.Participant) string { return p.Phone },
	}
}

func testMetrics() *observability.Metrics {
	return observability.Discard()
}
