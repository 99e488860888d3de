package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/logger"
	"github.com/shopspring/decimal"

	"raffle/internal/models"
	"raffle/internal/observability"
	"raffle/internal/store"
)

// ErrPaymentsNotConfigured is returned when no provider access token is set.
var ErrPaymentsNotConfigured = errors.New("payment provider not configured")

// ParticipantStore is the part of the record store the engine needs.
type ParticipantStore interface {
	Create(ctx context.Context, p models.Participant) (models.Participant, error)
	Get(ctx context.Context, ticket string) (models.Participant, error)
	ListAll(ctx context.Context) ([]models.Participant, error)
	UpdateByTicket(ctx context.Context, ticket string, fn func(*models.Participant) error) (models.Participant, error)
}

// PaymentConfig configures the Mercado Pago integration.
type PaymentConfig struct {
	AccessToken string
	BaseURL     string
	// PublicURL is where the provider sends webhooks and redirects payers.
	PublicURL   string
	FallbackURL string
	RaffleName  string
	Currency    string
	Timeout     time.Duration
}

// PaymentService creates checkout links for tickets and applies payment
// notifications to the stored participants.
type PaymentService struct {
	cfg     PaymentConfig
	client  *http.Client
	store   ParticipantStore
	metrics *observability.Metrics
	now     func() time.Time
}

func NewPaymentService(cfg PaymentConfig, st ParticipantStore, metrics *observability.Metrics) *PaymentService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "ARS"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &PaymentService{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		store:   st,
		metrics: metrics,
		now:     time.Now,
	}
}

// FallbackURL is the generic payment link used when the provider cannot be
// reached.
func (s *PaymentService) FallbackURL() string {
	return s.cfg.FallbackURL
}

type preferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type preferencePayer struct {
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Surname string `json:"surname,omitempty"`
}

type preferenceRequest struct {
	Items             []preferenceItem  `json:"items"`
	Payer             preferencePayer   `json:"payer"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	BackURLs          map[string]string `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// CreatePaymentRequest asks the provider for a checkout link for ticket. It
// never fails: any problem with the provider is logged and the configured
// fallback link is returned instead, so registration is never blocked.
func (s *PaymentService) CreatePaymentRequest(ctx context.Context, ticket, name, email string, amount decimal.Decimal) string {
	link, err := s.createPreference(ctx, ticket, name, email, amount)
	if err != nil {
		logger.Warningf("payments: ticket %s: %v, using fallback link", ticket, err)
		s.metrics.PaymentLinks.WithLabelValues("fallback").Inc()
		return s.cfg.FallbackURL
	}
	s.metrics.PaymentLinks.WithLabelValues("provider").Inc()
	return link
}

func (s *PaymentService) createPreference(ctx context.Context, ticket, name, email string, amount decimal.Decimal) (string, error) {
	if s.cfg.AccessToken == "" {
		return "", ErrPaymentsNotConfigured
	}

	first, last := splitName(name)
	req := preferenceRequest{
		Items: []preferenceItem{{
			Title:      fmt.Sprintf("%s - Ticket %s", s.cfg.RaffleName, ticket),
			Quantity:   1,
			UnitPrice:  amount.InexactFloat64(),
			CurrencyID: s.cfg.Currency,
		}},
		Payer:             preferencePayer{Email: email, Name: first, Surname: last},
		ExternalReference: ticket,
	}
	if s.cfg.PublicURL != "" {
		req.NotificationURL = s.cfg.PublicURL + "/webhook"
		req.BackURLs = map[string]string{
			"success": s.cfg.PublicURL + "/payment/success?ticket=" + url.QueryEscape(ticket),
			"pending": s.cfg.PublicURL + "/payment/pending",
			"failure": s.cfg.PublicURL + "/payment/failure",
		}
		req.AutoReturn = "approved"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal preference: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/checkout/preferences", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("provider status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var pref preferenceResponse
	if err := json.Unmarshal(respBody, &pref); err != nil {
		return "", fmt.Errorf("decode preference: %w", err)
	}
	if pref.InitPoint == "" {
		return "", errors.New("preference without init_point")
	}
	return pref.InitPoint, nil
}

func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ---------- Reconciliation ----------

// PaymentEvent is the webhook body sent by the provider.
type PaymentEvent struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Data   struct {
		ID EventID `json:"id"`
	} `json:"data"`
}

// EventID accepts the payment id as either a JSON string or number.
type EventID string

func (id *EventID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = EventID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("payment id: %w", err)
	}
	*id = EventID(n.String())
	return nil
}

// ReconcileStatus describes what a payment event did to the store.
type ReconcileStatus string

const (
	ReconcileApplied       ReconcileStatus = "applied"
	ReconcileAlreadyPaid   ReconcileStatus = "already_paid"
	ReconcileNotApplicable ReconcileStatus = "not_applicable"
	ReconcileNotFound      ReconcileStatus = "not_found"
	ReconcileFailed        ReconcileStatus = "failed"
)

type ReconcileResult struct {
	Status    ReconcileStatus `json:"status"`
	Ticket    string          `json:"ticket,omitempty"`
	PaymentID string          `json:"paymentId,omitempty"`
}

type paymentDetails struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	ExternalReference string      `json:"external_reference"`
	PaymentMethodID   string      `json:"payment_method_id"`
}

const statusApproved = "approved"

// Reconcile applies a payment notification. Only approved payments with a
// ticket reference change anything, and only a pending participant is moved
// to paid, so a redelivered event is a no-op. A failure to reach the
// provider is returned as an error with status failed so the caller can let
// the provider retry.
func (s *PaymentService) Reconcile(ctx context.Context, ev PaymentEvent) (ReconcileResult, error) {
	res, err := s.reconcile(ctx, ev)
	s.metrics.Reconciliations.WithLabelValues(string(res.Status)).Inc()
	return res, err
}

func (s *PaymentService) reconcile(ctx context.Context, ev PaymentEvent) (ReconcileResult, error) {
	paymentID := string(ev.Data.ID)
	if ev.Type != "payment" || paymentID == "" {
		return ReconcileResult{Status: ReconcileNotApplicable, PaymentID: paymentID}, nil
	}

	details, err := s.fetchPayment(ctx, paymentID)
	if err != nil {
		logger.Errorf("payments: fetch payment %s: %v", paymentID, err)
		return ReconcileResult{Status: ReconcileFailed, PaymentID: paymentID}, err
	}
	if details.Status != statusApproved || details.ExternalReference == "" {
		logger.Infof("payments: payment %s status=%q reference=%q ignored", paymentID, details.Status, details.ExternalReference)
		return ReconcileResult{Status: ReconcileNotApplicable, PaymentID: paymentID}, nil
	}

	return s.markPaid(ctx, details.ExternalReference, paymentID, details.PaymentMethodID)
}

// MarkPaid records a payment confirmed outside the provider, such as cash.
func (s *PaymentService) MarkPaid(ctx context.Context, ticket, method string) (ReconcileResult, error) {
	if method == "" {
		method = "manual"
	}
	res, err := s.markPaid(ctx, ticket, "", method)
	s.metrics.Reconciliations.WithLabelValues(string(res.Status)).Inc()
	return res, err
}

func (s *PaymentService) markPaid(ctx context.Context, ticket, paymentID, method string) (ReconcileResult, error) {
	ticket = models.NormalizeTicket(ticket)
	res := ReconcileResult{Ticket: ticket, PaymentID: paymentID}

	_, err := s.store.UpdateByTicket(ctx, ticket, func(p *models.Participant) error {
		if p.IsPaid() {
			return store.ErrNoChange
		}
		paidAt := s.now()
		p.PaymentState = models.PaymentPaid
		p.PaidAt = &paidAt
		p.PaymentReference = paymentID
		p.PaymentMethod = method
		return nil
	})
	switch {
	case err == nil:
		logger.Infof("payments: ticket %s marked paid (payment %q, method %q)", ticket, paymentID, method)
		res.Status = ReconcileApplied
		return res, nil
	case errors.Is(err, store.ErrNoChange):
		res.Status = ReconcileAlreadyPaid
		return res, nil
	case errors.Is(err, store.ErrNotFound):
		logger.Warningf("payments: no participant for ticket %s", ticket)
		res.Status = ReconcileNotFound
		return res, nil
	default:
		res.Status = ReconcileFailed
		return res, err
	}
}

func (s *PaymentService) fetchPayment(ctx context.Context, id string) (paymentDetails, error) {
	if s.cfg.AccessToken == "" {
		return paymentDetails{}, ErrPaymentsNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/v1/payments/"+url.PathEscape(id), nil)
	if err != nil {
		return paymentDetails{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return paymentDetails{}, fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return paymentDetails{}, fmt.Errorf("provider status %d: %s", resp.StatusCode, string(body))
	}

	var details paymentDetails
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return paymentDetails{}, fmt.Errorf("decode payment: %w", err)
	}
	return details, nil
}
