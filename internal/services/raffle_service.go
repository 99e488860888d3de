package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/logger"
	"github.com/shopspring/decimal"

	"raffle/internal/models"
	"raffle/internal/observability"
	"raffle/internal/store"
)

var ErrEmptyPrize = errors.New("prize description cannot be empty")
var ErrPrizeIndex = errors.New("prize index out of range")

// RaffleStore is the record store as used by the raffle service.
type RaffleStore interface {
	ParticipantStore
	Prizes(ctx context.Context) ([]string, error)
	SavePrizes(ctx context.Context, prizes []string) error
	Reset(ctx context.Context, scope store.ResetScope) error
}

// PaymentLinker hands out checkout links for tickets.
type PaymentLinker interface {
	CreatePaymentRequest(ctx context.Context, ticket, name, email string, amount decimal.Decimal) string
	FallbackURL() string
}

// BackupClearer removes retained backups.
type BackupClearer interface {
	Clear() error
}

// ReminderSender delivers payment reminders.
type ReminderSender interface {
	SendReminders(ctx context.Context, participants []models.Participant, subject, body string, data func(models.Participant) MessageData) DispatchReport
}

// RaffleService handles registrations, the prize list and the administrative
// operations around the participant set.
type RaffleService struct {
	store     RaffleStore
	payments  PaymentLinker
	reminders ReminderSender
	backups   BackupClearer
	amount    decimal.Decimal
	metrics   *observability.Metrics

	// prizeMu serializes read-modify-write cycles on the prize list.
	prizeMu sync.Mutex
}

func NewRaffleService(st RaffleStore, payments PaymentLinker, amount decimal.Decimal, metrics *observability.Metrics) *RaffleService {
	return &RaffleService{
		store:    st,
		payments: payments,
		amount:   amount,
		metrics:  metrics,
	}
}

// WithReminders sets the sender used by SendPaymentReminders.
func (s *RaffleService) WithReminders(r ReminderSender) *RaffleService {
	s.reminders = r
	return s
}

// WithBackups sets the backup store wiped by ResetAll.
func (s *RaffleService) WithBackups(b BackupClearer) *RaffleService {
	s.backups = b
	return s
}

// TicketAmount is the price of one ticket.
func (s *RaffleService) TicketAmount() decimal.Decimal {
	return s.amount
}

// RegistrationRequest is the data a participant submits to register.
type RegistrationRequest struct {
	Name     string `json:"name"`
	Ticket   string `json:"ticket"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	City     string `json:"city"`
	Locality string `json:"locality"`
}

func (r RegistrationRequest) participant() models.Participant {
	return models.Participant{
		Name:     r.Name,
		Ticket:   r.Ticket,
		Email:    r.Email,
		Phone:    r.Phone,
		Address:  r.Address,
		City:     r.City,
		Locality: r.Locality,
	}
}

// Register validates a public registration, creates its payment link and
// stores the participant as pending. Email and phone are mandatory here.
func (s *RaffleService) Register(ctx context.Context, req RegistrationRequest) (models.Participant, error) {
	p := req.participant()
	if strings.TrimSpace(p.Email) == "" {
		s.metrics.Registrations.WithLabelValues("invalid").Inc()
		return models.Participant{}, &models.ValidationError{Field: "email", Err: models.ErrInvalidEmail}
	}
	if strings.TrimSpace(p.Phone) == "" {
		s.metrics.Registrations.WithLabelValues("invalid").Inc()
		return models.Participant{}, &models.ValidationError{Field: "phone", Err: models.ErrInvalidPhone}
	}
	return s.AddParticipant(ctx, p)
}

// AddParticipant stores p as a new pending participant. Only name and ticket
// are mandatory.
func (s *RaffleService) AddParticipant(ctx context.Context, p models.Participant) (models.Participant, error) {
	created, err := s.addParticipant(ctx, p)
	switch {
	case err == nil:
		s.metrics.Registrations.WithLabelValues("created").Inc()
	case errors.Is(err, models.ErrDuplicateTicket):
		s.metrics.Registrations.WithLabelValues("duplicate").Inc()
	case errors.As(err, new(*models.ValidationError)):
		s.metrics.Registrations.WithLabelValues("invalid").Inc()
	default:
		s.metrics.Registrations.WithLabelValues("error").Inc()
	}
	return created, err
}

func (s *RaffleService) addParticipant(ctx context.Context, p models.Participant) (models.Participant, error) {
	if err := p.Normalize(); err != nil {
		return models.Participant{}, err
	}
	// Checked up front so no payment link is requested for a taken ticket;
	// the store enforces uniqueness again on insert.
	if _, err := s.store.Get(ctx, p.Ticket); err == nil {
		return models.Participant{}, &models.ValidationError{Field: "ticket", Err: models.ErrDuplicateTicket}
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Participant{}, err
	}

	p.PaymentState = models.PaymentPending
	p.PaidAt = nil
	p.PaymentLinkID = s.payments.CreatePaymentRequest(ctx, p.Ticket, p.Name, p.Email, s.amount)

	created, err := s.store.Create(ctx, p)
	if err != nil {
		return models.Participant{}, err
	}
	logger.Infof("raffle: registered %s with ticket %s", created.Name, created.Ticket)
	return created, nil
}

// Participants returns every participant in registration order.
func (s *RaffleService) Participants(ctx context.Context) ([]models.Participant, error) {
	return s.store.ListAll(ctx)
}

// Participant returns the participant holding ticket.
func (s *RaffleService) Participant(ctx context.Context, ticket string) (models.Participant, error) {
	return s.store.Get(ctx, ticket)
}

// Search filters participants by a case-insensitive name match or a ticket
// substring, and optionally by payment state.
func (s *RaffleService) Search(ctx context.Context, query string, state models.PaymentState) ([]models.Participant, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]models.Participant, 0, len(all))
	for _, p := range all {
		if state != "" && p.PaymentState != state {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(p.Name), q) && !strings.Contains(p.Ticket, q) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Pending returns the participants whose payment has not been confirmed.
func (s *RaffleService) Pending(ctx context.Context) ([]models.Participant, error) {
	return s.Search(ctx, "", models.PaymentPending)
}

// SendPaymentReminders sends body to every pending participant. The body may
// reference the participant's payment link and the ticket price.
func (s *RaffleService) SendPaymentReminders(ctx context.Context, subject, body string) (DispatchReport, error) {
	if s.reminders == nil {
		return DispatchReport{}, errors.New("no reminder channels")
	}
	pending, err := s.Pending(ctx)
	if err != nil {
		return DispatchReport{}, err
	}
	if subject == "" {
		subject = reminderSubject
	}
	report := s.reminders.SendReminders(ctx, pending, subject, body, func(p models.Participant) MessageData {
		link := p.PaymentLinkID
		if link == "" {
			link = s.payments.FallbackURL()
		}
		return MessageData{
			Name:        p.Name,
			Ticket:      p.Ticket,
			Amount:      s.amount.StringFixed(0),
			PaymentLink: link,
		}
	})
	logger.Infof("raffle: payment reminders sent to %d pending participant(s)", len(pending))
	return report, nil
}

// CityCount is the number of participants from one city.
type CityCount struct {
	City  string `json:"city"`
	Count int    `json:"count"`
}

// Stats summarizes registrations and collected money.
type Stats struct {
	Total            int             `json:"total"`
	Paid             int             `json:"paid"`
	Pending          int             `json:"pending"`
	ConversionRate   float64         `json:"conversionRate"`
	Revenue          decimal.Decimal `json:"revenue"`
	PotentialRevenue decimal.Decimal `json:"potentialRevenue"`
	RegistrationsDay map[string]int  `json:"registrationsByDay"`
	TopCities        []CityCount     `json:"topCities"`
}

func (s *RaffleService) Stats(ctx context.Context) (Stats, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Total: len(all), RegistrationsDay: map[string]int{}}
	cities := map[string]int{}
	for _, p := range all {
		if p.IsPaid() {
			st.Paid++
		}
		st.RegistrationsDay[p.RegisteredAt.In(DrawZone).Format("2006-01-02")]++
		if p.City != "" {
			cities[p.City]++
		}
	}
	st.Pending = st.Total - st.Paid
	if st.Total > 0 {
		st.ConversionRate = float64(st.Paid) / float64(st.Total) * 100
	}
	st.Revenue = s.amount.Mul(decimal.NewFromInt(int64(st.Paid)))
	st.PotentialRevenue = s.amount.Mul(decimal.NewFromInt(int64(st.Total)))

	for city, n := range cities {
		st.TopCities = append(st.TopCities, CityCount{City: city, Count: n})
	}
	sort.Slice(st.TopCities, func(i, j int) bool {
		if st.TopCities[i].Count != st.TopCities[j].Count {
			return st.TopCities[i].Count > st.TopCities[j].Count
		}
		return st.TopCities[i].City < st.TopCities[j].City
	})
	if len(st.TopCities) > 10 {
		st.TopCities = st.TopCities[:10]
	}
	return st, nil
}

// ---------- Prizes ----------

// Prizes returns the prize list in display order.
func (s *RaffleService) Prizes(ctx context.Context) ([]string, error) {
	return s.store.Prizes(ctx)
}

func (s *RaffleService) editPrizes(ctx context.Context, fn func([]string) ([]string, error)) ([]string, error) {
	s.prizeMu.Lock()
	defer s.prizeMu.Unlock()

	prizes, err := s.store.Prizes(ctx)
	if err != nil {
		return nil, err
	}
	next, err := fn(prizes)
	if err != nil {
		return prizes, err
	}
	if err := s.store.SavePrizes(ctx, next); err != nil {
		return prizes, err
	}
	return next, nil
}

// AddPrize appends a prize to the list.
func (s *RaffleService) AddPrize(ctx context.Context, label string) ([]string, error) {
	label = models.CollapseSpaces(label)
	if label == "" {
		return nil, ErrEmptyPrize
	}
	return s.editPrizes(ctx, func(prizes []string) ([]string, error) {
		return append(prizes, label), nil
	})
}

// UpdatePrize replaces the prize at index.
func (s *RaffleService) UpdatePrize(ctx context.Context, index int, label string) ([]string, error) {
	label = models.CollapseSpaces(label)
	if label == "" {
		return nil, ErrEmptyPrize
	}
	return s.editPrizes(ctx, func(prizes []string) ([]string, error) {
		if index < 0 || index >= len(prizes) {
			return nil, ErrPrizeIndex
		}
		prizes[index] = label
		return prizes, nil
	})
}

// DeletePrize removes the prize at index.
func (s *RaffleService) DeletePrize(ctx context.Context, index int) ([]string, error) {
	return s.editPrizes(ctx, func(prizes []string) ([]string, error) {
		if index < 0 || index >= len(prizes) {
			return nil, ErrPrizeIndex
		}
		return append(prizes[:index], prizes[index+1:]...), nil
	})
}

// MovePrize swaps the prize at index with its neighbour; delta is -1 to move
// it up and +1 to move it down.
func (s *RaffleService) MovePrize(ctx context.Context, index, delta int) ([]string, error) {
	return s.editPrizes(ctx, func(prizes []string) ([]string, error) {
		target := index + delta
		if (delta != -1 && delta != 1) || index < 0 || index >= len(prizes) || target < 0 || target >= len(prizes) {
			return nil, ErrPrizeIndex
		}
		prizes[index], prizes[target] = prizes[target], prizes[index]
		return prizes, nil
	})
}

// ClearPrizes empties the prize list.
func (s *RaffleService) ClearPrizes(ctx context.Context) error {
	_, err := s.editPrizes(ctx, func([]string) ([]string, error) {
		return []string{}, nil
	})
	return err
}

// ImportPrizes appends one prize per non-blank line of text and returns how
// many were added.
func (s *RaffleService) ImportPrizes(ctx context.Context, text string) (int, error) {
	var added []string
	for _, line := range strings.Split(text, "\n") {
		if label := models.CollapseSpaces(line); label != "" {
			added = append(added, label)
		}
	}
	if len(added) == 0 {
		return 0, nil
	}
	_, err := s.editPrizes(ctx, func(prizes []string) ([]string, error) {
		return append(prizes, added...), nil
	})
	if err != nil {
		return 0, err
	}
	return len(added), nil
}

// ExportPrizes renders the list as numbered lines.
func (s *RaffleService) ExportPrizes(ctx context.Context) (string, error) {
	prizes, err := s.store.Prizes(ctx)
	if err != nil {
		return "", err
	}
	lines := make([]string, len(prizes))
	for i, p := range prizes {
		lines[i] = fmt.Sprintf("%d. %s", i+1, p)
	}
	return strings.Join(lines, "\n"), nil
}

// ---------- Resets ----------

// ResetParticipants removes every participant and the draw history.
func (s *RaffleService) ResetParticipants(ctx context.Context) error {
	if err := s.store.Reset(ctx, store.ResetParticipants); err != nil {
		return err
	}
	logger.Info("raffle: participants and results reset")
	return nil
}

// ResetAll wipes participants, history, prizes, settings and backups.
func (s *RaffleService) ResetAll(ctx context.Context) error {
	if err := s.store.Reset(ctx, store.ResetEverything); err != nil {
		return err
	}
	if s.backups != nil {
		if err := s.backups.Clear(); err != nil {
			return fmt.Errorf("clear backups: %w", err)
		}
	}
	logger.Info("raffle: full reset")
	return nil
}
