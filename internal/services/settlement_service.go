package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/logger"

	"raffle/internal/models"
	"raffle/internal/observability"
)

// ErrUnresolved means the official number could not be determined. No
// outcome is recorded in that case.
var ErrUnresolved = errors.New("official number unresolved")

// HistoryStore persists the append-only draw history.
type HistoryStore interface {
	AppendOutcome(ctx context.Context, o models.DrawOutcome) error
	History(ctx context.Context) ([]models.DrawOutcome, error)
}

// ParticipantLister reads the current participant set.
type ParticipantLister interface {
	ListAll(ctx context.Context) ([]models.Participant, error)
}

// Notifier sends the winner notifications of a draw.
type Notifier interface {
	Dispatch(ctx context.Context, winners []models.Participant, prizeLabel string) DispatchReport
}

// OfficialNumberSource resolves the externally published winning number.
type OfficialNumberSource interface {
	FetchOfficialNumber(ctx context.Context) (string, bool)
}

// OutcomeReporter is told about every recorded draw, e.g. an operator chat.
type OutcomeReporter interface {
	ReportOutcome(ctx context.Context, o models.DrawOutcome, report DispatchReport) error
}

// Settlement is a recorded outcome together with its notification results.
type Settlement struct {
	Outcome models.DrawOutcome `json:"outcome"`
	Report  DispatchReport     `json:"report"`
}

// SettlementService matches the official number against paid participants
// and owns the draw history.
type SettlementService struct {
	participants ParticipantLister
	history      HistoryStore
	notifier     Notifier
	resolver     OfficialNumberSource
	reporter     OutcomeReporter
	prizeLabel   string
	metrics      *observability.Metrics
	now          func() time.Time

	// mu keeps history entries in the order settlements complete.
	mu sync.Mutex
}

func NewSettlementService(participants ParticipantLister, history HistoryStore, notifier Notifier, resolver OfficialNumberSource, prizeLabel string, metrics *observability.Metrics) *SettlementService {
	return &SettlementService{
		participants: participants,
		history:      history,
		notifier:     notifier,
		resolver:     resolver,
		prizeLabel:   prizeLabel,
		metrics:      metrics,
		now:          time.Now,
	}
}

// WithReporter sets the reporter informed after each settlement.
func (s *SettlementService) WithReporter(r OutcomeReporter) *SettlementService {
	s.reporter = r
	return s
}

// PrizeLabel is the label used by scheduled settlements.
func (s *SettlementService) PrizeLabel() string {
	return s.prizeLabel
}

// Settle records a draw for officialNumber. Winners are the paid
// participants holding that ticket, copied as they are now; an empty winner
// list is a valid outcome. Participants are only read. Once the outcome is
// stored every winner is notified; notification failures do not affect the
// recorded outcome.
func (s *SettlementService) Settle(ctx context.Context, officialNumber, prizeLabel string) (Settlement, error) {
	number := models.NormalizeTicket(officialNumber)
	if !models.ValidTicket(number) {
		return Settlement{}, &models.ValidationError{Field: "officialNumber", Err: models.ErrInvalidTicket}
	}
	if prizeLabel == "" {
		prizeLabel = s.prizeLabel
	}

	s.mu.Lock()
	participants, err := s.participants.ListAll(ctx)
	if err != nil {
		s.mu.Unlock()
		return Settlement{}, err
	}

	winners := make([]models.Participant, 0)
	for _, p := range participants {
		if p.IsPaid() && p.Ticket == number {
			winners = append(winners, p)
		}
	}

	outcome := models.DrawOutcome{
		Date:           s.now().In(DrawZone).Format("2006-01-02"),
		OfficialNumber: number,
		PrizeLabel:     prizeLabel,
		Winners:        winners,
	}
	err = s.history.AppendOutcome(ctx, outcome)
	s.mu.Unlock()
	if err != nil {
		return Settlement{}, err
	}

	s.metrics.Settlements.Inc()
	s.metrics.Winners.Add(float64(len(winners)))
	logger.Infof("settlement: number %s for %q recorded with %d winner(s)", number, prizeLabel, len(winners))

	result := Settlement{Outcome: outcome, Report: DispatchReport{Recipients: []RecipientReport{}}}
	if len(winners) > 0 {
		result.Report = s.notifier.Dispatch(ctx, winners, prizeLabel)
	}
	if s.reporter != nil {
		if err := s.reporter.ReportOutcome(ctx, outcome, result.Report); err != nil {
			logger.Warningf("settlement: outcome report failed: %v", err)
		}
	}
	return result, nil
}

// RunScheduledDraw resolves the official number and settles it with the
// default prize label. When the number cannot be resolved nothing is
// recorded and ErrUnresolved is returned.
func (s *SettlementService) RunScheduledDraw(ctx context.Context) (Settlement, error) {
	number, ok := s.resolver.FetchOfficialNumber(ctx)
	if !ok {
		logger.Warning("settlement: official number unresolved, no outcome recorded")
		return Settlement{}, ErrUnresolved
	}
	return s.Settle(ctx, number, s.prizeLabel)
}

// History returns every recorded draw, oldest first.
func (s *SettlementService) History(ctx context.Context) ([]models.DrawOutcome, error) {
	return s.history.History(ctx)
}

// Latest returns the most recent draw, the one shown as the current result.
func (s *SettlementService) Latest(ctx context.Context) (models.DrawOutcome, bool, error) {
	h, err := s.history.History(ctx)
	if err != nil || len(h) == 0 {
		return models.DrawOutcome{}, false, err
	}
	return h[len(h)-1], true, nil
}
