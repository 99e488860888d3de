package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/logger"
	"github.com/mattn/go-sqlite3"

	"raffle/internal/models"
)

//go:embed schema.sql
var embeddedSchema embed.FS

var (
	ErrNotFound = errors.New("not found")
	// ErrNoChange is returned by an update mutation that decided to leave the
	// record as it is. The record is not rewritten.
	ErrNoChange = errors.New("no change")
)

// timeLayout keeps a fixed width so registered_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists participants, the ordered prize list, the draw history and
// free-form settings in SQLite. Normal operations share mu; ReplaceAll,
// RestoreState and Reset take it exclusively. Updates of a single ticket are
// additionally serialized through a per-ticket lock.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	tickets *ticketLocks
}

// ReplaceResult counts the records written and skipped by a bulk replace.
type ReplaceResult struct {
	Written int
	Skipped int
}

// Open creates the database file if needed and prepares the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := New(db)
	if err := s.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db, tickets: newTicketLocks()}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InitSchema() error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}

	b, err := embeddedSchema.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.Exec(strings.TrimSpace(string(b)))
	return err
}

func (s *Store) logErr(op string, err error) error {
	if err != nil {
		logger.Errorf("store: %s: %v", op, err)
	}
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertParticipant(ctx context.Context, ex execer, p models.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO participants(ticket, record_key, registered_at, data) VALUES (?, ?, ?, ?)`,
		p.Ticket, p.RecordKey(), p.RegisteredAt.UTC().Format(timeLayout), string(data))
	if isConstraint(err) {
		return models.ErrDuplicateTicket
	}
	return err
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// ---------- Participants ----------

// Create validates p and stores it. The ticket is normalized before the
// uniqueness check, so "123" and "00123" collide. The row is written with a
// single statement: either it lands completely or not at all.
func (s *Store) Create(ctx context.Context, p models.Participant) (models.Participant, error) {
	if err := p.Normalize(); err != nil {
		return models.Participant{}, err
	}
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now()
	}
	if p.PaymentState == "" {
		p.PaymentState = models.PaymentPending
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	defer s.tickets.lock(p.Ticket)()

	if err := insertParticipant(ctx, s.db, p); err != nil {
		if errors.Is(err, models.ErrDuplicateTicket) {
			return models.Participant{}, &models.ValidationError{Field: "ticket", Err: err}
		}
		return models.Participant{}, s.logErr("create "+p.Ticket, err)
	}
	return p, nil
}

// ListAll returns every participant ordered by registration time. Rows that
// cannot be decoded are logged and skipped.
func (s *Store) ListAll(ctx context.Context) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT ticket, data FROM participants ORDER BY registered_at, ticket`)
	if err != nil {
		return nil, s.logErr("list participants", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var ticket, data string
		if err := rows.Scan(&ticket, &data); err != nil {
			logger.Warningf("store: skipping unreadable participant row: %v", err)
			continue
		}
		p, err := decodeParticipant(ticket, data)
		if err != nil {
			logger.Warningf("store: skipping participant %s: %v", ticket, err)
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.logErr("list participants", err)
	}
	return out, nil
}

func decodeParticipant(ticket, data string) (models.Participant, error) {
	var p models.Participant
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return models.Participant{}, err
	}
	if p.Ticket != ticket || !models.ValidTicket(p.Ticket) {
		return models.Participant{}, fmt.Errorf("ticket mismatch %q", p.Ticket)
	}
	if p.PaymentState == "" {
		p.PaymentState = models.PaymentPending
	}
	return p, nil
}

// Get returns the participant registered under ticket.
func (s *Store) Get(ctx context.Context, ticket string) (models.Participant, error) {
	ticket = models.NormalizeTicket(ticket)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, ticket)
}

func (s *Store) get(ctx context.Context, ticket string) (models.Participant, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM participants WHERE ticket = ?`, ticket).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Participant{}, ErrNotFound
		}
		return models.Participant{}, s.logErr("get "+ticket, err)
	}
	return decodeParticipant(ticket, data)
}

// UpdateByTicket reads the participant, applies fn and rewrites the record.
// Calls for the same ticket run one at a time; the last one to finish wins.
// When fn returns ErrNoChange the stored record is returned unchanged along
// with ErrNoChange. Ticket and registration time cannot be changed by fn.
func (s *Store) UpdateByTicket(ctx context.Context, ticket string, fn func(*models.Participant) error) (models.Participant, error) {
	ticket = models.NormalizeTicket(ticket)

	s.mu.RLock()
	defer s.mu.RUnlock()
	defer s.tickets.lock(ticket)()

	current, err := s.get(ctx, ticket)
	if err != nil {
		return models.Participant{}, err
	}

	next := current
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, ErrNoChange
		}
		return current, err
	}
	next.Ticket = current.Ticket
	next.RegisteredAt = current.RegisteredAt

	data, err := json.Marshal(next)
	if err != nil {
		return current, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE participants SET record_key = ?, data = ? WHERE ticket = ?`,
		next.RecordKey(), string(data), ticket)
	if err != nil {
		return current, s.logErr("update "+ticket, err)
	}
	return next, nil
}

// ReplaceAll discards every participant and writes ps in one transaction.
// Invalid or duplicated entries are skipped and counted. No other store
// operation runs while the replace is in progress.
func (s *Store) ReplaceAll(ctx context.Context, ps []models.Participant) (ReplaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ReplaceResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = replaceParticipants(ctx, tx, ps)
		return err
	})
	if err != nil {
		return ReplaceResult{}, s.logErr("replace participants", err)
	}
	return res, nil
}

// replaceParticipants is the replace-all core shared by ReplaceAll and
// RestoreState. It runs inside the caller's transaction, so a restore swaps
// participants, prizes and history atomically.
func replaceParticipants(ctx context.Context, tx *sql.Tx, ps []models.Participant) (ReplaceResult, error) {
	var res ReplaceResult
	if _, err := tx.ExecContext(ctx, `DELETE FROM participants`); err != nil {
		return res, err
	}
	for _, p := range ps {
		if err := p.Normalize(); err != nil {
			logger.Warningf("store: replace skipping %q: %v", p.Ticket, err)
			res.Skipped++
			continue
		}
		if p.RegisteredAt.IsZero() {
			p.RegisteredAt = time.Now()
		}
		if p.PaymentState != models.PaymentPaid {
			p.PaymentState = models.PaymentPending
		}
		if err := insertParticipant(ctx, tx, p); err != nil {
			if errors.Is(err, models.ErrDuplicateTicket) {
				logger.Warningf("store: replace skipping duplicate ticket %s", p.Ticket)
				res.Skipped++
				continue
			}
			return res, err
		}
		res.Written++
	}
	return res, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---------- Prizes ----------

// Prizes returns the prize list in display order.
func (s *Store) Prizes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT label FROM prizes ORDER BY position`)
	if err != nil {
		return nil, s.logErr("list prizes", err)
	}
	defer rows.Close()

	prizes := make([]string, 0)
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, s.logErr("list prizes", err)
		}
		prizes = append(prizes, label)
	}
	if err := rows.Err(); err != nil {
		return nil, s.logErr("list prizes", err)
	}
	return prizes, nil
}

// SavePrizes replaces the whole prize list, keeping the given order.
func (s *Store) SavePrizes(ctx context.Context, prizes []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return replacePrizes(ctx, tx, prizes)
	})
	return s.logErr("save prizes", err)
}

func replacePrizes(ctx context.Context, tx *sql.Tx, prizes []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM prizes`); err != nil {
		return err
	}
	for i, label := range prizes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO prizes(position, label) VALUES (?, ?)`, i, label); err != nil {
			return err
		}
	}
	return nil
}

// ---------- Draw history ----------

// AppendOutcome adds o to the end of the draw history.
func (s *Store) AppendOutcome(ctx context.Context, o models.DrawOutcome) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO draw_history(drawn_on, data) VALUES (?, ?)`, o.Date, string(data))
	return s.logErr("append outcome", err)
}

// History returns every recorded draw, oldest first.
func (s *Store) History(ctx context.Context) ([]models.DrawOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM draw_history ORDER BY id`)
	if err != nil {
		return nil, s.logErr("list history", err)
	}
	defer rows.Close()

	history := make([]models.DrawOutcome, 0)
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, s.logErr("list history", err)
		}
		var o models.DrawOutcome
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			logger.Warningf("store: skipping draw %d: %v", id, err)
			continue
		}
		history = append(history, o)
	}
	if err := rows.Err(); err != nil {
		return nil, s.logErr("list history", err)
	}
	return history, nil
}

func replaceHistory(ctx context.Context, tx *sql.Tx, history []models.DrawOutcome) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM draw_history`); err != nil {
		return err
	}
	for _, o := range history {
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO draw_history(drawn_on, data) VALUES (?, ?)`, o.Date, string(data)); err != nil {
			return err
		}
	}
	return nil
}

// ---------- Settings ----------

// Setting returns the stored value for key and whether it exists.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, s.logErr("get setting "+key, err)
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, key, value)
	return s.logErr("set setting "+key, err)
}

// ---------- Whole-state operations ----------

// RestoreState replaces participants, prizes, history and any settings given
// in a single transaction while holding the store exclusively. Nothing is
// changed if any step fails.
func (s *Store) RestoreState(ctx context.Context, snap models.Snapshot, settings map[string]string) (ReplaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ReplaceResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if res, err = replaceParticipants(ctx, tx, snap.Participants); err != nil {
			return err
		}
		if err := replacePrizes(ctx, tx, snap.Prizes); err != nil {
			return err
		}
		if err := replaceHistory(ctx, tx, snap.History); err != nil {
			return err
		}
		for k, v := range settings {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ReplaceResult{}, s.logErr("restore state", err)
	}
	return res, nil
}

// ResetScope selects how much state Reset discards.
type ResetScope int

const (
	// ResetParticipants clears participants and the draw history.
	ResetParticipants ResetScope = iota
	// ResetEverything also clears prizes and settings.
	ResetEverything
)

func (s *Store) Reset(ctx context.Context, scope ResetScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"participants", "draw_history"}
	if scope == ResetEverything {
		tables = append(tables, "prizes", "settings")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return err
			}
		}
		return nil
	})
	return s.logErr("reset", err)
}
