package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/logger"

	"raffle/internal/models"
	"raffle/internal/store"
)

// utf8BOM makes spreadsheet applications read the exports as UTF-8.
const utf8BOM = "\xef\xbb\xbf"

var ErrMissingColumns = errors.New("csv must have name and ticket columns")

// csvColumns maps accepted header names to participant fields.
var csvColumns = map[string]string{
	"name": "name", "nombre": "name",
	"ticket": "ticket", "boleto": "ticket",
	"email": "email",
	"phone": "phone", "telefono": "phone", "teléfono": "phone",
	"address": "address", "direccion": "address", "dirección": "address",
	"city": "city", "ciudad": "city",
	"locality": "locality", "localidad": "locality",
}

// ImportResult summarizes a bulk participant import.
type ImportResult struct {
	Added      int      `json:"added"`
	Duplicates int      `json:"duplicates"`
	Errors     int      `json:"errors"`
	Details    []string `json:"details"`
}

// ImportParticipants reads a CSV whose first row is a header and registers
// each row as a pending participant. Rows without a ticket are ignored; bad
// and duplicate rows are counted and reported, and the import carries on.
func (s *RaffleService) ImportParticipants(ctx context.Context, r io.Reader) (ImportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return ImportResult{Details: []string{}}, nil
	}
	if err != nil {
		return ImportResult{}, fmt.Errorf("read csv header: %w", err)
	}
	index := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, utf8BOM)))
		if field, ok := csvColumns[h]; ok {
			index[field] = i
		}
	}
	if _, ok := index["name"]; !ok {
		return ImportResult{}, ErrMissingColumns
	}
	if _, ok := index["ticket"]; !ok {
		return ImportResult{}, ErrMissingColumns
	}

	res := ImportResult{Details: []string{}}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			logger.Infof("import: skipping unreadable line %d: %v", line, err)
			res.Errors++
			res.Details = append(res.Details, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		field := func(name string) string {
			i, ok := index[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		if field("ticket") == "" {
			continue
		}

		p, err := s.AddParticipant(ctx, models.Participant{
			Name:     field("name"),
			Ticket:   field("ticket"),
			Email:    field("email"),
			Phone:    field("phone"),
			Address:  field("address"),
			City:     field("city"),
			Locality: field("locality"),
		})
		switch {
		case err == nil:
			res.Added++
			res.Details = append(res.Details, fmt.Sprintf("added: %s - %s", p.Name, p.Ticket))
		case errors.Is(err, models.ErrDuplicateTicket):
			res.Duplicates++
			res.Details = append(res.Details, fmt.Sprintf("duplicate ticket: %s", models.NormalizeTicket(field("ticket"))))
		default:
			logger.Infof("import: skipping line %d: %v", line, err)
			res.Errors++
			res.Details = append(res.Details, fmt.Sprintf("line %d: %v", line, err))
		}
	}
	logger.Infof("import: %d added, %d duplicates, %d errors", res.Added, res.Duplicates, res.Errors)
	return res, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(DrawZone).Format("2006-01-02 15:04:05")
}

// WriteParticipantsCSV writes every participant as a CSV with a UTF-8 BOM.
func (s *RaffleService) WriteParticipantsCSV(ctx context.Context, w io.Writer) error {
	participants, err := s.store.ListAll(ctx)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Nombre", "Boleto", "Email", "Teléfono", "Dirección", "Ciudad", "Localidad", "Estado Pago", "Fecha Registro", "Fecha Pago"}); err != nil {
		return err
	}
	for _, p := range participants {
		registered := p.RegisteredAt
		row := []string{p.Name, p.Ticket, p.Email, p.Phone, p.Address, p.City, p.Locality,
			string(p.PaymentState), formatTime(&registered), formatTime(p.PaidAt)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteResultsCSV writes one row per winner of every outcome in history.
func WriteResultsCSV(w io.Writer, history []models.DrawOutcome) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Fecha", "Número Oficial", "Premio", "Nombre", "Boleto", "Email", "Teléfono", "Dirección", "Ciudad", "Localidad", "Estado Pago", "Fecha Registro"}); err != nil {
		return err
	}
	for _, o := range history {
		for _, g := range o.Winners {
			registered := g.RegisteredAt
			row := []string{o.Date, o.OfficialNumber, o.PrizeLabel, g.Name, g.Ticket, g.Email, g.Phone,
				g.Address, g.City, g.Locality, string(g.PaymentState), formatTime(&registered)}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// StateTransfer exports and imports the complete raffle state as JSON.
type StateTransfer struct {
	backups *BackupService
}

func NewStateTransfer(backups *BackupService) *StateTransfer {
	return &StateTransfer{backups: backups}
}

// Export writes the current state as an indented JSON document.
func (t *StateTransfer) Export(ctx context.Context, w io.Writer) error {
	snap, err := t.backups.Capture(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(snap)
}

// Import replaces the state with a previously exported document. Invalid
// JSON leaves the state untouched.
func (t *StateTransfer) Import(ctx context.Context, r io.Reader) (store.ReplaceResult, error) {
	data, err := io.ReadAll(io.LimitReader(r, 64<<20))
	if err != nil {
		return store.ReplaceResult{}, err
	}
	return t.backups.Restore(ctx, data)
}
