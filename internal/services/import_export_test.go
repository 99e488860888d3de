package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"raffle/internal/models"
)

func TestRaffleService_ImportParticipants(t *testing.T) {
	ctx := context.Background()

	t.Run("counts added, duplicate and bad rows", func(t *testing.T) {
		svc, st, linker := newRaffleFixture(t)
		mustCreate(t, st, models.Participant{Name: "Existente", Ticket: "00005"})

		data := "\xef\xbb\xbfnombre,boleto,email,telefono,direccion,ciudad,localidad\n" +
			"Ana Gómez,1,ana@example.com,351 555 1234,San Martín 100,Córdoba,Centro\n" +
			"Beto,5,,,,,\n" +
			"Caro,123456,,,,,\n" +
			"Sin Boleto,,,,,,\n" +
			"Dani,00001,,,,,\n" +
			"Eva,42,eva@example.com,,,Rosario,\n"

		res, err := svc.ImportParticipants(ctx, strings.NewReader(data))
		if err != nil {
			t.Fatalf("ImportParticipants: %v", err)
		}
		if res.Added != 2 || res.Duplicates != 2 || res.Errors != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
		if len(res.Details) != 5 {
			t.Fatalf("expected one detail per counted row, got %v", res.Details)
		}
		if linker.calls() != 2 {
			t.Fatalf("expected links only for added rows, got %d", linker.calls())
		}

		ana, err := st.Get(ctx, "00001")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ana.Phone != "+3515551234" {
			t.Fatalf("phone not normalized: %q", ana.Phone)
		}
		if ana.Address != "San Martín 100" || ana.City != "Córdoba" || ana.Locality != "Centro" {
			t.Fatalf("unexpected fields %+v", ana)
		}
		if ana.PaymentState != models.PaymentPending {
			t.Fatalf("imported participants start pending")
		}
	})

	t.Run("english headers in any order", func(t *testing.T) {
		svc, st, _ := newRaffleFixture(t)
		data := "ticket,city,name\n77,Mendoza,Fede\n"
		res, err := svc.ImportParticipants(ctx, strings.NewReader(data))
		if err != nil || res.Added != 1 {
			t.Fatalf("unexpected %+v %v", res, err)
		}
		p, _ := st.Get(ctx, "00077")
		if p.Name != "Fede" || p.City != "Mendoza" {
			t.Fatalf("unexpected participant %+v", p)
		}
	})

	t.Run("missing columns", func(t *testing.T) {
		svc, _, _ := newRaffleFixture(t)
		_, err := svc.ImportParticipants(ctx, strings.NewReader("email,telefono\na@b.co,123\n"))
		if !errors.Is(err, ErrMissingColumns) {
			t.Fatalf("expected ErrMissingColumns, got %v", err)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		svc, _, _ := newRaffleFixture(t)
		res, err := svc.ImportParticipants(ctx, strings.NewReader(""))
		if err != nil || res.Added != 0 {
			t.Fatalf("unexpected %+v %v", res, err)
		}
	})
}

func TestRaffleService_WriteParticipantsCSV(t *testing.T) {
	svc, st, _ := newRaffleFixture(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 10, 15, 4, 5, 0, DrawZone)
	mustCreate(t, st, models.Participant{Name: "Ana", Ticket: "00001", Email: "ana@example.com", City: "Córdoba", RegisteredAt: at})

	var buf bytes.Buffer
	if err := svc.WriteParticipantsCSV(ctx, &buf); err != nil {
		t.Fatalf("WriteParticipantsCSV: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte(utf8BOM)) {
		t.Fatal("expected a UTF-8 BOM")
	}
	rows, err := csv.NewReader(bytes.NewReader(buf.Bytes()[len(utf8BOM):])).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header and one row, got %d", len(rows))
	}
	row := rows[1]
	if row[0] != "Ana" || row[1] != "00001" || row[5] != "Córdoba" || row[7] != "pending" {
		t.Fatalf("unexpected row %v", row)
	}
	if row[8] != "2024-05-10 15:04:05" || row[9] != "" {
		t.Fatalf("unexpected dates %q %q", row[8], row[9])
	}
}

func TestWriteResultsCSV(t *testing.T) {
	history := []models.DrawOutcome{
		{Date: "2024-05-09", OfficialNumber: "11111", PrizeLabel: "TV", Winners: []models.Participant{}},
		{Date: "2024-05-10", OfficialNumber: "01234", PrizeLabel: "Bici", Winners: []models.Participant{
			{Name: "Ana", Ticket: "01234", PaymentState: models.PaymentPaid},
			{Name: "Beto", Ticket: "01234", PaymentState: models.PaymentPaid},
		}},
	}
	var buf bytes.Buffer
	if err := WriteResultsCSV(&buf, history); err != nil {
		t.Fatalf("WriteResultsCSV: %v", err)
	}
	rows, err := csv.NewReader(strings.NewReader(strings.TrimPrefix(buf.String(), utf8BOM))).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected one row per winner plus header, got %d", len(rows))
	}
	if rows[1][0] != "2024-05-10" || rows[1][1] != "01234" || rows[1][2] != "Bici" || rows[2][3] != "Beto" {
		t.Fatalf("unexpected rows %v", rows[1:])
	}
}

func TestStateTransfer(t *testing.T) {
	ctx := context.Background()
	_, st, _ := newRaffleFixture(t)
	mustCreate(t, st, models.Participant{Name: "Ana", Ticket: "00001"})
	_ = st.SavePrizes(ctx, []string{"TV"})

	tr := NewStateTransfer(NewBackupService(t.TempDir(), 10, "Rifa", st, nil, testMetrics()))
	var buf bytes.Buffer
	if err := tr.Export(ctx, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	exported := buf.String()
	if !strings.Contains(exported, `"raffleName": "Rifa"`) || !strings.Contains(exported, `"00001"`) {
		t.Fatalf("unexpected export %s", exported)
	}

	other := newTestStore(t)
	tr2 := NewStateTransfer(NewBackupService(t.TempDir(), 10, "Rifa", other, nil, testMetrics()))
	res, err := tr2.Import(ctx, strings.NewReader(exported))
	if err != nil || res.Written != 1 {
		t.Fatalf("Import: %+v %v", res, err)
	}
	prizes, _ := other.Prizes(ctx)
	if len(prizes) != 1 || prizes[0] != "TV" {
		t.Fatalf("prizes not imported: %v", prizes)
	}

	if _, err := tr2.Import(ctx, strings.NewReader("not json")); !errors.Is(err, ErrInvalidBackup) {
		t.Fatalf("expected ErrInvalidBackup, got %v", err)
	}
	if all, _ := other.ListAll(ctx); len(all) != 1 {
		t.Fatalf("failed import changed state")
	}
}
