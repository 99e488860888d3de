package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"raffle/internal/models"
)

// fakeMercadoPago serves checkout preferences and payment lookups.
type fakeMercadoPago struct {
	mu          sync.Mutex
	payments    map[string]paymentDetails
	preferences []preferenceRequest
	failPrefs   bool
	lookups     int
}

func (f *fakeMercadoPago) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/checkout/preferences", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failPrefs {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req preferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode preference: %v", err)
		}
		f.preferences = append(f.preferences, req)
		_ = json.NewEncoder(w).Encode(preferenceResponse{ID: "pref-1", InitPoint: "https://mp.example/checkout/" + req.ExternalReference})
	})
	mux.HandleFunc("/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lookups++
		id := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
		p, ok := f.payments[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(p)
	})
	return mux
}

func newPaymentFixture(t *testing.T) (*PaymentService, *fakeMercadoPago, *httptest.Server) {
	t.Helper()
	mp := &fakeMercadoPago{payments: map[string]paymentDetails{}}
	srv := httptest.NewServer(mp.handler(t))
	t.Cleanup(srv.Close)

	st := newTestStore(t)
	svc := NewPaymentService(PaymentConfig{
		AccessToken: "test-token",
		BaseURL:     srv.URL,
		PublicURL:   "https://raffle.example",
		FallbackURL: "https://mpago.la/generic",
		RaffleName:  "Rifa Solidaria",
		Timeout:     2 * time.Second,
	}, st, testMetrics())
	return svc, mp, srv
}

func paymentEvent(id string) PaymentEvent {
	var ev PaymentEvent
	ev.Type = "payment"
	ev.Data.ID = EventID(id)
	return ev
}

func TestPaymentService_CreatePaymentRequest(t *testing.T) {
	t.Run("provider link", func(t *testing.T) {
		svc, mp, _ := newPaymentFixture(t)
		link := svc.CreatePaymentRequest(context.Background(), "01234", "Ana María Gómez", "ana@example.com", decimal.NewFromInt(30000))
		if link != "https://mp.example/checkout/01234" {
			t.Fatalf("unexpected link %q", link)
		}
		if len(mp.preferences) != 1 {
			t.Fatalf("expected 1 preference, got %d", len(mp.preferences))
		}
		pref := mp.preferences[0]
		if pref.Payer.Name != "Ana" || pref.Payer.Surname != "María Gómez" {
			t.Errorf("unexpected payer %+v", pref.Payer)
		}
		if pref.Items[0].UnitPrice != 30000 || pref.Items[0].CurrencyID != "ARS" {
			t.Errorf("unexpected item %+v", pref.Items[0])
		}
		if pref.NotificationURL != "https://raffle.example/webhook" {
			t.Errorf("unexpected notification url %q", pref.NotificationURL)
		}
		if !strings.Contains(pref.BackURLs["success"], "ticket=01234") {
			t.Errorf("success url should carry the ticket: %q", pref.BackURLs["success"])
		}
	})

	t.Run("provider failure falls back", func(t *testing.T) {
		svc, mp, _ := newPaymentFixture(t)
		mp.failPrefs = true
		link := svc.CreatePaymentRequest(context.Background(), "01234", "Ana", "ana@example.com", decimal.NewFromInt(100))
		if link != "https://mpago.la/generic" {
			t.Fatalf("expected fallback link, got %q", link)
		}
	})

	t.Run("no token falls back without a request", func(t *testing.T) {
		svc, mp, _ := newPaymentFixture(t)
		svc.cfg.AccessToken = ""
		link := svc.CreatePaymentRequest(context.Background(), "01234", "Ana", "", decimal.NewFromInt(100))
		if link != svc.FallbackURL() {
			t.Fatalf("expected fallback link, got %q", link)
		}
		if len(mp.preferences) != 0 {
			t.Fatalf("expected no provider call, got %d", len(mp.preferences))
		}
	})
}

func TestPaymentService_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("approved payment is applied once", func(t *testing.T) {
		svc, mp, _ := newPaymentFixture(t)
		st := svc.store
		if _, err := st.Create(ctx, models.Participant{Name: "Ana", Ticket: "01234"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		mp.payments["987"] = paymentDetails{ID: "987", Status: "approved", ExternalReference: "01234", PaymentMethodID: "visa"}

		res, err := svc.Reconcile(ctx, paymentEvent("987"))
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if res.Status != ReconcileApplied || res.Ticket != "01234" {
			t.Fatalf("unexpected result %+v", res)
		}
		p, _ := st.Get(ctx, "01234")
		if !p.IsPaid() || p.PaidAt == nil || p.PaymentReference != "987" || p.PaymentMethod != "visa" {
			t.Fatalf("participant not updated: %+v", p)
		}
		firstPaidAt := *p.PaidAt

		res, err = svc.Reconcile(ctx, paymentEvent("987"))
		if err != nil {
			t.Fatalf("second Reconcile: %v", err)
		}
		if res.Status != ReconcileAlreadyPaid {
			t.Fatalf("expected already_paid on redelivery, got %s", res.Status)
		}
		p, _ = st.Get(ctx, "01234")
		if !p.PaidAt.Equal(firstPaidAt) {
			t.Fatalf("redelivery changed paidAt: %v -> %v", firstPaidAt, *p.PaidAt)
		}
	})

	t.Run("unknown ticket", func(t *testing.T) {
		svc, mp, _ := newPaymentFixture(t)
		mp.payments["1"] = paymentDetails{ID: "1", Status: "approved", ExternalReference: "55555"}
		res, err := svc.Reconcile(ctx, paymentEvent("1"))
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if res.Status != ReconcileNotFound {
			t.Fatalf("expected not_found, got %s", res.Status)
		}
	})

	t.Run("non approved status is ignored", func(t *testing.T) {
		svc, mp, _ := newPaymentFixture(t)
		if _, err := svc.store.Create(ctx, models.Participant{Name: "Ana", Ticket: "01234"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		mp.payments["2"] = paymentDetails{ID: "2", Status: "pending", ExternalReference: "01234"}
		res, _ := svc.Reconcile(ctx, paymentEvent("2"))
		if res.Status != ReconcileNotApplicable {
			t.Fatalf("expected not_applicable, got %s", res.Status)
		}
		p, _ := svc.store.Get(ctx, "01234")
		if p.IsPaid() {
			t.Fatal("pending payment must not mark the ticket paid")
		}
	})

	t.Run("non payment events skip the provider", func(t *testing.T) {
		svc, mp, _ := newPaymentFixture(t)
		ev := paymentEvent("3")
		ev.Type = "merchant_order"
		res, err := svc.Reconcile(ctx, ev)
		if err != nil || res.Status != ReconcileNotApplicable {
			t.Fatalf("expected not_applicable, got %+v %v", res, err)
		}
		if mp.lookups != 0 {
			t.Fatalf("expected no lookup, got %d", mp.lookups)
		}
	})

	t.Run("provider failure is reported", func(t *testing.T) {
		svc, _, _ := newPaymentFixture(t)
		res, err := svc.Reconcile(ctx, paymentEvent("missing"))
		if err == nil {
			t.Fatal("expected an error for a failed lookup")
		}
		if res.Status != ReconcileFailed {
			t.Fatalf("expected failed, got %s", res.Status)
		}
	})
}

func TestPaymentService_MarkPaid(t *testing.T) {
	svc, _, _ := newPaymentFixture(t)
	ctx := context.Background()
	if _, err := svc.store.Create(ctx, models.Participant{Name: "Ana", Ticket: "00042"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := svc.MarkPaid(ctx, "42", "")
	if err != nil || res.Status != ReconcileApplied {
		t.Fatalf("MarkPaid: %+v %v", res, err)
	}
	p, _ := svc.store.Get(ctx, "00042")
	if p.PaymentMethod != "manual" {
		t.Errorf("expected manual method, got %q", p.PaymentMethod)
	}

	res, _ = svc.MarkPaid(ctx, "00042", "cash")
	if res.Status != ReconcileAlreadyPaid {
		t.Fatalf("expected already_paid, got %s", res.Status)
	}
}

func TestEventID_AcceptsStringAndNumber(t *testing.T) {
	for _, body := range []string{`{"type":"payment","data":{"id":"123"}}`, `{"type":"payment","data":{"id":123}}`} {
		var ev PaymentEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			t.Fatalf("unmarshal %s: %v", body, err)
		}
		if ev.Data.ID != "123" {
			t.Errorf("%s: expected id 123, got %q", body, ev.Data.ID)
		}
	}

	var ev PaymentEvent
	if err := json.Unmarshal([]byte(`{"data":{"id":{}}}`), &ev); err == nil {
		t.Fatal("expected an error for an object id")
	}
}
