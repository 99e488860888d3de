package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextDrawInstant(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before the draw",
			now:  time.Date(2024, 5, 10, 20, 0, 0, 0, DrawZone),
			want: time.Date(2024, 5, 10, 21, 30, 0, 0, DrawZone),
		},
		{
			name: "after the draw",
			now:  time.Date(2024, 5, 10, 22, 0, 0, 0, DrawZone),
			want: time.Date(2024, 5, 11, 21, 30, 0, 0, DrawZone),
		},
		{
			name: "exactly at the draw",
			now:  time.Date(2024, 5, 10, 21, 30, 0, 0, DrawZone),
			want: time.Date(2024, 5, 11, 21, 30, 0, 0, DrawZone),
		},
		{
			name: "utc input across midnight",
			// 01:00 UTC on the 11th is 22:00 on the 10th in UTC-3.
			now:  time.Date(2024, 5, 11, 1, 0, 0, 0, time.UTC),
			want: time.Date(2024, 5, 11, 21, 30, 0, 0, DrawZone),
		},
		{
			name: "month end",
			now:  time.Date(2024, 1, 31, 23, 0, 0, 0, DrawZone),
			want: time.Date(2024, 2, 1, 21, 30, 0, 0, DrawZone),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDrawInstant(tt.now)
			if !got.Equal(tt.want) {
				t.Fatalf("NextDrawInstant(%v) = %v, want %v", tt.now, got, tt.want)
			}
			if d := TimeUntilDraw(tt.now); d <= 0 || d > 24*time.Hour {
				t.Fatalf("TimeUntilDraw out of range: %v", d)
			}
		})
	}
}

func TestExtractOfficialNumber(t *testing.T) {
	tests := []struct {
		name     string
		page     string
		want     string
		strategy string
		ok       bool
	}{
		{
			name:     "tagged element",
			page:     `<html><body><span>Sorteo 12345 anterior</span><span class="numero destacado">0 4 3 2 1</span></body></html>`,
			want:     "04321",
			strategy: "tagged",
			ok:       true,
		},
		{
			name:     "any span",
			page:     `<html><body><span>Fecha 10/05</span><span>Ganador: 98765</span></body></html>`,
			want:     "98765",
			strategy: "span-scan",
			ok:       true,
		},
		{
			name:     "div fallback",
			page:     `<html><body><div><p>Resultado</p><p>55512</p></div></body></html>`,
			want:     "55512",
			strategy: "div-scan",
			ok:       true,
		},
		{
			name:     "six digits are not a match",
			page:     `<html><body><span>123456</span><div>Sin datos</div></body></html>`,
			ok:       false,
		},
		{
			name: "empty page",
			page: ``,
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, strategy, ok := ExtractOfficialNumber(strings.NewReader(tt.page), DefaultStrategies())
			if ok != tt.ok || got != tt.want {
				t.Fatalf("got (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
			if ok && strategy != tt.strategy {
				t.Errorf("expected strategy %s, got %s", tt.strategy, strategy)
			}
		})
	}
}

func newResultsServer(t *testing.T, body *atomic.Value, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.Contains(r.Header.Get("User-Agent"), "Mozilla") {
			t.Errorf("expected a browser user agent, got %q", r.Header.Get("User-Agent"))
		}
		fmt.Fprint(w, body.Load().(string))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDrawResolver_FetchOfficialNumber(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves and caches", func(t *testing.T) {
		var body atomic.Value
		var hits atomic.Int32
		body.Store(`<span class="numero">01234</span>`)
		srv := newResultsServer(t, &body, &hits)

		r := NewDrawResolver(DrawResolverConfig{URL: srv.URL, CacheTTL: 5 * time.Minute}, testMetrics())
		clock := time.Date(2024, 5, 10, 22, 0, 0, 0, DrawZone)
		r.now = func() time.Time { return clock }

		n, ok := r.FetchOfficialNumber(ctx)
		if !ok || n != "01234" {
			t.Fatalf("got (%q, %v)", n, ok)
		}

		body.Store(`<span class="numero">99999</span>`)
		clock = clock.Add(4 * time.Minute)
		if n, _ := r.FetchOfficialNumber(ctx); n != "01234" {
			t.Fatalf("expected cached number, got %q", n)
		}
		if hits.Load() != 1 {
			t.Fatalf("expected 1 fetch within ttl, got %d", hits.Load())
		}

		clock = clock.Add(2 * time.Minute)
		if n, _ := r.FetchOfficialNumber(ctx); n != "99999" {
			t.Fatalf("expected refreshed number, got %q", n)
		}

		body.Store(`<span class="numero">11111</span>`)
		r.Invalidate()
		if n, _ := r.FetchOfficialNumber(ctx); n != "11111" {
			t.Fatalf("expected number after invalidate, got %q", n)
		}
	})

	t.Run("unresolved page", func(t *testing.T) {
		var body atomic.Value
		var hits atomic.Int32
		body.Store(`<html><body><p>Resultados no disponibles</p></body></html>`)
		srv := newResultsServer(t, &body, &hits)

		r := NewDrawResolver(DrawResolverConfig{URL: srv.URL}, testMetrics())
		if n, ok := r.FetchOfficialNumber(ctx); ok || n != "" {
			t.Fatalf("expected unresolved, got (%q, %v)", n, ok)
		}
	})

	t.Run("http error is unresolved", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		r := NewDrawResolver(DrawResolverConfig{URL: srv.URL}, testMetrics())
		if _, ok := r.FetchOfficialNumber(ctx); ok {
			t.Fatal("expected unresolved on a 502")
		}
	})

	t.Run("concurrent lookups share a fetch", func(t *testing.T) {
		release := make(chan struct{})
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			<-release
			fmt.Fprint(w, `<span class="numero">22222</span>`)
		}))
		defer srv.Close()

		r := NewDrawResolver(DrawResolverConfig{URL: srv.URL}, testMetrics())
		var wg sync.WaitGroup
		results := make([]string, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = r.FetchOfficialNumber(ctx)
			}(i)
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		for i, n := range results {
			if n != "22222" {
				t.Fatalf("lookup %d got %q", i, n)
			}
		}
		if hits.Load() != 1 {
			t.Fatalf("expected a single fetch, got %d", hits.Load())
		}
	})
}
