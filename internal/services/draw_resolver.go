package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/logger"
	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"

	"raffle/internal/observability"
)

// DrawZone is the fixed UTC-3 offset the nightly lottery is drawn in.
var DrawZone = time.FixedZone("ART", -3*60*60)

const (
	drawHour   = 21
	drawMinute = 30

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

// NextDrawInstant returns today's 21:30 in DrawZone if it is still ahead of
// now, otherwise tomorrow's.
func NextDrawInstant(now time.Time) time.Time {
	local := now.In(DrawZone)
	draw := time.Date(local.Year(), local.Month(), local.Day(), drawHour, drawMinute, 0, 0, DrawZone)
	if !draw.After(local) {
		draw = draw.AddDate(0, 0, 1)
	}
	return draw
}

// TimeUntilDraw is the countdown to the next draw.
func TimeUntilDraw(now time.Time) time.Duration {
	return NextDrawInstant(now).Sub(now)
}

// ExtractStrategy looks for the winning number in a parsed results page.
type ExtractStrategy struct {
	Name    string
	Extract func(doc *html.Node) (string, bool)
}

var (
	standaloneFive = regexp.MustCompile(`\b\d{5}\b`)
	digitsOnly     = regexp.MustCompile(`\D`)
)

// DefaultStrategies tries, in order: the element tagged as the result
// (span.numero), any span holding a standalone 5 digit token, then any div.
func DefaultStrategies() []ExtractStrategy {
	return []ExtractStrategy{
		{Name: "tagged", Extract: taggedNumber("span", "numero")},
		{Name: "span-scan", Extract: scanElements("span")},
		{Name: "div-scan", Extract: scanElements("div")},
	}
}

func taggedNumber(tag, class string) func(*html.Node) (string, bool) {
	return func(doc *html.Node) (string, bool) {
		var found string
		walk(doc, func(n *html.Node) bool {
			if n.Type != html.ElementNode || n.Data != tag || !hasClass(n, class) {
				return true
			}
			if digits := digitsOnly.ReplaceAllString(nodeText(n), ""); len(digits) == 5 {
				found = digits
				return false
			}
			return true
		})
		return found, found != ""
	}
}

func scanElements(tag string) func(*html.Node) (string, bool) {
	return func(doc *html.Node) (string, bool) {
		var found string
		walk(doc, func(n *html.Node) bool {
			if n.Type != html.ElementNode || n.Data != tag {
				return true
			}
			if m := standaloneFive.FindString(nodeText(n)); m != "" {
				found = m
				return false
			}
			return true
		})
		return found, found != ""
	}
}

// walk visits nodes depth first until visit returns false.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

// nodeText concatenates the text nodes below n, separated by spaces so that
// adjacent elements do not merge into one token.
func nodeText(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return b.String()
}

// ExtractOfficialNumber parses page and runs strategies in order; the first
// match wins.
func ExtractOfficialNumber(page io.Reader, strategies []ExtractStrategy) (string, string, bool) {
	doc, err := html.Parse(page)
	if err != nil {
		return "", "", false
	}
	for _, s := range strategies {
		if n, ok := s.Extract(doc); ok {
			return n, s.Name, true
		}
	}
	return "", "", false
}

// DrawResolverConfig configures where and how often the results page is read.
type DrawResolverConfig struct {
	URL      string
	CacheTTL time.Duration
	Timeout  time.Duration
}

// DrawResolver fetches the official winning number. Lookups are cached for a
// few minutes and concurrent lookups share one request.
type DrawResolver struct {
	cfg        DrawResolverConfig
	client     *http.Client
	strategies []ExtractStrategy
	metrics    *observability.Metrics
	group      singleflight.Group
	now        func() time.Time

	mu       sync.Mutex
	number   string
	resolved bool
	expires  time.Time
}

func NewDrawResolver(cfg DrawResolverConfig, metrics *observability.Metrics) *DrawResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &DrawResolver{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		strategies: DefaultStrategies(),
		metrics:    metrics,
		now:        time.Now,
	}
}

type drawLookup struct {
	number   string
	resolved bool
}

// FetchOfficialNumber returns the published winning number, or false when
// the page cannot be fetched or holds no recognizable number.
func (r *DrawResolver) FetchOfficialNumber(ctx context.Context) (string, bool) {
	r.mu.Lock()
	if r.now().Before(r.expires) {
		n, ok := r.number, r.resolved
		r.mu.Unlock()
		return n, ok
	}
	r.mu.Unlock()

	v, _, _ := r.group.Do("official-number", func() (any, error) {
		number, err := r.fetch(ctx)
		if err != nil {
			logger.Errorf("draw: fetch official number: %v", err)
			r.metrics.DrawFetches.WithLabelValues("error").Inc()
		} else if number == "" {
			logger.Warningf("draw: no 5 digit number found at %s", r.cfg.URL)
			r.metrics.DrawFetches.WithLabelValues("unresolved").Inc()
		} else {
			r.metrics.DrawFetches.WithLabelValues("resolved").Inc()
		}
		res := drawLookup{number: number, resolved: number != ""}

		r.mu.Lock()
		r.number, r.resolved = res.number, res.resolved
		r.expires = r.now().Add(r.cfg.CacheTTL)
		r.mu.Unlock()
		return res, nil
	})
	res := v.(drawLookup)
	return res.number, res.resolved
}

// Invalidate drops the cached lookup.
func (r *DrawResolver) Invalidate() {
	r.mu.Lock()
	r.expires = time.Time{}
	r.mu.Unlock()
}

func (r *DrawResolver) fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("results page status %d", resp.StatusCode)
	}

	number, strategy, ok := ExtractOfficialNumber(io.LimitReader(resp.Body, 4<<20), r.strategies)
	if !ok {
		return "", nil
	}
	logger.Infof("draw: official number %s found by %s strategy", number, strategy)
	return number, nil
}
