package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

const headingLimit = 10

// FetchError is a per-URL failure. Ingestion logs and skips it; a batch is
// never aborted by one bad URL.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// Result carries the extracted page content and source metadata.
type Result struct {
	URL       string
	Title     string
	Text      string
	Headings  []string
	FetchedAt time.Time
}

type Config struct {
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Client fetches pages over HTTP with a per-host rate limit and extracts
// normalized text.
type Client struct {
	http     *http.Client
	cfg      Config
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func (c *Client) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	doc.Find("script, style, noscript").Remove()

	text := strings.TrimSpace(whitespaceRe.ReplaceAllString(doc.Text(), " "))

	title := strings.TrimSpace(doc.Find("title").First().Text())

	// Headings in level order, most important first.
	var headings []string
	for _, level := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		doc.Find(level).Each(func(_ int, s *goquery.Selection) {
			if len(headings) >= headingLimit {
				return
			}
			h := strings.TrimSpace(whitespaceRe.ReplaceAllString(s.Text(), " "))
			if h != "" {
				headings = append(headings, h)
			}
		})
		if len(headings) >= headingLimit {
			break
		}
	}
	if title == "" && len(headings) > 0 {
		title = headings[0]
	}

	slog.DebugContext(ctx, "fetched page", "url", rawURL, "text_len", len(text), "headings", len(headings))

	return &Result{
		URL:       rawURL,
		Title:     title,
		Text:      text,
		Headings:  headings,
		FetchedAt: c.now().UTC(),
	}, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.RPS), c.cfg.Burst)
		c.limiters[host] = l
	}
	return l
}
