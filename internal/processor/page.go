package processor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"scrapehub/internal/jobs"
	"scrapehub/internal/scraper"
)

// Check names recorded for every page item.
const (
	CheckFetch = "fetch"
	CheckTitle = "title"
)

// RobotsGate decides whether a URL may be fetched.
type RobotsGate interface {
	Allowed(ctx context.Context, target *url.URL) bool
}

// PageOptions configures the page processor.
type PageOptions struct {
	UserAgent       string
	MaxLinks        int
	SameDomainLinks bool
}

// Page fetches each item as a web page and records its fields.
type Page struct {
	scraper scraper.Scraper
	robots  RobotsGate
	opts    PageOptions
}

// NewPage builds a page processor. robots may be nil to skip the
// robots.txt gate.
func NewPage(s scraper.Scraper, robots RobotsGate, opts PageOptions) *Page {
	return &Page{scraper: s, robots: robots, opts: opts}
}

// Process returns an error for transport failures and for 5xx or 429
// responses, which count toward auto-pause. Other 4xx answers are
// recorded as definitive non-OK results.
func (p *Page) Process(ctx context.Context, item string) (*jobs.ItemOutput, error) {
	u, err := scraper.NormalizeURL(item)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", item, err)
	}

	if p.robots != nil && !p.robots.Allowed(ctx, u) {
		return &jobs.ItemOutput{
			Payload: map[string]any{"url": u.String(), "blocked": "robots.txt"},
			Checks: []jobs.Check{
				{Name: CheckFetch, Definitive: true, Status: "Blocked by robots.txt"},
			},
		}, nil
	}

	res, err := p.scraper.Scrape(ctx, scraper.Request{URL: u.String(), UserAgent: p.opts.UserAgent})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", scraper.Describe(err), err)
	}
	if res.Status >= 500 || res.Status == http.StatusTooManyRequests {
		return nil, fmt.Errorf("HTTP %d from %s", res.Status, res.FinalURL)
	}

	res.Links = scraper.FilterLinks(res.Links, res.FinalURL, p.opts.SameDomainLinks, p.opts.MaxLinks)

	fetch := jobs.Check{Name: CheckFetch, Definitive: true, Status: fmt.Sprintf("HTTP %d", res.Status)}
	if res.Status < 400 {
		fetch.OK = true
		fetch.Status = "OK"
	}
	title := jobs.Check{Name: CheckTitle, OK: res.Title != "", Definitive: true}

	return &jobs.ItemOutput{Payload: res, Checks: []jobs.Check{fetch, title}}, nil
}
