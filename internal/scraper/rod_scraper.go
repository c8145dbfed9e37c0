package scraper

import (
	"context"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// RodScraper uses a real browser (via rod) to render JS-heavy pages
// before extracting fields.
type RodScraper struct {
	BrowserURL string
	Timeout    time.Duration
}

func NewRodScraper(browserURL string, timeout time.Duration) *RodScraper {
	return &RodScraper{BrowserURL: browserURL, Timeout: timeout}
}

func (r *RodScraper) Scrape(ctx context.Context, req Request) (*Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Prepare browser with context and timeout
	browser := rod.New().Context(ctx).Timeout(timeout)
	if r.BrowserURL != "" {
		browser = browser.ControlURL(r.BrowserURL)
	}
	if err := browser.Connect(); err != nil {
		return nil, err
	}
	defer browser.MustClose()

	start := time.Now()
	page, err := browser.Page(proto.TargetCreateTarget{URL: u.String()})
	if err != nil {
		return nil, err
	}
	defer page.MustClose()

	if req.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: req.UserAgent}); err != nil {
			return nil, err
		}
	}
	if err := page.WaitLoad(); err != nil {
		return nil, err
	}

	html, err := page.HTML()
	if err != nil {
		return nil, err
	}

	final := u
	if info, err := page.Info(); err == nil && info.URL != "" {
		if fu, err := url.Parse(info.URL); err == nil {
			final = fu
		}
	}

	// The DevTools page API does not expose the document status; a
	// rendered page is reported as 200.
	res := buildResult(u, final, 200, html, "browser")
	res.ElapsedMs = time.Since(start).Milliseconds()
	return res, nil
}
