package scraper

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	robotstxt "github.com/temoto/robotstxt"
)

// RobotsChecker answers whether a URL may be fetched, caching one
// robots.txt per scheme+host. A robots.txt that cannot be fetched allows
// everything.
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

func NewRobotsChecker(client *http.Client, userAgent string, ttl time.Duration) *RobotsChecker {
	if client == nil {
		client = NewHTTPClient(ClientOptions{})
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]robotsEntry),
	}
}

// Allowed reports whether target may be fetched by the checker's agent.
func (r *RobotsChecker) Allowed(ctx context.Context, target *url.URL) bool {
	key := target.Scheme + "://" + target.Host

	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()

	if !ok || r.now().Sub(entry.fetched) > r.ttl {
		data, err := fetchRobots(ctx, r.client, target, r.userAgent)
		if err != nil {
			data = nil
		}
		entry = robotsEntry{data: data, fetched: r.now()}
		r.mu.Lock()
		r.cache[key] = entry
		r.mu.Unlock()
	}

	if entry.data == nil {
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return entry.data.TestAgent(path, r.userAgent)
}

func fetchRobots(ctx context.Context, client *http.Client, base *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	robotsURL := &url.URL{
		Scheme: base.Scheme,
		Host:   base.Host,
		Path:   "/robots.txt",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, err
	}

	// FromStatusAndBytes treats 4xx as allow-all and 5xx as disallow-all.
	return robotstxt.FromStatusAndBytes(resp.StatusCode, body)
}
