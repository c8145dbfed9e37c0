package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Homepage is the site root an input URL resolves to after redirects.
type Homepage struct {
	URL       string `json:"url"`
	Detection string `json:"detection"`
}

// DetectHomepage follows redirects from raw and returns scheme://host/ of
// the final response. When the https attempt fails on TLS, it retries
// once over plain http.
func DetectHomepage(ctx context.Context, client *http.Client, raw, userAgent string) (Homepage, error) {
	u, err := NormalizeURL(raw)
	if err != nil {
		return Homepage{}, err
	}

	final, err := resolveFinal(ctx, client, u.String(), userAgent)
	if err == nil {
		return Homepage{URL: rootOf(final), Detection: "OK"}, nil
	}
	if u.Scheme != "https" || !IsTLSError(err) {
		return Homepage{}, fmt.Errorf("%s: %w", Describe(err), err)
	}

	plain := *u
	plain.Scheme = "http"
	final, err = resolveFinal(ctx, client, plain.String(), userAgent)
	if err != nil {
		return Homepage{}, fmt.Errorf("SSL Error: %w", err)
	}
	return Homepage{URL: rootOf(final), Detection: "OK (HTTP fallback)"}, nil
}

func resolveFinal(ctx context.Context, client *http.Client, target, userAgent string) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
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
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.Request.URL, nil
}

func rootOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host + "/"
}
