package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const samplePage = `<!doctype html>
<html lang="en">
<head>
  <title> Example Site </title>
  <meta name="description" content="A site used in tests">
  <meta property="og:title" content="OG Example">
  <link rel="canonical" href="/home">
</head>
<body>
  <h1>Welcome   home</h1>
  <p>Hello <b>world</b></p>
  <a href="/about">About</a>
  <a href="/about#team">Team</a>
  <a href="https://other.example/x">Other</a>
  <a href="mailto:hi@example.com">Mail</a>
  <a href="#top">Top</a>
</body>
</html>`

func TestHTTPScraperExtractsFields(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	s := NewHTTPScraper(srv.Client())
	res, err := s.Scrape(context.Background(), Request{URL: srv.URL, UserAgent: "scrapehub-test"})
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}

	if gotUA != "scrapehub-test" {
		t.Fatalf("expected user agent to be sent, got %q", gotUA)
	}
	if res.Status != http.StatusOK || res.Engine != "http" {
		t.Fatalf("unexpected status/engine: %d %s", res.Status, res.Engine)
	}
	if res.Title != "Example Site" {
		t.Fatalf("Title = %q", res.Title)
	}
	if res.Description != "A site used in tests" || res.Language != "en" {
		t.Fatalf("unexpected description/lang: %q %q", res.Description, res.Language)
	}
	if res.Canonical != srv.URL+"/home" {
		t.Fatalf("Canonical = %q", res.Canonical)
	}
	if len(res.Headings) != 1 || res.Headings[0] != "Welcome home" {
		t.Fatalf("Headings = %v", res.Headings)
	}
	// Fragment variants collapse; mailto and fragment-only links drop.
	if len(res.Links) != 2 {
		t.Fatalf("expected 2 links, got %v", res.Links)
	}
	if res.Metadata["ogTitle"] != "OG Example" {
		t.Fatalf("ogTitle = %v", res.Metadata["ogTitle"])
	}
	if !strings.Contains(res.Markdown, "**world**") {
		t.Fatalf("expected markdown conversion, got %q", res.Markdown)
	}
}

func TestHTTPScraperFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><title>new</title></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := NewHTTPScraper(srv.Client()).Scrape(context.Background(), Request{URL: srv.URL + "/old"})
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if res.FinalURL != srv.URL+"/new" || res.URL != srv.URL+"/old" {
		t.Fatalf("unexpected urls: %s -> %s", res.URL, res.FinalURL)
	}
}

func TestLooksLikeHTML(t *testing.T) {
	cases := map[string]bool{
		"google.com, pub-1, DIRECT, f08c47fec0942fa0": false,
		"<HTML><body>hi</body></HTML>":                true,
		"<div>x</div>":                                true,
		"<p>paragraph</p>":                            true,
		"# comment with a < sign":                     false,
		"":                                            false,
	}
	for in, want := range cases {
		if got := LooksLikeHTML(in); got != want {
			t.Fatalf("LooksLikeHTML(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	u, err := NormalizeURL(`  "example.com/path" `)
	if err != nil {
		t.Fatalf("NormalizeURL: %v", err)
	}
	if u.String() != "https://example.com/path" {
		t.Fatalf("got %s", u)
	}
	if u, _ := NormalizeURL("http://plain.example"); u.Scheme != "http" {
		t.Fatalf("expected explicit scheme kept, got %s", u.Scheme)
	}
	if _, err := NormalizeURL("   "); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := NormalizeURL("https://"); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func TestDescribe(t *testing.T) {
	if got := Describe(nil); got != "OK" {
		t.Fatalf("Describe(nil) = %q", got)
	}
	if got := Describe(context.DeadlineExceeded); got != "Timeout" {
		t.Fatalf("Describe(deadline) = %q", got)
	}
	if got := Describe(errors.New("boom")); got != "boom" {
		t.Fatalf("Describe(boom) = %q", got)
	}
}

func TestDetectHomepage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landing/page", http.StatusFound)
	})
	mux.HandleFunc("/landing/page", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	hp, err := DetectHomepage(context.Background(), srv.Client(), srv.URL+"/start", "")
	if err != nil {
		t.Fatalf("DetectHomepage: %v", err)
	}
	if hp.URL != srv.URL+"/" || hp.Detection != "OK" {
		t.Fatalf("unexpected homepage: %+v", hp)
	}
}

func TestDetectHomepageUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client := NewHTTPClient(ClientOptions{Timeout: time.Second})
	if _, err := DetectHomepage(context.Background(), client, addr, ""); err == nil {
		t.Fatalf("expected error for closed server")
	}
}

func TestRobotsChecker(t *testing.T) {
	var fetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rc := NewRobotsChecker(srv.Client(), "scrapehub", time.Hour)
	ctx := context.Background()

	open, _ := url.Parse(srv.URL + "/public/page")
	closed, _ := url.Parse(srv.URL + "/private/page")
	if !rc.Allowed(ctx, open) {
		t.Fatalf("expected /public allowed")
	}
	if rc.Allowed(ctx, closed) {
		t.Fatalf("expected /private disallowed")
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("expected robots.txt cached per host, fetched %d times", n)
	}
}

func TestRobotsCheckerMissingFileAllows(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rc := NewRobotsChecker(srv.Client(), "scrapehub", time.Hour)
	target, _ := url.Parse(srv.URL + "/anything")
	if !rc.Allowed(context.Background(), target) {
		t.Fatalf("expected missing robots.txt to allow")
	}
}

func TestFilterLinks(t *testing.T) {
	links := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://other.com/x",
		"",
	}

	filtered := FilterLinks(links, "https://example.com/base", true, 0)
	if len(filtered) != 2 {
		t.Fatalf("expected 2 same-domain links, got %v", filtered)
	}

	filtered = FilterLinks(links, "https://example.com/base", false, 1)
	if len(filtered) != 1 {
		t.Fatalf("expected cap of 1, got %v", filtered)
	}
}
