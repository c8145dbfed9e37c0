package scraper

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// Request is one page fetch.
type Request struct {
	URL       string
	Headers   map[string]string
	UserAgent string
}

// Result is a fetched page with the fields the page processor records.
type Result struct {
	URL         string         `json:"url"`
	FinalURL    string         `json:"finalUrl"`
	Status      int            `json:"status"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Language    string         `json:"language,omitempty"`
	Canonical   string         `json:"canonical,omitempty"`
	Headings    []string       `json:"headings,omitempty"`
	Links       []string       `json:"links,omitempty"`
	Markdown    string         `json:"markdown,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Engine      string         `json:"engine"`
	ElapsedMs   int64          `json:"elapsedMs"`

	HTML string `json:"-"`
}

// Scraper fetches a single page.
type Scraper interface {
	Scrape(ctx context.Context, req Request) (*Result, error)
}

// maxBody caps how much of a page is read into memory.
const maxBody = 5 << 20

// HTTPScraper is a basic implementation using net/http and goquery.
type HTTPScraper struct {
	client *http.Client
}

func NewHTTPScraper(client *http.Client) *HTTPScraper {
	if client == nil {
		client = NewHTTPClient(ClientOptions{})
	}
	return &HTTPScraper{client: client}
}

func (s *HTTPScraper) Scrape(ctx context.Context, req Request) (*Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}

	res := buildResult(u, resp.Request.URL, resp.StatusCode, string(body), "http")
	res.ElapsedMs = time.Since(start).Milliseconds()
	return res, nil
}

// buildResult parses html into a Result. Parse failures degrade to the
// raw status and best-effort markdown rather than an error.
func buildResult(requested, final *url.URL, status int, html, engine string) *Result {
	if final == nil {
		final = requested
	}
	res := &Result{
		URL:      requested.String(),
		FinalURL: final.String(),
		Status:   status,
		Engine:   engine,
		HTML:     html,
	}

	// CommonMark-enabled conversion first; plain text when it fails.
	converter := htmlmd.NewConverter(final.Hostname(), true, nil)
	markdown, mdErr := converter.ConvertString(html)
	if mdErr == nil {
		res.Markdown = markdown
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return res
	}
	if mdErr != nil {
		res.Markdown = strings.TrimSpace(doc.Text())
	}

	res.Title = strings.TrimSpace(doc.Find("title").First().Text())
	res.Description = strings.TrimSpace(doc.Find("meta[name=description]").AttrOr("content", ""))
	res.Language, _ = doc.Find("html").First().Attr("lang")

	if canonical := doc.Find("link[rel=canonical]").AttrOr("href", ""); canonical != "" {
		if cu, err := url.Parse(canonical); err == nil {
			res.Canonical = final.ResolveReference(cu).String()
		}
	}

	doc.Find("h1").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.Join(strings.Fields(sel.Text()), " "); text != "" {
			res.Headings = append(res.Headings, text)
		}
	})

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		linkURL, err := url.Parse(href)
		if err != nil {
			return
		}
		linkURL = final.ResolveReference(linkURL)
		if linkURL.Scheme != "http" && linkURL.Scheme != "https" {
			return
		}
		linkURL.Fragment = ""
		s := linkURL.String()
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		res.Links = append(res.Links, s)
	})

	res.Metadata = map[string]any{
		"keywords":      doc.Find("meta[name=keywords]").AttrOr("content", ""),
		"robots":        doc.Find("meta[name=robots]").AttrOr("content", ""),
		"ogTitle":       doc.Find("meta[property=og:title]").AttrOr("content", ""),
		"ogDescription": doc.Find("meta[property=og:description]").AttrOr("content", ""),
		"ogImage":       doc.Find("meta[property=og:image]").AttrOr("content", ""),
		"ogSiteName":    doc.Find("meta[property=og:site_name]").AttrOr("content", ""),
	}
	return res
}

// LooksLikeHTML reports whether text is markup rather than a plain text
// file, as when a site answers /ads.txt with its homepage.
func LooksLikeHTML(text string) bool {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "<html") || strings.Contains(lower, "<body") || strings.Contains(lower, "<div") {
		return true
	}
	if !strings.Contains(lower, "<") {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return false
	}
	// The parser always synthesises html/head/body; any element inside
	// body means real markup was present.
	return doc.Find("body *").Length() > 0 || doc.Find("head *").Length() > 0
}
