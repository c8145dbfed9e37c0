package processor

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"scrapehub/internal/jobs"
	"scrapehub/internal/scraper"
)

// Check names recorded for every ads.txt item.
const (
	CheckAdsTxt    = "ads_txt"
	CheckAppAdsTxt = "app_ads_txt"
)

// FileCheck is the outcome of fetching one well-known text file.
type FileCheck struct {
	URL        string `json:"url"`
	StatusCode *int   `json:"status_code"`
	ResultText string `json:"result_text"`
	Content    string `json:"content"`
	HasHTML    string `json:"has_html"`
	TimeMs     int64  `json:"time_ms"`
}

// AdsTxtResult is the payload stored for one site.
type AdsTxtResult struct {
	OriginalURL       string     `json:"original_url"`
	HomepageURL       string     `json:"homepage_url,omitempty"`
	HomepageDetection string     `json:"homepage_detection"`
	AdsTxt            *FileCheck `json:"ads_txt,omitempty"`
	AppAdsTxt         *FileCheck `json:"app_ads_txt,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// AdsTxt resolves each item to its homepage and checks /ads.txt and
// /app-ads.txt on it.
type AdsTxt struct {
	client     *http.Client
	userAgent  string
	maxContent int
}

func NewAdsTxt(client *http.Client, userAgent string, maxContent int) *AdsTxt {
	if client == nil {
		client = scraper.NewHTTPClient(scraper.ClientOptions{InsecureSkipVerify: true})
	}
	if maxContent <= 0 {
		maxContent = 500
	}
	return &AdsTxt{client: client, userAgent: userAgent, maxContent: maxContent}
}

// Process never fails for an unreachable site: the failure is recorded in
// the payload and both checks are marked non-definitive so a retry job
// picks the item up again.
func (a *AdsTxt) Process(ctx context.Context, item string) (*jobs.ItemOutput, error) {
	hp, err := scraper.DetectHomepage(ctx, a.client, item, a.userAgent)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detection := scraper.Describe(err)
		return &jobs.ItemOutput{
			Payload: AdsTxtResult{
				OriginalURL:       item,
				HomepageDetection: detection,
				Error:             "Homepage detection failed: " + detection,
			},
			Checks: []jobs.Check{
				{Name: CheckAdsTxt, Status: detection},
				{Name: CheckAppAdsTxt, Status: detection},
			},
		}, nil
	}

	ads := a.checkFile(ctx, hp.URL+"ads.txt")
	appAds := a.checkFile(ctx, hp.URL+"app-ads.txt")
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return &jobs.ItemOutput{
		Payload: AdsTxtResult{
			OriginalURL:       item,
			HomepageURL:       hp.URL,
			HomepageDetection: hp.Detection,
			AdsTxt:            &ads,
			AppAdsTxt:         &appAds,
		},
		Checks: []jobs.Check{fileCheck(CheckAdsTxt, ads), fileCheck(CheckAppAdsTxt, appAds)},
	}, nil
}

// fileCheck maps a fetch to a check. A 200 and a 404 are both final
// answers; anything else may change on retry.
func fileCheck(name string, fc FileCheck) jobs.Check {
	c := jobs.Check{Name: name, Status: fc.ResultText}
	if fc.StatusCode != nil {
		switch *fc.StatusCode {
		case http.StatusOK:
			c.OK, c.Definitive = true, true
		case http.StatusNotFound:
			c.Definitive = true
		}
	}
	return c
}

func (a *AdsTxt) checkFile(ctx context.Context, target string) FileCheck {
	fc := FileCheck{URL: target, ResultText: "Error", HasHTML: "No"}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		fc.ResultText = err.Error()
		return fc
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		fc.TimeMs = time.Since(start).Milliseconds()
		fc.ResultText = scraper.Describe(err)
		return fc
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	fc.StatusCode = &status
	if status != http.StatusOK {
		fc.TimeMs = time.Since(start).Milliseconds()
		fc.ResultText = "HTTP " + strconv.Itoa(status)
		return fc
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	fc.TimeMs = time.Since(start).Milliseconds()
	if err != nil {
		fc.ResultText = scraper.Describe(err)
		return fc
	}

	text := string(body)
	fc.ResultText = "OK"
	fc.Content = truncate(text, a.maxContent)
	if scraper.LooksLikeHTML(text) {
		fc.HasHTML = "Yes"
	}
	return fc
}

// truncate keeps the first max runes of s, marking the cut with "...".
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
