package scraper

import (
	"net/url"
	"strings"
)

// FilterLinks applies the configured link filters to a scraped page.
// sameDomainOnly keeps links whose host matches baseURL's host;
// max > 0 caps the number returned.
func FilterLinks(links []string, baseURL string, sameDomainOnly bool, max int) []string {
	if len(links) == 0 {
		return links
	}

	filtered := make([]string, 0, len(links))

	var baseHost string
	if sameDomainOnly {
		if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
			baseHost = strings.ToLower(u.Hostname())
		} else {
			// Unparseable base: only the cap applies.
			sameDomainOnly = false
		}
	}

	for _, link := range links {
		if link == "" {
			continue
		}
		if sameDomainOnly {
			lu, err := url.Parse(link)
			if err != nil || strings.ToLower(lu.Hostname()) != baseHost {
				continue
			}
		}

		filtered = append(filtered, link)
		if max > 0 && len(filtered) >= max {
			break
		}
	}
	return filtered
}
