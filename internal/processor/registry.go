package processor

import (
	"sort"
	"sync"
	"time"

	"scrapehub/internal/config"
	"scrapehub/internal/jobs"
	"scrapehub/internal/scraper"
)

// Kinds served by the default registry.
const (
	KindAdsTxt = "adstxt"
	KindPage   = "page"
)

// Registry maps job kinds to processors. It satisfies jobs.Processors.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]jobs.ItemProcessor
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]jobs.ItemProcessor)}
}

// Register adds or replaces the processor for kind.
func (r *Registry) Register(kind string, p jobs.ItemProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[kind] = p
}

func (r *Registry) Lookup(kind string) (jobs.ItemProcessor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[kind]
	return p, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.procs))
	for k := range r.procs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// NewDefaultRegistry wires the adstxt and page processors from cfg.
func NewDefaultRegistry(cfg *config.Config) *Registry {
	timeout := config.Duration(cfg.Scraper.TimeoutMs)
	client := scraper.NewHTTPClient(scraper.ClientOptions{
		Timeout:            timeout,
		InsecureSkipVerify: !cfg.Scraper.VerifyTLS,
	})

	var s scraper.Scraper = scraper.NewHTTPScraper(client)
	if cfg.Rod.Enabled {
		s = scraper.NewRodScraper(cfg.Rod.BrowserURL, timeout)
	}

	var robots RobotsGate
	if cfg.Robots.Respect {
		ttl := time.Duration(cfg.Robots.CacheTTLMinutes) * time.Minute
		robots = scraper.NewRobotsChecker(client, cfg.Scraper.UserAgent, ttl)
	}

	reg := NewRegistry()
	reg.Register(KindAdsTxt, NewAdsTxt(client, cfg.Scraper.UserAgent, cfg.Scraper.MaxContentChars))
	reg.Register(KindPage, NewPage(s, robots, PageOptions{
		UserAgent:       cfg.Scraper.UserAgent,
		MaxLinks:        cfg.Scraper.MaxLinks,
		SameDomainLinks: cfg.Scraper.SameDomainLinks,
	}))
	return reg
}
