package configmodel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws-samples/personalization-apis-go/internal/apierrors"
)

// Fetcher retrieves the current raw configuration document bytes, typically
// by polling the config-distribution sidecar (procconfig.ConfigSidecarURL).
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// SidecarFetcher fetches the configuration document from the local
// AppConfig-style extension sidecar.
type SidecarFetcher struct {
	URL    string
	Client *http.Client
}

// NewSidecarFetcher builds a Fetcher against the given sidecar URL.
func NewSidecarFetcher(url string) *SidecarFetcher {
	return &SidecarFetcher{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (f *SidecarFetcher) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("configmodel: sidecar returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Provider is the ConfigProvider of spec.md §4.1: it holds the most
// recently fetched Document and serves it from cache until maxAge has
// elapsed, re-fetching (and replacing the cached document by pointer swap)
// on expiry. If a refresh fails and no prior snapshot exists, GetConfig
// returns a Configuration-class error; if a prior snapshot exists, the
// stale snapshot is served and the fetch error is discarded.
type Provider struct {
	fetcher Fetcher

	mu        sync.RWMutex
	doc       *Document
	fetchedAt time.Time
}

// NewProvider builds a Provider around the given Fetcher.
func NewProvider(fetcher Fetcher) *Provider {
	return &Provider{fetcher: fetcher}
}

// GetConfig returns the current Document, re-fetching it if the cached
// copy is older than maxAge. maxAge of zero forces a re-fetch every call.
func (p *Provider) GetConfig(ctx context.Context, maxAge time.Duration) (*Document, error) {
	p.mu.RLock()
	doc := p.doc
	fresh := doc != nil && time.Since(p.fetchedAt) < maxAge
	p.mu.RUnlock()

	if fresh {
		return doc, nil
	}

	raw, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.mu.RLock()
		stale := p.doc
		p.mu.RUnlock()
		if stale != nil {
			return stale, nil
		}
		return nil, apierrors.Misconfigured("config_fetch_failed", "unable to fetch configuration document and no cached copy is available").WithDetails(err.Error())
	}

	parsed, err := ParseDocument(raw)
	if err != nil {
		p.mu.RLock()
		stale := p.doc
		p.mu.RUnlock()
		if stale != nil {
			return stale, nil
		}
		return nil, apierrors.Misconfigured("config_parse_failed", "configuration document could not be parsed").WithDetails(err.Error())
	}

	p.mu.Lock()
	p.doc = parsed
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	return parsed, nil
}

// NamespaceConfig is a convenience wrapper combining GetConfig with
// Document.NamespaceConfig, returning a NotFound (Configuration-class, 404)
// error when the namespace isn't configured.
func (p *Provider) NamespaceConfig(ctx context.Context, maxAge time.Duration, namespace string) (Node, error) {
	doc, err := p.GetConfig(ctx, maxAge)
	if err != nil {
		return nil, err
	}
	ns, ok := doc.NamespaceConfig(namespace)
	if !ok {
		return nil, apierrors.NotFound("namespace_not_found", fmt.Sprintf("namespace %q is not configured", namespace))
	}
	return ns, nil
}

// RecommenderConfig is a convenience wrapper combining GetConfig with
// Document.RecommenderConfig, returning a NotFound (Configuration-class,
// 404) error when the recommender isn't configured under the
// namespace/action.
func (p *Provider) RecommenderConfig(ctx context.Context, maxAge time.Duration, namespace, recommender, action string) (Node, error) {
	doc, err := p.GetConfig(ctx, maxAge)
	if err != nil {
		return nil, err
	}
	rec, ok := doc.RecommenderConfig(namespace, recommender, action)
	if !ok {
		return nil, apierrors.NotFound("recommender_not_found", fmt.Sprintf("recommender %q is not configured under namespace %q", recommender, namespace))
	}
	return rec, nil
}
