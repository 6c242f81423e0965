package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/tidwall/gjson"

	"github.com/n0madic/go-chatrelay/internal/config"
	"github.com/n0madic/go-chatrelay/internal/types"
)

const catalogKey = "catalog"

const fetchTimeout = 15 * time.Second

// refreshRetryInterval spaces background refresh attempts while the
// upstream is failing.
const refreshRetryInterval = 30 * time.Second

// maxCatalogBytes bounds the catalog download.
const maxCatalogBytes = 8 * 1024 * 1024

// ErrEmptyCatalog is returned when the catalog holds no text-generation model.
var ErrEmptyCatalog = errors.New("models catalog has no text-generation models")

// Registry fetches the remote model catalog. The ristretto entry marks the
// catalog fresh for TTL; the last good catalog outlives it and is served
// while a background refresh runs or when the upstream is down.
type Registry struct {
	HTTP *http.Client
	URL  string
	TTL  time.Duration

	cache   *ristretto.Cache[string, []types.ModelEntry]
	fetchMu sync.Mutex // prevents concurrent fetches

	mu        sync.RWMutex
	last      []types.ModelEntry
	lastFetch time.Time

	refreshing atomic.Bool
	bg         sync.WaitGroup
}

// NewRegistry creates a registry for the catalog at url.
func NewRegistry(url string, ttl time.Duration, client *http.Client) (*Registry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []types.ModelEntry]{
		NumCounters:        100,
		MaxCost:            1 << 10,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating models cache: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	if ttl <= 0 {
		ttl = config.ModelsCacheTTLDefault
	}
	return &Registry{HTTP: client, URL: url, TTL: ttl, cache: cache}, nil
}

// Close waits for a background refresh and releases the cache.
func (r *Registry) Close() {
	r.bg.Wait()
	r.cache.Close()
}

// Models returns the catalog. A fresh catalog comes from the cache; a stale
// one is returned at once while a background refresh runs. Only when no
// fetch has ever succeeded does the call block on the upstream, and if that
// fails the static fallback is returned together with the error.
func (r *Registry) Models(ctx context.Context) ([]types.ModelEntry, error) {
	if cached, ok := r.cache.Get(catalogKey); ok {
		return cached, nil
	}
	if last, _ := r.lastGood(); len(last) > 0 {
		r.refreshInBackground()
		return last, nil
	}

	// First call: synchronous fetch with deduplication.
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	if last, _ := r.lastGood(); len(last) > 0 {
		return last, nil
	}
	models, err := r.doFetch(ctx)
	if err != nil {
		slog.Warn("models fetch failed, using static fallback", "error", err)
		return StaticFallback(), err
	}
	return models, nil
}

// Refresh fetches the catalog now. On failure the last good catalog, or the
// static fallback when there is none, is returned with the error.
func (r *Registry) Refresh(ctx context.Context) ([]types.ModelEntry, error) {
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	models, err := r.doFetch(ctx)
	if err == nil {
		return models, nil
	}
	if last, _ := r.lastGood(); len(last) > 0 {
		return last, err
	}
	return StaticFallback(), err
}

// FetchedAt reports when the catalog was last fetched successfully; zero
// when it never was.
func (r *Registry) FetchedAt() time.Time {
	_, at := r.lastGood()
	return at
}

func (r *Registry) lastGood() ([]types.ModelEntry, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.lastFetch
}

func (r *Registry) refreshInBackground() {
	if !r.refreshing.CompareAndSwap(false, true) {
		return
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		defer r.refreshing.Store(false)
		r.fetchMu.Lock()
		defer r.fetchMu.Unlock()
		if _, ok := r.cache.Get(catalogKey); ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if _, err := r.doFetch(ctx); err != nil {
			slog.Warn("models.refresh_failed", "error", err, "retry_in", r.retryInterval())
			// Serve the stale catalog as fresh until the next attempt.
			if last, _ := r.lastGood(); len(last) > 0 {
				r.cache.SetWithTTL(catalogKey, last, 1, r.retryInterval())
				r.cache.Wait()
			}
		}
	}()
}

func (r *Registry) retryInterval() time.Duration {
	return min(r.TTL, refreshRetryInterval)
}

// doFetch fetches the catalog and, on success, records it as the last good
// one. Caller must hold fetchMu.
func (r *Registry) doFetch(ctx context.Context) ([]types.ModelEntry, error) {
	models, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.last = models
	r.lastFetch = time.Now()
	r.mu.Unlock()
	r.cache.SetWithTTL(catalogKey, models, 1, r.TTL)
	r.cache.Wait()
	return models, nil
}

// List wraps Models in the {models, error} listing body.
func (r *Registry) List(ctx context.Context) types.ModelList {
	models, err := r.Models(ctx)
	list := types.ModelList{Models: models}
	if err != nil {
		list.Error = "Failed to fetch dynamic model list. Using fallback. Reason: " + err.Error()
	}
	return list
}

func (r *Registry) fetch(ctx context.Context) ([]types.ModelEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, err
	}
	config.ApplyDefaultHeaders(req.Header)

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return nil, err
	}
	return ParseCatalog(body)
}

// ParseCatalog extracts the text-generation models from a catalog body. It
// accepts a bare array or a {models:[...]} / {result:[...]} envelope; an
// entry qualifies by type "text-generation" or task name "Text Generation".
func ParseCatalog(body []byte) ([]types.ModelEntry, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("failed to parse models catalog")
	}
	root := gjson.ParseBytes(body)
	list := root
	if root.IsObject() {
		list = root.Get("models")
		if !list.IsArray() {
			list = root.Get("result")
		}
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("models catalog is not a list")
	}

	var out []types.ModelEntry
	list.ForEach(func(_, m gjson.Result) bool {
		name := strings.TrimSpace(m.Get("name").String())
		if name == "" || !isTextGeneration(m) {
			return true
		}
		entry := types.ModelEntry{Name: name, Description: m.Get("description").String()}
		if task := m.Get("task.name").String(); task != "" {
			entry.Task = &types.ModelTask{Name: task}
		}
		out = append(out, entry)
		return true
	})
	if len(out) == 0 {
		return nil, ErrEmptyCatalog
	}
	return out, nil
}

func isTextGeneration(m gjson.Result) bool {
	if strings.EqualFold(m.Get("type").String(), "text-generation") {
		return true
	}
	return strings.EqualFold(m.Get("task.name").String(), TaskTextGeneration)
}
