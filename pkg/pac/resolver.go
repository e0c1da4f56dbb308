package pac

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchError reports that no usable PAC script could be obtained from a
// source.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string { return fmt.Sprintf("pac fetch from %s: %v", e.Source, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// EvalError reports that a PAC script failed to execute for a target.
type EvalError struct {
	Source string
	Err    error
}

func (e *EvalError) Error() string { return fmt.Sprintf("pac evaluation (%s): %v", e.Source, e.Err) }
func (e *EvalError) Unwrap() error { return e.Err }

// Options configures a Resolver.
type Options struct {
	ExplicitURL    string        // configured PAC location; empty enables discovery
	WellKnownPaths []string      // local script locations tried when nothing else is advertised
	FetchTimeout   time.Duration // bound on a single script fetch
	ExecTimeout    time.Duration // bound on a single script evaluation
	TTL            time.Duration // how long a fetched script stays fresh
	Charset        string        // forced script charset, empty for auto-detection
}

// Document is a fetched PAC script with its freshness metadata.
type Document struct {
	Source    string
	Script    string
	FetchedAt time.Time
	TTL       time.Duration

	version string // Last-Modified header or file mtime
}

// Expired reports whether the document needs re-fetching.
func (d *Document) Expired(now time.Time) bool {
	return now.Sub(d.FetchedAt) >= d.TTL
}

// Resolver turns a target URL into a proxy Result: pick a script source,
// fetch honoring the TTL, evaluate in the engine, parse the directive list.
type Resolver struct {
	opts   Options
	engine *Engine
	fetch  *fetcher
	group  singleflight.Group

	mu   sync.RWMutex
	docs map[string]*Document
}

// NewResolver builds a Resolver. Zero durations in opts fall back to
// conservative defaults.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 5 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}

	engine, err := NewEngine(opts.ExecTimeout)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		opts:   opts,
		engine: engine,
		fetch:  newFetcher(opts.FetchTimeout, opts.Charset),
		docs:   make(map[string]*Document),
	}, nil
}

// DefaultWellKnownPaths returns the conventional local script locations.
func DefaultWellKnownPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "proxypilot", "proxy.pac"))
	}
	paths = append(paths, filepath.Join("/etc", "proxypilot", "proxy.pac"))
	return paths
}

// Resolve evaluates the PAC script for targetURL. advertisedURL is the PAC
// location the OS reported, consulted after the configured one; the
// well-known local paths come last. A zero Result with nil error means no
// PAC source is in play at all.
func (r *Resolver) Resolve(ctx context.Context, targetURL, advertisedURL string, force bool) (Result, error) {
	source := r.selectSource(advertisedURL)
	if source == "" {
		return Result{}, nil
	}

	doc, err := r.document(ctx, source, force)
	if err != nil {
		slog.Debug("PAC script unavailable", "source", source, "error", err)
		return Result{}, &FetchError{Source: source, Err: err}
	}

	raw, err := r.engine.FindProxyForURL(ctx, doc.Script, targetURL, hostOf(targetURL))
	if err != nil {
		slog.Debug("PAC evaluation failed", "source", source, "url", targetURL, "error", err)
		return Result{}, &EvalError{Source: source, Err: err}
	}

	res := ParseResult(raw)
	if res.Type == ResultUnknown {
		slog.Debug("PAC returned no usable directive", "source", source, "raw", raw)
	}
	return res, nil
}

// ClearDocuments drops every cached script and the engine's DNS caches, so
// the next Resolve starts from scratch.
func (r *Resolver) ClearDocuments() {
	r.mu.Lock()
	r.docs = make(map[string]*Document)
	r.mu.Unlock()
	r.engine.ClearCaches()
}

func (r *Resolver) selectSource(advertisedURL string) string {
	if r.opts.ExplicitURL != "" {
		return r.opts.ExplicitURL
	}
	if advertisedURL != "" {
		return advertisedURL
	}
	for _, p := range r.opts.WellKnownPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// document returns a fresh Document for source, re-fetching when the TTL
// lapsed or force is set. Concurrent refreshes of one source collapse into
// a single fetch.
func (r *Resolver) document(ctx context.Context, source string, force bool) (*Document, error) {
	if !force {
		r.mu.RLock()
		doc := r.docs[source]
		r.mu.RUnlock()
		if doc != nil && !doc.Expired(time.Now()) {
			return doc, nil
		}
	}

	v, err, shared := r.group.Do(source, func() (interface{}, error) {
		return r.refresh(ctx, source, force)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("PAC refresh shared with concurrent caller", "source", source)
	}
	return v.(*Document), nil
}

func (r *Resolver) refresh(ctx context.Context, source string, force bool) (*Document, error) {
	r.mu.RLock()
	prev := r.docs[source]
	r.mu.RUnlock()

	prevVersion := ""
	if prev != nil && !force {
		prevVersion = prev.version
	}

	content, version, err := r.fetch.fetch(ctx, source, prevVersion)
	if err != nil {
		if prev != nil {
			slog.Warn("PAC refresh failed, keeping previous script", "source", source, "error", err)
			return prev, nil
		}
		return nil, err
	}

	doc := &Document{
		Source:    source,
		FetchedAt: time.Now(),
		TTL:       r.opts.TTL,
		version:   version,
	}
	if content == nil && prev != nil {
		doc.Script = prev.Script
	} else {
		doc.Script = string(content)
	}

	r.mu.Lock()
	r.docs[source] = doc
	r.mu.Unlock()

	slog.Debug("PAC script refreshed",
		"source", source, "bytes", len(doc.Script), "reused", content == nil)
	return doc, nil
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return rawURL
}
