package pac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const corpScript = `function FindProxyForURL(url, host) {
	if (dnsDomainIs(host, ".corp.example")) return "DIRECT";
	return "PROXY proxy.corp.example:3128; DIRECT";
}`

func newPacServer(t *testing.T, script string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		if r.Header.Get("If-Modified-Since") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
		w.Write([]byte(script))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestResolver(t *testing.T, opts Options) *Resolver {
	t.Helper()
	r, err := NewResolver(opts)
	require.NoError(t, err)
	return r
}

func TestResolveThroughHTTPSource(t *testing.T) {
	srv, _ := newPacServer(t, corpScript)
	r := newTestResolver(t, Options{ExplicitURL: srv.URL, TTL: time.Hour})
	ctx := context.Background()

	res, err := r.Resolve(ctx, "https://www.example.com/", "", false)
	require.NoError(t, err)
	first, ok := res.First()
	require.True(t, ok)
	assert.Equal(t, "proxy.corp.example:3128", first.Host)

	res, err = r.Resolve(ctx, "https://git.corp.example/", "", false)
	require.NoError(t, err)
	assert.Equal(t, ResultDirect, res.Type)
}

func TestResolveCachesScriptUntilTTL(t *testing.T) {
	srv, hits := newPacServer(t, corpScript)
	r := newTestResolver(t, Options{ExplicitURL: srv.URL, TTL: time.Hour})
	ctx := context.Background()

	_, err := r.Resolve(ctx, "https://a.example/", "", false)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "https://b.example/", "", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "fresh document must not be re-fetched")

	_, err = r.Resolve(ctx, "https://c.example/", "", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "force re-fetches")
}

func TestResolveRevalidatesWithNotModified(t *testing.T) {
	srv, hits := newPacServer(t, corpScript)
	r := newTestResolver(t, Options{ExplicitURL: srv.URL, TTL: time.Nanosecond})
	ctx := context.Background()

	res, err := r.Resolve(ctx, "https://www.example.com/", "", false)
	require.NoError(t, err)
	require.Equal(t, ResultProxy, res.Type)

	res, err = r.Resolve(ctx, "https://www.example.com/", "", false)
	require.NoError(t, err)
	assert.Equal(t, ResultProxy, res.Type, "script survives a 304 revalidation")
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestResolveExplicitBeatsAdvertised(t *testing.T) {
	explicit, _ := newPacServer(t, `function FindProxyForURL(url, host) { return "PROXY explicit.example:1"; }`)
	advertised, advHits := newPacServer(t, `function FindProxyForURL(url, host) { return "PROXY advertised.example:2"; }`)

	r := newTestResolver(t, Options{ExplicitURL: explicit.URL, TTL: time.Hour})
	res, err := r.Resolve(context.Background(), "https://example.com/", advertised.URL, false)
	require.NoError(t, err)
	first, ok := res.First()
	require.True(t, ok)
	assert.Equal(t, "explicit.example:1", first.Host)
	assert.Zero(t, advHits.Load())
}

func TestResolveUsesAdvertisedWhenNoExplicit(t *testing.T) {
	advertised, _ := newPacServer(t, `function FindProxyForURL(url, host) { return "PROXY advertised.example:2"; }`)

	r := newTestResolver(t, Options{TTL: time.Hour})
	res, err := r.Resolve(context.Background(), "https://example.com/", advertised.URL, false)
	require.NoError(t, err)
	first, ok := res.First()
	require.True(t, ok)
	assert.Equal(t, "advertised.example:2", first.Host)
}

func TestResolveFallsBackToWellKnownFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.pac")
	require.NoError(t, os.WriteFile(path, []byte(corpScript), 0o644))

	r := newTestResolver(t, Options{
		WellKnownPaths: []string{filepath.Join(dir, "missing.pac"), path},
		TTL:            time.Hour,
	})
	res, err := r.Resolve(context.Background(), "https://www.example.com/", "", false)
	require.NoError(t, err)
	assert.Equal(t, ResultProxy, res.Type)
}

func TestResolveNoSourceMeansNoResult(t *testing.T) {
	r := newTestResolver(t, Options{WellKnownPaths: []string{filepath.Join(t.TempDir(), "absent.pac")}})

	res, err := r.Resolve(context.Background(), "https://example.com/", "", false)
	require.NoError(t, err)
	assert.Equal(t, ResultUnknown, res.Type)
	assert.Empty(t, res.Proxies)
}

func TestResolveFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	r := newTestResolver(t, Options{ExplicitURL: srv.URL})
	_, err := r.Resolve(context.Background(), "https://example.com/", "", false)
	require.Error(t, err)

	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestResolveEvalFailure(t *testing.T) {
	srv, _ := newPacServer(t, `var notAPacScript = true;`)

	r := newTestResolver(t, Options{ExplicitURL: srv.URL})
	_, err := r.Resolve(context.Background(), "https://example.com/", "", false)
	require.Error(t, err)

	var evalErr *EvalError
	assert.ErrorAs(t, err, &evalErr)
}

func TestClearDocumentsForcesRefetch(t *testing.T) {
	srv, hits := newPacServer(t, corpScript)
	r := newTestResolver(t, Options{ExplicitURL: srv.URL, TTL: time.Hour})
	ctx := context.Background()

	_, err := r.Resolve(ctx, "https://example.com/", "", false)
	require.NoError(t, err)
	r.ClearDocuments()

	_, err = r.Resolve(ctx, "https://example.com/", "", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestResolveKeepsPreviousScriptOnRefreshFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(corpScript))
	}))
	t.Cleanup(srv.Close)

	r := newTestResolver(t, Options{ExplicitURL: srv.URL, TTL: time.Nanosecond})
	ctx := context.Background()

	res, err := r.Resolve(ctx, "https://www.example.com/", "", false)
	require.NoError(t, err)
	require.Equal(t, ResultProxy, res.Type)

	fail.Store(true)
	res, err = r.Resolve(ctx, "https://www.example.com/", "", false)
	require.NoError(t, err, "previous script keeps serving after a failed refresh")
	assert.Equal(t, ResultProxy, res.Type)
}

func TestDocumentExpired(t *testing.T) {
	now := time.Now()
	doc := &Document{FetchedAt: now, TTL: time.Minute}
	assert.False(t, doc.Expired(now.Add(30*time.Second)))
	assert.True(t, doc.Expired(now.Add(2*time.Minute)))
}

func TestDecodeCharset(t *testing.T) {
	t.Run("utf8 passthrough", func(t *testing.T) {
		raw := []byte("plain ascii")
		out, err := decodeCharset(raw, "", "")
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	})

	t.Run("latin1 from content type", func(t *testing.T) {
		raw := []byte{'c', 'a', 'f', 0xE9}
		out, err := decodeCharset(raw, "application/x-ns-proxy-autoconfig; charset=iso-8859-1", "")
		require.NoError(t, err)
		assert.Equal(t, "café", string(out))
	})

	t.Run("override wins over header", func(t *testing.T) {
		raw := []byte{'c', 'a', 'f', 0xE9}
		out, err := decodeCharset(raw, "text/plain; charset=utf-8", "iso-8859-1")
		require.NoError(t, err)
		assert.Equal(t, "café", string(out))
	})

	t.Run("utf16 BOM detection", func(t *testing.T) {
		raw := []byte{0xFF, 0xFE, 'P', 0, 'A', 0, 'C', 0}
		out, err := decodeCharset(raw, "", "")
		require.NoError(t, err)
		assert.Contains(t, string(out), "PAC")
	})

	t.Run("unknown charset falls back to raw", func(t *testing.T) {
		raw := []byte("whatever")
		out, err := decodeCharset(raw, "", "martian-9")
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	})
}
