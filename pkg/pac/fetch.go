package pac

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

const (
	maxScriptBytes = 1 * 1024 * 1024
	fetchUserAgent = "ProxyPilot/PAC-Fetcher"
)

// fetcher retrieves PAC scripts over http(s) or from the filesystem. Its
// HTTP client deliberately bypasses any proxy; fetching the PAC script
// through a proxy the script is supposed to select would loop.
type fetcher struct {
	client  *http.Client
	charset string
}

func newFetcher(timeout time.Duration, charsetOverride string) *fetcher {
	return &fetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: nil,
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        5,
				IdleConnTimeout:     60 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		charset: charsetOverride,
	}
}

// fetch retrieves the script at source. prevVersion is the version tag
// (Last-Modified header or file mtime) from the previous fetch; when the
// source reports no change, fetch returns nil content with the old version
// and no error.
func (f *fetcher) fetch(ctx context.Context, source, prevVersion string) ([]byte, string, error) {
	if u, err := url.Parse(source); err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return f.fetchHTTP(ctx, source, prevVersion)
		case "file":
			return f.fetchFile(filePathFromURL(u), prevVersion)
		}
	}
	return f.fetchFile(source, prevVersion)
}

func (f *fetcher) fetchHTTP(ctx context.Context, rawURL, prevVersion string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build pac request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	if prevVersion != "" {
		req.Header.Set("If-Modified-Since", prevVersion)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch pac script %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		slog.Debug("PAC script not modified", "url", rawURL)
		return nil, prevVersion, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch pac script %s: unexpected status %s", rawURL, resp.Status)
	}

	limited := &io.LimitedReader{R: resp.Body, N: maxScriptBytes}
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read pac response: %w", err)
	}
	if limited.N == 0 {
		if n, _ := io.ReadFull(resp.Body, make([]byte, 1)); n > 0 {
			return nil, "", fmt.Errorf("pac script %s exceeds %d bytes", rawURL, maxScriptBytes)
		}
	}

	return f.decode(raw, resp.Header.Get("Content-Type")), resp.Header.Get("Last-Modified"), nil
}

func (f *fetcher) fetchFile(path, prevVersion string) ([]byte, string, error) {
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("stat pac file: %w", err)
	}
	if info.Size() > maxScriptBytes {
		return nil, "", fmt.Errorf("pac file %s exceeds %d bytes", path, maxScriptBytes)
	}
	version := info.ModTime().UTC().Format(http.TimeFormat)
	if prevVersion != "" && version == prevVersion {
		slog.Debug("PAC file not modified", "path", path)
		return nil, prevVersion, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read pac file: %w", err)
	}
	return f.decode(raw, ""), version, nil
}

func filePathFromURL(u *url.URL) string {
	p := u.Path
	// file:///C:/proxy.pac parses with a leading slash before the drive.
	if strings.HasPrefix(p, "/") && len(p) > 2 && p[2] == ':' {
		p = p[1:]
	}
	return p
}

func (f *fetcher) decode(raw []byte, contentType string) []byte {
	decoded, err := decodeCharset(raw, contentType, f.charset)
	if err != nil {
		slog.Warn("PAC charset decode failed, using raw bytes", "error", err)
		return raw
	}
	if !utf8.Valid(decoded) {
		slog.Warn("PAC script is not valid UTF-8 after decoding")
	}
	return decoded
}

// decodeCharset converts raw to UTF-8. Encoding is chosen from the explicit
// override, then the Content-Type charset parameter, then a certain BOM
// detection; otherwise UTF-8 is assumed.
func decodeCharset(raw []byte, contentTypeHeader, override string) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	name := "utf-8"
	if override != "" {
		name = override
	} else if contentTypeHeader != "" {
		if _, params, err := mime.ParseMediaType(contentTypeHeader); err == nil {
			if cs, ok := params["charset"]; ok {
				name = cs
			}
		}
	}

	explicit := override != "" || strings.Contains(strings.ToLower(contentTypeHeader), "charset=")
	if !explicit {
		if _, detected, certain := charset.DetermineEncoding(raw, ""); certain {
			name = detected
		}
	}

	if n := strings.ToLower(name); n == "utf-8" || n == "utf8" {
		return raw, nil
	}
	enc, _ := charset.Lookup(name)
	if enc == nil {
		slog.Warn("Unsupported PAC charset, assuming UTF-8", "charset", name)
		return raw, nil
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("decode pac script from %s: %w", name, err)
	}
	return decoded, nil
}
