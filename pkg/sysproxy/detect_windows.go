//go:build windows

package sysproxy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sys/windows/registry"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

// osSettings reads the per-user WinINET proxy configuration from the registry.
func osSettings(_ context.Context, _ time.Duration) Settings {
	var s Settings

	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.QUERY_VALUE)
	if err != nil {
		slog.Debug("registry open failed", "key", internetSettingsKey, "error", err)
		return s
	}
	defer key.Close()

	if pacURL, _, err := key.GetStringValue("AutoConfigURL"); err == nil && pacURL != "" {
		s.PacURL = pacURL
	}

	enabled, _, err := key.GetIntegerValue("ProxyEnable")
	if err != nil || enabled == 0 {
		return s
	}

	server, _, err := key.GetStringValue("ProxyServer")
	if err != nil || server == "" {
		return s
	}

	if strings.Contains(server, "=") {
		// Per-protocol form: "http=host:port;https=host:port;ftp=...".
		for _, part := range strings.Split(server, ";") {
			proto, addr, ok := strings.Cut(part, "=")
			if !ok || addr == "" {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(proto)) {
			case "http":
				s.HTTP = "http://" + strings.TrimSpace(addr)
			case "https":
				s.HTTPS = "http://" + strings.TrimSpace(addr)
			}
		}
	} else {
		// Single proxy for all protocols.
		url := "http://" + strings.TrimSpace(server)
		s.HTTP = url
		s.HTTPS = url
	}

	if override, _, err := key.GetStringValue("ProxyOverride"); err == nil && override != "" {
		s.NoProxy = strings.ReplaceAll(override, ";", ",")
	}
	return s
}
