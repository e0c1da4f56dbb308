package creds

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// defaultDotenvPaths lists the .env locations consulted in order; the first
// file that exists wins.
func defaultDotenvPaths() []string {
	paths := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", ".env"),
			filepath.Join(home, ".env"),
		)
	}
	return paths
}

// loadDotenv parses the first existing .env file into a key/value map.
// Lines are KEY=VALUE; blanks and #-comments are skipped, surrounding
// quotes are stripped.
func loadDotenv(paths []string) map[string]string {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}

		vars := make(map[string]string)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			value = strings.Trim(value, `"'`)
			vars[strings.TrimSpace(key)] = value
		}
		f.Close()

		slog.Debug("Loaded .env file", "path", path, "keys", len(vars))
		return vars
	}
	return nil
}
