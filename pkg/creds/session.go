package creds

import (
	"os"
	"os/user"
	"runtime"
	"strings"
)

// sessionIdentity derives the login name and, where possible, an auth domain
// from the current session. On Windows the domain comes from USERDOMAIN
// (ignored when it is just the workgroup machine name); elsewhere it is the
// host's DNS suffix.
func sessionIdentity(getenv func(string) string, hostnameFn func() (string, error)) (username, domain string) {
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	if username == "" {
		username = getenv("USER")
	}
	if username == "" {
		username = getenv("USERNAME")
	}

	// Windows reports DOMAIN\user.
	if before, after, ok := strings.Cut(username, `\`); ok && after != "" {
		domain, username = before, after
	}

	if runtime.GOOS == "windows" {
		if envDomain := getenv("USERDOMAIN"); envDomain != "" {
			if computer := getenv("COMPUTERNAME"); !strings.EqualFold(envDomain, computer) {
				domain = envDomain
			} else if strings.EqualFold(domain, computer) {
				domain = ""
			}
		}
		return username, domain
	}

	if host, err := hostnameFn(); err == nil {
		if _, suffix, ok := strings.Cut(host, "."); ok && suffix != "" {
			domain = suffix
		}
	}
	return username, domain
}

func osHostname() (string, error) { return os.Hostname() }
