//go:build darwin

package sysproxy

import (
	"bufio"
	"context"
	"log/slog"
	"strings"
	"time"
)

// osSettings reads the active network service proxy configuration via scutil.
func osSettings(ctx context.Context, timeout time.Duration) Settings {
	out, err := runCmd(ctx, timeout, "scutil", "--proxy")
	if err != nil {
		slog.Debug("scutil probe failed", "error", err)
		return Settings{}
	}
	return parseScutil(out)
}

// parseScutil parses `scutil --proxy` dictionary output:
//
//	<dictionary> {
//	  ExceptionsList : <array> {
//	    0 : *.local
//	  }
//	  HTTPEnable : 1
//	  HTTPPort : 8080
//	  HTTPProxy : proxy.corp
//	}
func parseScutil(out string) Settings {
	values := make(map[string]string)
	var exceptions []string

	inExceptions := false
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if inExceptions {
			if line == "}" {
				inExceptions = false
				continue
			}
			if _, val, ok := strings.Cut(line, " : "); ok {
				exceptions = append(exceptions, strings.TrimSpace(val))
			}
			continue
		}
		if strings.HasPrefix(line, "ExceptionsList") {
			inExceptions = true
			continue
		}
		if key, val, ok := strings.Cut(line, " : "); ok {
			values[strings.TrimSpace(key)] = strings.TrimSpace(val)
		}
	}

	var s Settings
	if values["HTTPEnable"] == "1" && values["HTTPProxy"] != "" {
		s.HTTP = "http://" + hostPort(values["HTTPProxy"], values["HTTPPort"])
	}
	if values["HTTPSEnable"] == "1" && values["HTTPSProxy"] != "" {
		s.HTTPS = "http://" + hostPort(values["HTTPSProxy"], values["HTTPSPort"])
	}
	if values["ProxyAutoConfigEnable"] == "1" {
		s.PacURL = values["ProxyAutoConfigURLString"]
	}
	if len(exceptions) > 0 {
		s.NoProxy = strings.Join(exceptions, ",")
	}
	return s
}

func hostPort(host, port string) string {
	if port == "" || port == "0" {
		return host
	}
	return host + ":" + port
}
