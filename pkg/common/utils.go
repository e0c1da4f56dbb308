package common

const (
	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443

	// DefaultEnvironment is the label used when no detection signal matches.
	DefaultEnvironment = "local"
)

// DefaultPortForScheme returns the conventional port for a proxy scheme.
func DefaultPortForScheme(scheme string) int {
	if scheme == "https" {
		return DefaultHTTPSPort
	}
	return DefaultHTTPPort
}
