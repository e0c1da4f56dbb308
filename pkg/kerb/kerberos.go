// Package kerb wraps a gokrb5 client fed from the session's Kerberos
// ticket cache. It never obtains tickets itself; kinit (or the platform
// login flow) must have populated the cache. Callers that tunnel through
// a Negotiate-capable proxy ask ProxyAuthorization for the header value
// and wire it into their own transport.
package kerb

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/yolkispalkis/proxypilot/pkg/config"
)

// refreshLeeway is how close to expiry a ticket may get before the next
// use reloads the cache instead of trusting the in-memory session.
const refreshLeeway = 5 * time.Minute

// Client holds a gokrb5 session built from the ticket cache. The zero
// value is not usable; construct with New.
type Client struct {
	cfg *config.KerberosConfig

	mu           sync.Mutex
	krb          *krb5client.Client
	ticketExpiry time.Time
	ready        bool
	ccacheName   string

	lookupCNAME func(host string) (string, error)
}

// New builds a client bound to the session ticket cache. The client is
// returned even when no usable ticket exists yet; CheckAndRefreshClient
// and ProxyAuthorization reload the cache on demand.
func New(cfg *config.KerberosConfig) (*Client, error) {
	k := &Client{
		cfg:         cfg,
		lookupCNAME: net.LookupCNAME,
	}
	k.ccacheName = effectiveCacheName(cfg)
	if err := k.reload(); err != nil {
		slog.Error("kerberos: initial ticket cache load failed", "ccache", k.ccacheName, "error", err)
	} else if !k.Ready() {
		slog.Debug("kerberos: no valid ticket in cache yet", "ccache", k.ccacheName)
	}
	return k, nil
}

// reload drops the current session and reloads credentials from the
// ticket cache. A missing cache, an unsupported cache type, or an
// expired ticket leaves the client not-ready without error; only I/O
// and parse failures are reported.
func (k *Client) reload() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.krb != nil {
		k.krb.Destroy()
		k.krb = nil
	}
	k.ready = false
	k.ticketExpiry = time.Time{}
	k.ccacheName = effectiveCacheName(k.cfg)

	path, ok := ccacheFilePath(k.ccacheName)
	if !ok {
		slog.Warn("kerberos: only FILE ticket caches can be read", "ccache", k.ccacheName)
		return nil
	}
	cc, err := credentials.LoadCCache(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("kerberos: ticket cache not found", "path", path)
			return nil
		}
		return fmt.Errorf("load ccache %s: %w", path, err)
	}

	cl, err := krb5client.NewFromCCache(cc, k.krb5Conf(), krb5client.DisablePAFXFAST(true))
	if err != nil {
		slog.Debug("kerberos: ticket cache has no usable TGT", "ccache", k.ccacheName, "error", err)
		return nil
	}

	expiry := tgtEndTime(cc)
	if expiry.IsZero() {
		expiry = cl.Credentials.ValidUntil()
	}
	if expiry.IsZero() || time.Now().After(expiry) {
		slog.Debug("kerberos: ticket in cache is expired", "ccache", k.ccacheName, "expiry", expiry)
		cl.Destroy()
		return nil
	}

	if k.cfg != nil && k.cfg.Realm != "" && !strings.EqualFold(cl.Credentials.Realm(), k.cfg.Realm) {
		slog.Warn("kerberos: ticket realm differs from configured realm",
			"ticket_realm", cl.Credentials.Realm(), "configured_realm", k.cfg.Realm)
	}

	k.krb = cl
	k.ready = true
	k.ticketExpiry = expiry
	slog.Info("kerberos: session loaded from ticket cache",
		"principal", strings.Join(cl.Credentials.CName().NameString, "/"),
		"realm", cl.Credentials.Realm(),
		"expiry", expiry.Format(time.RFC3339))
	return nil
}

// Ready reports whether a non-expired ticket is loaded.
func (k *Client) Ready() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.readyLocked()
}

func (k *Client) readyLocked() bool {
	return k.ready && k.krb != nil && time.Now().Before(k.ticketExpiry)
}

// CheckAndRefreshClient reloads the ticket cache when no usable ticket
// is loaded or the loaded one is within refreshLeeway of expiry.
// Finding no ticket is not an error.
func (k *Client) CheckAndRefreshClient() error {
	k.mu.Lock()
	fresh := k.readyLocked() && time.Now().Add(refreshLeeway).Before(k.ticketExpiry)
	k.mu.Unlock()
	if fresh {
		return nil
	}
	return k.reload()
}

// ProxyAuthorization returns the Proxy-Authorization value for a
// Negotiate handshake with the given proxy. proxyHost may carry a port.
// The service ticket exchange with the KDC happens here, so the call can
// block on the network.
func (k *Client) ProxyAuthorization(proxyHost string) (string, error) {
	if err := k.CheckAndRefreshClient(); err != nil {
		return "", err
	}
	k.mu.Lock()
	cl := k.krb
	ok := k.readyLocked()
	name := k.ccacheName
	k.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no valid kerberos ticket in %s", name)
	}

	spn := k.servicePrincipal(proxyHost)
	s := spnego.SPNEGOClient(cl, spn)
	if err := s.AcquireCred(); err != nil {
		return "", fmt.Errorf("acquire credential for %s: %w", spn, err)
	}
	tok, err := s.InitSecContext()
	if err != nil {
		return "", fmt.Errorf("init security context for %s: %w", spn, err)
	}
	b, err := tok.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal SPNEGO token: %w", err)
	}
	return "Negotiate " + base64.StdEncoding.EncodeToString(b), nil
}

// Close destroys the Kerberos session.
func (k *Client) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.krb != nil {
		k.krb.Destroy()
		k.krb = nil
	}
	k.ready = false
	k.ticketExpiry = time.Time{}
}

// servicePrincipal builds the HTTP service SPN for a proxy host. Proxies
// register under their canonical name, so a CNAME is followed when one
// resolves.
func (k *Client) servicePrincipal(proxyHost string) string {
	host := proxyHost
	if h, _, err := net.SplitHostPort(proxyHost); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if cname, err := k.lookupCNAME(host); err == nil && cname != "" {
		host = strings.TrimSuffix(cname, ".")
	}
	return "HTTP/" + host
}

// tgtEndTime reads the expiry of the krbtgt entry straight from the
// cache; the client principal's own validity is not always populated.
func tgtEndTime(cc *credentials.CCache) time.Time {
	spn := types.PrincipalName{
		NameType:   nametype.KRB_NT_SRV_INST,
		NameString: []string{"krbtgt", cc.DefaultPrincipal.Realm},
	}
	if entry, ok := cc.GetEntry(spn); ok {
		return entry.EndTime
	}
	return time.Time{}
}

// effectiveCacheName resolves which ticket cache to read: the configured
// path, then KRB5CCNAME, then the conventional per-uid locations.
func effectiveCacheName(cfg *config.KerberosConfig) string {
	name := ""
	if cfg != nil {
		name = cfg.CachePath
	}
	if name == "" {
		name = os.Getenv("KRB5CCNAME")
	}
	if name == "" {
		uid := strconv.Itoa(os.Getuid())
		for _, p := range []string{"/tmp/krb5cc_" + uid, "/var/run/user/" + uid + "/krb5cc"} {
			if _, err := os.Stat(p); err == nil {
				name = "FILE:" + p
				break
			}
		}
		if name == "" {
			name = "FILE:/tmp/krb5cc_" + uid
		}
	}

	uid := strconv.Itoa(os.Getuid())
	name = strings.ReplaceAll(name, "%{uid}", uid)
	name = strings.ReplaceAll(name, "%{USERID}", uid)

	if !hasCacheTypePrefix(name) {
		name = "FILE:" + name
	}
	return name
}

var cacheTypePrefixes = []string{"FILE:", "DIR:", "API:", "KEYRING:", "KCM:", "MSLSA:"}

func hasCacheTypePrefix(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range cacheTypePrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

// ccacheFilePath strips the cache type prefix. gokrb5 reads file caches
// only, so any other type is rejected here rather than passed through as
// a bogus file path.
func ccacheFilePath(name string) (string, bool) {
	upper := strings.ToUpper(name)
	switch {
	case strings.HasPrefix(upper, "FILE:"):
		return name[len("FILE:"):], true
	case strings.HasPrefix(upper, "DIR:"),
		strings.HasPrefix(upper, "API:"),
		strings.HasPrefix(upper, "KEYRING:"),
		strings.HasPrefix(upper, "KCM:"),
		strings.HasPrefix(upper, "MSLSA:"):
		return "", false
	default:
		return name, true
	}
}

// krb5Conf loads the library configuration the way MIT tools find it.
// Returning nil lets gokrb5 fall back to its own defaults.
func (k *Client) krb5Conf() *krb5config.Config {
	path := krb5ConfPath()
	if path == "" {
		return nil
	}
	conf, err := krb5config.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("kerberos: cannot read krb5.conf", "path", path, "error", err)
		}
		return nil
	}
	return conf
}

func krb5ConfPath() string {
	if p := os.Getenv("KRB5_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("PROGRAMDATA"); pd != "" {
			for _, p := range []string{
				filepath.Join(pd, "Kerberos", "krb5.conf"),
				filepath.Join(pd, "Kerberos", "krb5.ini"),
				filepath.Join(pd, "MIT", "Kerberos", "krb5.ini"),
			} {
				if _, err := os.Stat(p); err == nil {
					return p
				}
			}
		}
		return ""
	}
	return "/etc/krb5.conf"
}
