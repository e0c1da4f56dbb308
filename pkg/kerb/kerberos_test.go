package kerb

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	krb5client "github.com/jcmturner/gokrb5/v8/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/proxypilot/pkg/config"
)

func TestEffectiveCacheName(t *testing.T) {
	uid := strconv.Itoa(os.Getuid())

	t.Run("config path wins over environment", func(t *testing.T) {
		t.Setenv("KRB5CCNAME", "FILE:/env/cc")
		cfg := &config.KerberosConfig{CachePath: "FILE:/custom/cc"}
		assert.Equal(t, "FILE:/custom/cc", effectiveCacheName(cfg))
	})

	t.Run("environment used when config empty", func(t *testing.T) {
		t.Setenv("KRB5CCNAME", "FILE:/env/cc")
		assert.Equal(t, "FILE:/env/cc", effectiveCacheName(nil))
	})

	t.Run("bare path gets FILE prefix", func(t *testing.T) {
		t.Setenv("KRB5CCNAME", "/tmp/krb5cc_1234")
		assert.Equal(t, "FILE:/tmp/krb5cc_1234", effectiveCacheName(nil))
	})

	t.Run("other cache types kept verbatim", func(t *testing.T) {
		t.Setenv("KRB5CCNAME", "KCM:1000")
		assert.Equal(t, "KCM:1000", effectiveCacheName(nil))
	})

	t.Run("uid placeholder expanded", func(t *testing.T) {
		t.Setenv("KRB5CCNAME", "FILE:/run/cc_%{uid}")
		assert.Equal(t, "FILE:/run/cc_"+uid, effectiveCacheName(nil))
	})

	t.Run("fallback is a per-uid file cache", func(t *testing.T) {
		t.Setenv("KRB5CCNAME", "")
		name := effectiveCacheName(nil)
		assert.True(t, len(name) > 5 && name[:5] == "FILE:", "got %q", name)
		assert.Contains(t, name, "krb5cc")
	})
}

func TestCcacheFilePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"FILE:/tmp/cc", "/tmp/cc", true},
		{"file:/tmp/cc", "/tmp/cc", true},
		{"/tmp/cc", "/tmp/cc", true},
		{"DIR:/tmp/ccdir", "", false},
		{"API:cc", "", false},
		{"KEYRING:persistent:1000", "", false},
		{"KCM:1000", "", false},
		{"MSLSA:", "", false},
	}
	for _, tt := range tests {
		path, ok := ccacheFilePath(tt.name)
		assert.Equal(t, tt.ok, ok, "name %q", tt.name)
		assert.Equal(t, tt.path, path, "name %q", tt.name)
	}
}

func TestNewWithoutTicket(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent")
	t.Setenv("KRB5CCNAME", "FILE:"+missing)

	k, err := New(nil)
	require.NoError(t, err)
	assert.False(t, k.Ready())
	assert.NoError(t, k.CheckAndRefreshClient())

	_, err = k.ProxyAuthorization("proxy.corp.example:3128")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid kerberos ticket")
}

func TestNewWithCorruptCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cc")
	require.NoError(t, os.WriteFile(path, []byte("not a ticket cache"), 0o600))
	t.Setenv("KRB5CCNAME", "FILE:"+path)

	k, err := New(nil)
	require.NoError(t, err)
	assert.False(t, k.Ready())

	err = k.CheckAndRefreshClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load ccache")
}

func TestUnsupportedCacheTypeStaysNotReady(t *testing.T) {
	t.Setenv("KRB5CCNAME", "KCM:1000")

	k, err := New(nil)
	require.NoError(t, err)
	assert.False(t, k.Ready())
	assert.NoError(t, k.CheckAndRefreshClient())
}

func TestServicePrincipal(t *testing.T) {
	noCNAME := func(string) (string, error) { return "", errors.New("nxdomain") }

	k := &Client{lookupCNAME: noCNAME}
	assert.Equal(t, "HTTP/proxy.corp.example", k.servicePrincipal("proxy.corp.example:3128"))
	assert.Equal(t, "HTTP/proxy.corp.example", k.servicePrincipal("proxy.corp.example"))
	assert.Equal(t, "HTTP/proxy.corp.example", k.servicePrincipal("proxy.corp.example."))

	var asked string
	k = &Client{lookupCNAME: func(host string) (string, error) {
		asked = host
		return "edge.corp.example.", nil
	}}
	assert.Equal(t, "HTTP/edge.corp.example", k.servicePrincipal("proxy.corp.example.:3128"))
	assert.Equal(t, "proxy.corp.example", asked, "port and trailing dot stripped before lookup")
}

func TestCheckAndRefreshSkipsFreshTicket(t *testing.T) {
	k := &Client{
		ready:        true,
		ticketExpiry: time.Now().Add(time.Hour),
		krb:          &krb5client.Client{},
		ccacheName:   "FILE:/does/not/exist",
	}
	require.NoError(t, k.CheckAndRefreshClient())
	assert.True(t, k.Ready(), "fresh ticket must not be dropped by a reload")
}

func TestCheckAndRefreshReloadsNearExpiry(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent")
	k := &Client{
		ready:        true,
		ticketExpiry: time.Now().Add(time.Minute),
		cfg:          &config.KerberosConfig{CachePath: "FILE:" + missing},
	}
	require.NoError(t, k.CheckAndRefreshClient())
	assert.False(t, k.Ready())
}

func TestKrb5ConfPathEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "krb5.conf")
	require.NoError(t, os.WriteFile(path, []byte("[libdefaults]\n"), 0o600))
	t.Setenv("KRB5_CONFIG", path)
	assert.Equal(t, path, krb5ConfPath())
}
