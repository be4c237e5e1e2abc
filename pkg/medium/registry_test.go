package medium

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/keelvcs/keel/pkg/transport/errors"
)

// envWith returns an env lookup containing only the given override.
func envWith(name string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if key == EnvVendorOverride && name != "" {
			return name, true
		}
		return "", false
	}
}

// noBanner is a probe for a machine with no ssh installed at all.
func noBanner([]string) string { return "" }

func TestGetUnknownVendor(t *testing.T) {
	r := NewDefaultRegistry()
	_, err := r.Get("dropbear")
	var te *terrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, terrors.ErrUnknownVendor, te.Code)
}

func TestDetectForcedVendor(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetVersionProbe(noBanner)

	v, err := r.Detect(envWith("plink"))
	require.NoError(t, err)
	assert.Equal(t, "plink", v.Name())
}

func TestDetectForcedUnknownIsErrorNotFallback(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetVersionProbe(noBanner)

	_, err := r.Detect(envWith("dropbear"))
	var te *terrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, terrors.ErrUnknownVendor, te.Code)
}

func TestDetectByBanner(t *testing.T) {
	cases := []struct {
		banner string
		exe    string
		want   string
	}{
		{"OpenSSH_9.6p1 Ubuntu-3ubuntu13", "ssh", "openssh"},
		{"SSH Secure Shell 3.2.9", "ssh", "sshcorp"},
		{"plink: Release 0.81", "plink", "plink"},
		{"unrecognised thing", "ssh", ""},
		// A plink banner from `ssh -V` is not believed.
		{"plink: Release 0.81", "ssh", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, vendorNameForBanner(tc.banner, tc.exe),
			"banner %q via %s", tc.banner, tc.exe)
	}
}

func TestDetectProbesAndCaches(t *testing.T) {
	r := NewDefaultRegistry()
	probes := 0
	r.SetVersionProbe(func(args []string) string {
		probes++
		if args[0] == "ssh" {
			return "OpenSSH_9.6p1"
		}
		return ""
	})

	v, err := r.Detect(envWith(""))
	require.NoError(t, err)
	assert.Equal(t, "openssh", v.Name())
	assert.Equal(t, 1, probes)

	// The second lookup is served from cache.
	_, err = r.Detect(envWith(""))
	require.NoError(t, err)
	assert.Equal(t, 1, probes)

	r.ClearCache()
	_, err = r.Detect(envWith(""))
	require.NoError(t, err)
	assert.Equal(t, 2, probes)
}

func TestDetectFallsBackToDefault(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetVersionProbe(noBanner)

	v, err := r.Detect(envWith(""))
	require.NoError(t, err)
	assert.Equal(t, "openssh", v.Name())
}

func TestDetectNothingRegistered(t *testing.T) {
	r := NewRegistry()
	r.SetVersionProbe(noBanner)

	_, err := r.Detect(envWith(""))
	var te *terrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, terrors.ErrVendorNotFound, te.Code)
}
