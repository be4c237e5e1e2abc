package medium

import (
	"os/exec"
	"strings"
	"sync"

	"github.com/keelvcs/keel/internal/logger"
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
)

// EnvVendorOverride is the environment variable that forces a specific SSH
// vendor, bypassing auto-detection.
const EnvVendorOverride = "KEEL_SSH"

// VersionProbe runs an ssh-style executable with a version flag and returns
// its combined output. Swappable so tests never spawn real processes.
type VersionProbe func(args []string) string

// Registry manages named SSH vendors. It is an explicit object constructed
// once at process start and passed into transport constructors; there is no
// process-wide vendor state.
//
// Lookup order in Detect: the KEEL_SSH override (an unknown name there is an
// error, not a fallback), then probing for known SSH implementations, then
// the registered default.
type Registry struct {
	mu      sync.Mutex
	vendors map[string]Vendor
	deflt   Vendor
	cached  Vendor
	probe   VersionProbe
}

// NewRegistry creates an empty vendor registry.
func NewRegistry() *Registry {
	return &Registry{
		vendors: make(map[string]Vendor),
		probe:   runVersionProbe,
	}
}

// NewDefaultRegistry creates a registry with the built-in vendors
// registered: the subprocess vendors under their banner names, the library
// SSH vendor, and the loopback vendor. OpenSSH subprocess is the default.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	openssh := &SubprocessVendor{flavor: flavorOpenSSH}
	r.Register("openssh", openssh)
	r.Register("ssh", openssh)
	r.Register("sshcorp", &SubprocessVendor{flavor: flavorSSHCorp})
	r.Register("plink", &SubprocessVendor{flavor: flavorPLink})
	r.Register("lsh", NewLibraryVendor(LibraryVendorConfig{}))
	r.Register("loopback", LoopbackVendor{})
	r.RegisterDefault(openssh)
	return r
}

// Register adds a named vendor.
func (r *Registry) Register(name string, v Vendor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vendors[name] = v
}

// RegisterDefault sets the vendor used when nothing is forced and no known
// implementation is detected.
func (r *Registry) RegisterDefault(v Vendor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deflt = v
}

// SetVersionProbe replaces the subprocess version probe. Tests use this to
// feed canned banners.
func (r *Registry) SetVersionProbe(p VersionProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probe = p
}

// ClearCache drops a previously detected vendor so the next Detect probes
// again.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}

// Get returns the vendor registered under name, or a distinct UnknownVendor
// error if no such vendor exists.
func (r *Registry) Get(name string) (Vendor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vendors[name]
	if !ok {
		return nil, terrors.NewUnknownVendorError(name)
	}
	return v, nil
}

// Detect returns the vendor to use. env supplies environment lookups
// (usually os.LookupEnv); the result is cached until ClearCache.
func (r *Registry) Detect(env func(string) (string, bool)) (Vendor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		return r.cached, nil
	}

	if name, ok := env(EnvVendorOverride); ok {
		v, found := r.vendors[name]
		if !found {
			return nil, terrors.NewUnknownVendorError(name)
		}
		logger.Debug("ssh vendor forced by environment", logger.KeyVendor, name)
		r.cached = v
		return v, nil
	}

	if v := r.detectByProbing(); v != nil {
		r.cached = v
		return v, nil
	}

	if r.deflt == nil {
		return nil, terrors.NewVendorNotFoundError()
	}
	logger.Debug("falling back to default ssh vendor",
		logger.KeyVendor, r.deflt.Name())
	r.cached = r.deflt
	return r.cached, nil
}

// detectByProbing invokes `ssh -V` and `plink -V` and matches the version
// banner against known implementations.
func (r *Registry) detectByProbing() Vendor {
	for _, args := range [][]string{{"ssh", "-V"}, {"plink", "-V"}} {
		banner := r.probe(args)
		if name := vendorNameForBanner(banner, args[0]); name != "" {
			if v, ok := r.vendors[name]; ok {
				logger.Debug("detected ssh implementation",
					logger.KeyVendor, name)
				return v
			}
		}
	}
	return nil
}

// vendorNameForBanner maps a version banner to a registered vendor name.
// exe is the executable that produced the banner: Windows installs have
// been seen answering `ssh -V` with a plink banner, so plink is only
// believed when plink itself was invoked.
func vendorNameForBanner(banner, exe string) string {
	switch {
	case strings.Contains(banner, "OpenSSH"):
		return "openssh"
	case strings.Contains(banner, "SSH Secure Shell"):
		return "sshcorp"
	case strings.Contains(banner, "plink") && exe == "plink":
		return "plink"
	}
	return ""
}

// runVersionProbe executes the given command and returns stdout and stderr
// combined. Errors (missing binary, non-zero exit) yield an empty string;
// an absent implementation is an expected outcome, not a failure.
func runVersionProbe(args []string) string {
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil && len(out) == 0 {
		return ""
	}
	return string(out)
}
