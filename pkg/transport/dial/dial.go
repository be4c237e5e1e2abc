// Package dial turns a URL into a connected transport. It is the single
// place that knows which scheme wants which medium, vendor, and transport,
// so callers just hand over a location string.
//
// Supported schemes:
//
//	keel://host:port/path        smart protocol over plain TCP
//	keel+ssh://user@host/path    smart protocol over an SSH exec channel
//	keel+http://..., keel+https  smart protocol tunnelled through HTTP
//	sftp://user@host/path        SFTP, no smart server needed
//	memory:///                   in-process scratch transport
package dial

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/keelvcs/keel/pkg/config"
	"github.com/keelvcs/keel/pkg/medium"
	"github.com/keelvcs/keel/pkg/smart"
	"github.com/keelvcs/keel/pkg/transport"
	"github.com/keelvcs/keel/pkg/transport/memory"
	"github.com/keelvcs/keel/pkg/transport/readv"
	"github.com/keelvcs/keel/pkg/transport/remote"
	"github.com/keelvcs/keel/pkg/transport/sftp"
)

// DefaultPort is the port a smart server listens on when the URL names none.
const DefaultPort = 4155

// serveCommand is what an SSH exec channel runs on the far side to get a
// smart server on stdin/stdout.
var serveCommand = []string{"keel", "serve", "--inet", "--directory=/", "--allow-writes"}

// Dialer builds transports from URLs. The zero value is not usable; create
// one with New.
type Dialer struct {
	cfg      *config.Config
	registry *medium.Registry
}

// New creates a dialer using cfg for SSH and readv tuning. A nil cfg means
// all defaults.
func New(cfg *config.Config) *Dialer {
	if cfg == nil {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}
	reg := medium.NewDefaultRegistry()
	reg.Register("lsh", medium.NewLibraryVendor(medium.LibraryVendorConfig{
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		IdentityFiles:  cfg.SSH.IdentityFiles,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
	}))
	return &Dialer{cfg: cfg, registry: reg}
}

// Registry exposes the vendor registry, so callers can register their own
// vendors before dialing.
func (d *Dialer) Registry() *medium.Registry {
	return d.registry
}

// Open connects a transport for the given URL.
func (d *Dialer) Open(rawurl string) (transport.Transport, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parsing transport URL: %w", err)
	}

	switch u.Scheme {
	case "keel":
		return d.openTCP(u)
	case "keel+ssh":
		return d.openSSH(u)
	case "keel+http", "keel+https", "http", "https":
		return d.openHTTP(u)
	case "sftp":
		return d.openSFTP(u)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported transport scheme %q", u.Scheme)
	}
}

func (d *Dialer) openTCP(u *url.URL) (transport.Transport, error) {
	host, port := hostPort(u, DefaultPort)
	creds := credsFrom(u)
	vendor := medium.LoopbackVendor{Timeout: d.cfg.SSH.ConnectTimeout}
	med := medium.NewStreamMedium(u.Redacted(), creds, func(c medium.Credentials) (medium.Conn, error) {
		return vendor.Connect(c, host, port)
	})
	return d.newRemote(u, med), nil
}

func (d *Dialer) openSSH(u *url.URL) (transport.Transport, error) {
	vendor, err := d.sshVendor()
	if err != nil {
		return nil, err
	}
	host, port := hostPort(u, 0)
	creds := credsFrom(u)
	med := medium.NewStreamMedium(u.Redacted(), creds, func(c medium.Credentials) (medium.Conn, error) {
		return vendor.ConnectAndRun(c, host, port, serveCommand)
	})
	return d.newRemote(u, med), nil
}

func (d *Dialer) openHTTP(u *url.URL) (transport.Transport, error) {
	base := *u
	base.Scheme = httpScheme(u.Scheme)
	base.User = nil
	med := medium.NewHTTPMedium(nil, &base, credsFrom(u))
	return d.newRemote(u, med), nil
}

func (d *Dialer) openSFTP(u *url.URL) (transport.Transport, error) {
	vendor, err := d.sshVendor()
	if err != nil {
		return nil, err
	}
	host, port := hostPort(u, 0)
	conn, err := vendor.Connect(credsFrom(u), host, port)
	if err != nil {
		return nil, err
	}
	t, err := sftp.NewTransport(u, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if p, ok := d.readvParams(sftp.DefaultReadvParams); ok {
		t = t.WithReadvParams(p)
	}
	return t, nil
}

// sshVendor resolves the SSH implementation: forced by config, overridden
// by KEEL_SSH, or detected by probing.
func (d *Dialer) sshVendor() (medium.Vendor, error) {
	if name := d.cfg.SSH.Vendor; name != "" {
		if _, forced := os.LookupEnv(medium.EnvVendorOverride); !forced {
			return d.registry.Get(name)
		}
	}
	return d.registry.Detect(os.LookupEnv)
}

func (d *Dialer) newRemote(u *url.URL, med medium.Medium) *remote.Transport {
	t := remote.NewTransport(u, smart.NewClient(med))
	if p, ok := d.readvParams(remote.DefaultReadvParams); ok {
		t = t.WithReadvParams(p)
	}
	return t
}

// readvParams overlays configured readv tuning on a transport's defaults.
// Only explicitly set fields override.
func (d *Dialer) readvParams(defaults readv.Params) (readv.Params, bool) {
	rc := d.cfg.Readv
	if rc.FudgeFactor == 0 && rc.MaxCombine == 0 && rc.MaxChunk == 0 && rc.MaxBatchBytes == 0 {
		return defaults, false
	}
	p := defaults
	if rc.FudgeFactor != 0 {
		p.FudgeFactor = uint64(rc.FudgeFactor)
	}
	if rc.MaxCombine != 0 {
		p.MaxCombine = rc.MaxCombine
	}
	if rc.MaxChunk != 0 {
		p.MaxChunk = uint64(rc.MaxChunk)
	}
	if rc.MaxBatchBytes != 0 {
		p.MaxBatchBytes = uint64(rc.MaxBatchBytes)
	}
	return p, true
}

func hostPort(u *url.URL, deflt int) (string, int) {
	port := deflt
	if ps := u.Port(); ps != "" {
		if n, err := strconv.Atoi(ps); err == nil {
			port = n
		}
	}
	return u.Hostname(), port
}

func credsFrom(u *url.URL) medium.Credentials {
	if u.User == nil {
		return medium.Credentials{}
	}
	pw, _ := u.User.Password()
	return medium.Credentials{User: u.User.Username(), Password: pw}
}

func httpScheme(scheme string) string {
	switch scheme {
	case "keel+https", "https":
		return "https"
	default:
		return "http"
	}
}

// Open connects a transport for rawurl with default configuration.
func Open(rawurl string) (transport.Transport, error) {
	return New(nil).Open(rawurl)
}
