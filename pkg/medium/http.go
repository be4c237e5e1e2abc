package medium

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/keelvcs/keel/internal/logger"
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
)

// SmartEndpointSuffix is appended to an HTTP base URL to reach the smart
// protocol endpoint.
const SmartEndpointSuffix = ".keel/smart"

// HTTPMedium tunnels the smart protocol through an existing HTTP client.
// Request bytes written to the medium are buffered and shipped as the body
// of a single POST when the caller starts reading the response; the response
// body becomes the readable side.
//
// Unlike stream media, an HTTP tunnel has no filesystem root: wire paths are
// computed relative to the HTTP client's base URL, not an absolute path.
// RemotePathFrom preserves that distinction.
type HTTPMedium struct {
	mu      sync.Mutex
	client  *http.Client
	base    *url.URL
	out     bytes.Buffer
	in      io.ReadCloser
	creds   Credentials
	floor   *Version
	baseStr string
}

// NewHTTPMedium creates a medium tunnelling to the smart endpoint under
// base. client may be nil, in which case http.DefaultClient is used.
func NewHTTPMedium(client *http.Client, base *url.URL, creds Credentials) *HTTPMedium {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPMedium{
		client:  client,
		base:    base,
		creds:   creds,
		baseStr: strings.TrimSuffix(base.String(), "/") + "/",
	}
}

// Base returns the HTTP base URL the tunnel is rooted at.
func (m *HTTPMedium) Base() *url.URL {
	return m.base
}

// RemotePathFrom maps an absolute transport URL to the path sent on the
// wire: the portion relative to the HTTP base. An URL outside the base is an
// error; the server cannot see past its own root.
func (m *HTTPMedium) RemotePathFrom(target *url.URL) (string, error) {
	t := target.String()
	if !strings.HasPrefix(t, m.baseStr) && t+"/" != m.baseStr {
		return "", terrors.NewProtocolError(fmt.Sprintf(
			"path %s is not below the HTTP base %s", t, m.baseStr))
	}
	rel := strings.TrimPrefix(t, m.baseStr)
	return "/" + strings.TrimPrefix(rel, "/"), nil
}

// Write buffers request bytes until the response is read.
func (m *HTTPMedium) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.Write(p)
}

// Read ships any buffered request as one POST round trip, then reads from
// the response body.
func (m *HTTPMedium) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out.Len() > 0 {
		if err := m.roundTrip(); err != nil {
			return 0, err
		}
	}
	if m.in == nil {
		return 0, io.EOF
	}
	n, err := m.in.Read(p)
	if err == io.EOF {
		_ = m.in.Close()
		m.in = nil
		if n > 0 {
			return n, nil
		}
	}
	return n, err
}

func (m *HTTPMedium) roundTrip() error {
	endpoint := m.baseStr + SmartEndpointSuffix
	body := make([]byte, m.out.Len())
	copy(body, m.out.Bytes())
	m.out.Reset()

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return terrors.NewConnectionError(m.base.Hostname(), 0, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if m.creds.User != "" {
		req.SetBasicAuth(m.creds.User, m.creds.Password)
	}

	logger.Debug("smart http round trip",
		logger.KeyHost, m.base.Host,
		logger.KeyBodyLen, len(body))

	resp, err := m.client.Do(req)
	if err != nil {
		return terrors.NewConnectionError(m.base.Hostname(), 0, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return terrors.NewConnectionError(m.base.Hostname(), 0,
			fmt.Errorf("smart endpoint returned %s", resp.Status))
	}
	if m.in != nil {
		_ = m.in.Close()
	}
	m.in = resp.Body
	return nil
}

// Disconnect implements Medium.
func (m *HTTPMedium) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out.Reset()
	if m.in != nil {
		err := m.in.Close()
		m.in = nil
		return err
	}
	return nil
}

// IsRemoteBefore implements Medium.
func (m *HTTPMedium) IsRemoteBefore(v Version) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.floor == nil {
		return false
	}
	return !v.Less(*m.floor)
}

// RememberRemoteIsBefore implements Medium.
func (m *HTTPMedium) RememberRemoteIsBefore(v Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.floor != nil && m.floor.Less(v) {
		logger.Warn("ignoring attempt to raise capability floor",
			logger.KeyHost, m.base.Host)
		return
	}
	m.floor = &v
}

// Credentials implements Medium.
func (m *HTTPMedium) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// SetCredentials implements Medium.
func (m *HTTPMedium) SetCredentials(c Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = c
}
