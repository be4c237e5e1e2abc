// Package medium provides the live duplex byte channels underlying a
// transport, and the pluggable vendor strategies that produce them: a plain
// TCP loopback, a library SSH client, external ssh/plink subprocesses, and
// an HTTP tunnel to a smart endpoint.
//
// A Medium is created lazily on first use, owned by the transport root it
// was built for, and shared (never copied) by every transport cloned from
// that root. Calls are strictly sequential: one request is fully written and
// its response fully read before the next call may use the same Medium, so
// no locking is needed beyond that discipline.
package medium

import (
	"io"
	"sync"

	"github.com/keelvcs/keel/internal/logger"
)

// Conn is a connected duplex byte channel as produced by a Vendor.
// Read returns up to len(p) bytes, possibly fewer, and io.EOF when the peer
// has closed.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Credentials are cached alongside a Medium and may be replaced
// transparently when the connection is re-established.
type Credentials struct {
	User     string
	Password string
}

// Version identifies a protocol feature level for capability tracking.
type Version struct {
	Major int
	Minor int
}

// Less reports whether v precedes other.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// Medium is the stateful channel a smart client speaks over. Implementations
// connect lazily, carry cached credentials, and track the remote capability
// floor for the lifetime of the connection.
type Medium interface {
	io.Reader
	io.Writer

	// Disconnect tears down the underlying channel. The Medium may be used
	// again afterwards; it will reconnect on the next read or write.
	Disconnect() error

	// IsRemoteBefore reports whether the remote side is known to predate the
	// given feature level, so the caller should use an older method.
	IsRemoteBefore(v Version) bool

	// RememberRemoteIsBefore records that the remote side predates the given
	// feature level. The floor only ever moves down: once lowered it is
	// never raised back up within the connection's lifetime.
	RememberRemoteIsBefore(v Version)

	// Credentials returns the cached credentials.
	Credentials() Credentials

	// SetCredentials replaces the cached credentials used on reconnect.
	SetCredentials(c Credentials)
}

// DialFunc produces a fresh Conn. Stream media call it on first use and
// again after Disconnect.
type DialFunc func(creds Credentials) (Conn, error)

// StreamMedium is a lazily-connected Medium over a vendor-produced Conn.
type StreamMedium struct {
	mu    sync.Mutex
	dial  DialFunc
	conn  Conn
	creds Credentials
	floor *Version

	// name describes the endpoint for log lines, e.g. "keel://host:4155/".
	name string
}

// NewStreamMedium creates a Medium that dials with the given function on
// first use.
func NewStreamMedium(name string, creds Credentials, dial DialFunc) *StreamMedium {
	return &StreamMedium{
		dial:  dial,
		creds: creds,
		name:  name,
	}
}

// NewConnectedMedium wraps an already-connected channel, for same-process
// use and tests.
func NewConnectedMedium(name string, conn Conn) *StreamMedium {
	return &StreamMedium{
		dial: func(Credentials) (Conn, error) { return conn, nil },
		conn: conn,
		name: name,
	}
}

func (m *StreamMedium) ensureConnected() (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	logger.Debug("connecting medium", logger.KeyHost, m.name)
	conn, err := m.dial(m.creds)
	if err != nil {
		return nil, err
	}
	m.conn = conn
	return conn, nil
}

// Read implements io.Reader, connecting first if necessary.
func (m *StreamMedium) Read(p []byte) (int, error) {
	conn, err := m.ensureConnected()
	if err != nil {
		return 0, err
	}
	return conn.Read(p)
}

// Write implements io.Writer, connecting first if necessary.
func (m *StreamMedium) Write(p []byte) (int, error) {
	conn, err := m.ensureConnected()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

// Disconnect closes the current channel if one is open. The capability
// floor survives: it describes the server, not the socket.
func (m *StreamMedium) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

// IsRemoteBefore implements Medium.
func (m *StreamMedium) IsRemoteBefore(v Version) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.floor == nil {
		// So far the remote side seems to support everything.
		return false
	}
	return !v.Less(*m.floor)
}

// RememberRemoteIsBefore implements Medium. Attempts to raise a previously
// lowered floor are ignored with a warning; that would mean a caller saw a
// method succeed after the same method was reported unknown.
func (m *StreamMedium) RememberRemoteIsBefore(v Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.floor != nil && m.floor.Less(v) {
		logger.Warn("ignoring attempt to raise capability floor",
			logger.KeyHost, m.name)
		return
	}
	m.floor = &v
}

// Credentials implements Medium.
func (m *StreamMedium) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// SetCredentials implements Medium.
func (m *StreamMedium) SetCredentials(c Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = c
}
