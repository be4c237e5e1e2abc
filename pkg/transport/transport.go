// Package transport defines the uniform remote-access surface consumed by
// the storage, branch, and working-tree layers: read and write versioned
// data by path, batched scatter-gather reads, and write-lock tokens,
// independent of whether the repository lives on local disk, behind a smart
// server, or on an SFTP host.
package transport

import (
	"net/url"
	"strings"

	"github.com/keelvcs/keel/pkg/transport/readv"
)

// Transport is the collaborator interface exposed upward. Implementations
// are rooted at a base URL; all paths are relative to that base.
//
// Calls are synchronous and blocking. Transports cloned from the same root
// share one medium, and only one call is ever in flight per medium, so
// callers needing concurrency use separate transport roots.
type Transport interface {
	// Base returns the transport's root URL.
	Base() *url.URL

	// Clone returns a transport rooted at relpath below this one, sharing
	// the parent's medium and cached credentials rather than opening a new
	// connection.
	Clone(relpath string) (Transport, error)

	// Has reports whether a file exists at relpath.
	Has(relpath string) (bool, error)

	// GetBytes returns the full contents of the file at relpath.
	GetBytes(relpath string) ([]byte, error)

	// PutBytes atomically replaces the file at relpath with data.
	PutBytes(relpath string, data []byte) error

	// AppendBytes appends data to the file at relpath, creating it if
	// needed, and returns the length the file had before the append.
	AppendBytes(relpath string, data []byte) (uint64, error)

	// Mkdir creates a directory at relpath.
	Mkdir(relpath string) error

	// Rename atomically renames relFrom to relTo.
	Rename(relFrom, relTo string) error

	// Delete removes the file at relpath.
	Delete(relpath string) error

	// ListDir returns the names of the entries in the directory at relpath.
	ListDir(relpath string) ([]string, error)

	// Size returns the byte length of the file at relpath.
	Size(relpath string) (uint64, error)

	// Readv reads the given (offset, length) ranges of the file at relpath,
	// coalescing nearby requests into few round trips, and yields results
	// lazily in the original request order. An empty request list performs
	// no I/O at all.
	Readv(relpath string, offsets []readv.Request) *readv.Iterator

	// LockWrite takes a write lock on the transport root and returns the
	// opaque token that must be presented to Unlock.
	LockWrite() (string, error)

	// Unlock releases the write lock identified by token.
	Unlock(token string) error

	// Call passes a raw smart method through to the server, for
	// protocol-specific operations layered above the transport. Transports
	// without a smart channel answer with an UnknownMethod error.
	Call(method string, args ...string) ([]string, error)

	// IsReadonly reports whether writes are refused by this transport.
	IsReadonly() bool
}

// JoinPath combines a base URL with a caller-relative path, collapsing
// duplicate slashes. The relative path must not escape the base.
func JoinPath(base *url.URL, relpath string) *url.URL {
	joined := *base
	joined.Path = joinSlash(base.Path, relpath)
	return &joined
}

func joinSlash(base, rel string) string {
	base = strings.TrimSuffix(base, "/")
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return base + "/"
	}
	return base + "/" + rel
}
