// Package sftp implements a transport over the SFTP subsystem of an SSH
// connection, for servers that have no smart server installed. Everything
// the smart protocol does in one round trip is emulated here with plain
// file operations, so upper layers cannot tell the difference.
package sftp

import (
	"errors"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/keelvcs/keel/pkg/medium"
	"github.com/keelvcs/keel/pkg/metrics"
	"github.com/keelvcs/keel/pkg/transport"
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
	"github.com/keelvcs/keel/pkg/transport/readv"
)

// DefaultReadvParams tunes the readv engine for SFTP: combine aggressively
// (each chunk is a full request-response exchange), but keep single reads
// at the 32 KiB the protocol guarantees servers accept.
var DefaultReadvParams = readv.Params{
	FudgeFactor:   0,
	MaxCombine:    200,
	MaxChunk:      32 * 1024,
	MaxBatchBytes: 0,
}

// Transport is an SFTP-backed transport. Clones share the parent's SFTP
// client and through it the single SSH channel.
type Transport struct {
	client *sftp.Client
	conn   io.Closer
	base   *url.URL
	root   string
	params readv.Params
	m      *metrics.TransportMetrics
}

// NewTransport starts an SFTP client over the given channel, usually one
// produced by an SSH vendor's Connect, rooted at base's path.
func NewTransport(base *url.URL, conn medium.Conn) (*Transport, error) {
	client, err := sftp.NewClientPipe(conn, conn)
	if err != nil {
		return nil, terrors.NewConnectionError(base.Hostname(), 0, err)
	}
	return &Transport{
		client: client,
		conn:   conn,
		base:   base,
		root:   base.Path,
		params: DefaultReadvParams,
		m:      metrics.NewTransportMetrics("sftp"),
	}, nil
}

// WithReadvParams overrides the readv tuning.
func (t *Transport) WithReadvParams(p readv.Params) *Transport {
	t.params = p
	return t
}

// Close shuts down the SFTP client and the SSH channel beneath it.
func (t *Transport) Close() error {
	err := t.client.Close()
	if cerr := t.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *Transport) abs(relpath string) string {
	return path.Join(t.root, relpath)
}

// Base implements transport.Transport.
func (t *Transport) Base() *url.URL { return t.base }

// Clone implements transport.Transport.
func (t *Transport) Clone(relpath string) (transport.Transport, error) {
	clone := *t
	clone.root = t.abs(relpath)
	clone.base = transport.JoinPath(t.base, relpath)
	return &clone, nil
}

// Has implements transport.Transport.
func (t *Transport) Has(relpath string) (bool, error) {
	_, err := t.client.Stat(t.abs(relpath))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, translateOS(relpath, err)
}

// GetBytes implements transport.Transport.
func (t *Transport) GetBytes(relpath string) ([]byte, error) {
	f, err := t.client.Open(t.abs(relpath))
	if err != nil {
		return nil, translateOS(relpath, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, translateOS(relpath, err)
	}
	t.m.RecordBytesFetched(len(data))
	return data, nil
}

// PutBytes implements transport.Transport. The bytes land in a temporary
// sibling first and are renamed over the target, so a reader never sees a
// half-written file.
func (t *Transport) PutBytes(relpath string, data []byte) error {
	target := t.abs(relpath)
	tmp := target + ".tmp." + uuid.NewString()

	f, err := t.client.Create(tmp)
	if err != nil {
		return translateOS(relpath, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = t.client.Remove(tmp)
		return translateOS(relpath, err)
	}
	if err := f.Close(); err != nil {
		_ = t.client.Remove(tmp)
		return translateOS(relpath, err)
	}
	if err := t.rename(tmp, target); err != nil {
		_ = t.client.Remove(tmp)
		return translateOS(relpath, err)
	}
	return nil
}

// AppendBytes implements transport.Transport.
func (t *Transport) AppendBytes(relpath string, data []byte) (uint64, error) {
	p := t.abs(relpath)

	var prev uint64
	if info, err := t.client.Stat(p); err == nil {
		prev = uint64(info.Size())
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, translateOS(relpath, err)
	}

	f, err := t.client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
	if err != nil {
		return 0, translateOS(relpath, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return 0, translateOS(relpath, err)
	}
	return prev, nil
}

// Mkdir implements transport.Transport.
func (t *Transport) Mkdir(relpath string) error {
	if err := t.client.Mkdir(t.abs(relpath)); err != nil {
		return translateOS(relpath, err)
	}
	return nil
}

// Rename implements transport.Transport.
func (t *Transport) Rename(relFrom, relTo string) error {
	if err := t.rename(t.abs(relFrom), t.abs(relTo)); err != nil {
		return translateOS(relFrom, err)
	}
	return nil
}

// rename prefers the posix-rename extension, which atomically replaces an
// existing target the way the smart server does. Servers without the
// extension get the plain SFTP rename.
func (t *Transport) rename(from, to string) error {
	if err := t.client.PosixRename(from, to); err == nil ||
		!errors.Is(err, sftp.ErrSSHFxOpUnsupported) {
		return err
	}
	return t.client.Rename(from, to)
}

// Delete implements transport.Transport.
func (t *Transport) Delete(relpath string) error {
	if err := t.client.Remove(t.abs(relpath)); err != nil {
		return translateOS(relpath, err)
	}
	return nil
}

// ListDir implements transport.Transport.
func (t *Transport) ListDir(relpath string) ([]string, error) {
	infos, err := t.client.ReadDir(t.abs(relpath))
	if err != nil {
		return nil, translateOS(relpath, err)
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

// Size implements transport.Transport.
func (t *Transport) Size(relpath string) (uint64, error) {
	info, err := t.client.Stat(t.abs(relpath))
	if err != nil {
		return 0, translateOS(relpath, err)
	}
	return uint64(info.Size()), nil
}

// Readv implements transport.Transport. The file is opened once; each wire
// chunk is one ReadAt, which SFTP serves from the already-open handle
// without re-walking the path. The handle is closed when the iterator
// finishes, so a readv never leaves a server-side handle behind.
func (t *Transport) Readv(relpath string, offsets []readv.Request) *readv.Iterator {
	var f *sftp.File

	fetch := func(batch []readv.Chunk) ([][]byte, error) {
		if f == nil {
			var err error
			if f, err = t.client.Open(t.abs(relpath)); err != nil {
				return nil, translateOS(relpath, err)
			}
		}
		out := make([][]byte, len(batch))
		for i, c := range batch {
			buf := make([]byte, c.Length)
			n, err := f.ReadAt(buf, int64(c.Start))
			if err != nil && err != io.EOF {
				return nil, translateOS(relpath, err)
			}
			if uint64(n) < c.Length {
				t.m.RecordShortRead()
				return nil, terrors.NewShortReadError(relpath, c.Start, int(c.Length), n)
			}
			t.m.RecordBytesFetched(n)
			out[i] = buf
		}
		return out, nil
	}

	if t.m != nil && len(offsets) > 0 {
		ranges := readv.Coalesce(offsets, t.params.MaxCombine, t.params.FudgeFactor, 0)
		t.m.RecordReadvPlan(len(offsets), len(ranges))
	}
	it := readv.NewIterator(relpath, offsets, t.params, fetch)
	it.Cleanup(func() {
		if f != nil {
			_ = f.Close()
		}
	})
	return it
}

// LockWrite implements transport.Transport. SFTP has no server-side lock
// primitive this layer can use.
func (t *Transport) LockWrite() (string, error) {
	return "", terrors.NewCannotLockError(t.base.String())
}

// Unlock implements transport.Transport.
func (t *Transport) Unlock(token string) error {
	return terrors.NewCannotLockError(t.base.String())
}

// Call implements transport.Transport. There is no smart server here.
func (t *Transport) Call(method string, args ...string) ([]string, error) {
	return nil, terrors.NewUnknownMethodError(method)
}

// IsReadonly implements transport.Transport.
func (t *Transport) IsReadonly() bool { return false }

// translateOS maps SFTP status and filesystem errors onto the taxonomy.
func translateOS(relpath string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return terrors.NewNotFoundError(relpath)
	case errors.Is(err, fs.ErrExist):
		return terrors.NewFileExistsError(relpath)
	case errors.Is(err, fs.ErrPermission):
		return terrors.NewPermissionDeniedError(relpath, "")
	default:
		return &terrors.TransportError{
			Code:    terrors.ErrReadError,
			Message: "sftp operation failed",
			Path:    relpath,
			Err:     err,
		}
	}
}
