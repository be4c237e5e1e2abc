// Package memory implements a transport backed entirely by process memory.
// It is the reference implementation the smart server is exercised against
// in tests, and a usable scratch space for tooling that wants transport
// semantics without touching disk.
package memory

import (
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/keelvcs/keel/pkg/transport"
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
	"github.com/keelvcs/keel/pkg/transport/readv"
)

// store is the shared state behind a family of cloned transports.
type store struct {
	mu        sync.RWMutex
	files     map[string][]byte
	dirs      map[string]bool
	lockToken string
}

// Transport is an in-memory transport. Clones share one store, so a write
// through one clone is visible through all of them, exactly as clones of an
// on-disk transport share the filesystem.
type Transport struct {
	st       *store
	base     *url.URL
	root     string
	readonly bool
}

// New creates an empty in-memory transport rooted at memory:///.
func New() *Transport {
	st := &store{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
	base, _ := url.Parse("memory:///")
	return &Transport{st: st, base: base, root: "/"}
}

// NewReadonly creates a read-only view over the same store.
func (t *Transport) NewReadonly() *Transport {
	clone := *t
	clone.readonly = true
	return &clone
}

// abs maps a caller-relative path onto the shared store's namespace.
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
	t.st.mu.RLock()
	defer t.st.mu.RUnlock()
	p := t.abs(relpath)
	_, isFile := t.st.files[p]
	return isFile || t.st.dirs[p], nil
}

// GetBytes implements transport.Transport.
func (t *Transport) GetBytes(relpath string) ([]byte, error) {
	t.st.mu.RLock()
	defer t.st.mu.RUnlock()
	data, ok := t.st.files[t.abs(relpath)]
	if !ok {
		return nil, terrors.NewNotFoundError(relpath)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// PutBytes implements transport.Transport.
func (t *Transport) PutBytes(relpath string, data []byte) error {
	if t.readonly {
		return terrors.NewReadOnlyError(relpath)
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	p := t.abs(relpath)
	if err := t.checkParent(relpath, p); err != nil {
		return err
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	t.st.files[p] = stored
	return nil
}

// AppendBytes implements transport.Transport.
func (t *Transport) AppendBytes(relpath string, data []byte) (uint64, error) {
	if t.readonly {
		return 0, terrors.NewReadOnlyError(relpath)
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	p := t.abs(relpath)
	if err := t.checkParent(relpath, p); err != nil {
		return 0, err
	}
	prev := uint64(len(t.st.files[p]))
	t.st.files[p] = append(t.st.files[p], data...)
	return prev, nil
}

// Mkdir implements transport.Transport.
func (t *Transport) Mkdir(relpath string) error {
	if t.readonly {
		return terrors.NewReadOnlyError(relpath)
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	p := t.abs(relpath)
	if t.st.dirs[p] {
		return terrors.NewFileExistsError(relpath)
	}
	if _, isFile := t.st.files[p]; isFile {
		return terrors.NewFileExistsError(relpath)
	}
	if err := t.checkParent(relpath, p); err != nil {
		return err
	}
	t.st.dirs[p] = true
	return nil
}

// Rename implements transport.Transport. Renaming a directory carries its
// whole subtree; renaming a file over an existing file replaces it.
func (t *Transport) Rename(relFrom, relTo string) error {
	if t.readonly {
		return terrors.NewReadOnlyError(relFrom)
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	from, to := t.abs(relFrom), t.abs(relTo)

	if data, isFile := t.st.files[from]; isFile {
		if t.st.dirs[to] {
			return terrors.NewFileExistsError(relTo)
		}
		if err := t.checkParent(relTo, to); err != nil {
			return err
		}
		delete(t.st.files, from)
		t.st.files[to] = data
		return nil
	}

	if t.st.dirs[from] {
		if t.st.dirs[to] || t.st.files[to] != nil {
			return terrors.NewFileExistsError(relTo)
		}
		if err := t.checkParent(relTo, to); err != nil {
			return err
		}
		prefix := strings.TrimSuffix(from, "/") + "/"
		for p, data := range t.st.files {
			if strings.HasPrefix(p, prefix) {
				delete(t.st.files, p)
				t.st.files[to+"/"+strings.TrimPrefix(p, prefix)] = data
			}
		}
		for p := range t.st.dirs {
			if strings.HasPrefix(p, prefix) {
				delete(t.st.dirs, p)
				t.st.dirs[to+"/"+strings.TrimPrefix(p, prefix)] = true
			}
		}
		delete(t.st.dirs, from)
		t.st.dirs[to] = true
		return nil
	}

	return terrors.NewNotFoundError(relFrom)
}

// Delete implements transport.Transport. Files only; a directory with
// entries reports DirectoryNotEmpty.
func (t *Transport) Delete(relpath string) error {
	if t.readonly {
		return terrors.NewReadOnlyError(relpath)
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	p := t.abs(relpath)
	if _, isFile := t.st.files[p]; isFile {
		delete(t.st.files, p)
		return nil
	}
	if t.st.dirs[p] {
		if len(t.childrenLocked(p)) > 0 {
			return terrors.NewDirectoryNotEmptyError(relpath)
		}
		delete(t.st.dirs, p)
		return nil
	}
	return terrors.NewNotFoundError(relpath)
}

// ListDir implements transport.Transport.
func (t *Transport) ListDir(relpath string) ([]string, error) {
	t.st.mu.RLock()
	defer t.st.mu.RUnlock()
	p := t.abs(relpath)
	if !t.st.dirs[p] {
		if _, isFile := t.st.files[p]; isFile {
			return nil, terrors.NewNotADirectoryError(relpath)
		}
		return nil, terrors.NewNotFoundError(relpath)
	}
	names := t.childrenLocked(p)
	sort.Strings(names)
	return names, nil
}

// Size implements transport.Transport.
func (t *Transport) Size(relpath string) (uint64, error) {
	t.st.mu.RLock()
	defer t.st.mu.RUnlock()
	data, ok := t.st.files[t.abs(relpath)]
	if !ok {
		return 0, terrors.NewNotFoundError(relpath)
	}
	return uint64(len(data)), nil
}

// Readv implements transport.Transport. Everything is already in memory, so
// the whole request becomes one local "round trip" that slices the file.
func (t *Transport) Readv(relpath string, offsets []readv.Request) *readv.Iterator {
	params := readv.Params{FudgeFactor: 0}
	return readv.NewIterator(relpath, offsets, params, func(batch []readv.Chunk) ([][]byte, error) {
		data, err := t.GetBytes(relpath)
		if err != nil {
			return nil, err
		}
		out := make([][]byte, len(batch))
		for i, c := range batch {
			if c.Start >= uint64(len(data)) {
				return nil, terrors.NewShortReadError(relpath, c.Start, int(c.Length), 0)
			}
			end := c.Start + c.Length
			if end > uint64(len(data)) {
				end = uint64(len(data))
			}
			out[i] = data[c.Start:end]
		}
		return out, nil
	})
}

// LockWrite implements transport.Transport.
func (t *Transport) LockWrite() (string, error) {
	if t.readonly {
		return "", terrors.NewReadOnlyError(t.root)
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.st.lockToken != "" {
		return "", terrors.NewLockContentionError(t.root)
	}
	t.st.lockToken = uuid.NewString()
	return t.st.lockToken, nil
}

// Unlock implements transport.Transport.
func (t *Transport) Unlock(token string) error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.st.lockToken == "" {
		return terrors.NewNotLockedError(t.root)
	}
	if t.st.lockToken != token {
		return terrors.NewTokenMismatchError(token, t.st.lockToken)
	}
	t.st.lockToken = ""
	return nil
}

// Call implements transport.Transport. There is no server behind a memory
// transport, so every method is unknown.
func (t *Transport) Call(method string, args ...string) ([]string, error) {
	return nil, terrors.NewUnknownMethodError(method)
}

// IsReadonly implements transport.Transport.
func (t *Transport) IsReadonly() bool { return t.readonly }

// checkParent verifies the directory containing p exists. relpath is only
// for the error message.
func (t *Transport) checkParent(relpath, p string) error {
	parent := path.Dir(p)
	if !t.st.dirs[parent] {
		return terrors.NewNotFoundError(path.Dir(relpath))
	}
	return nil
}

// childrenLocked returns the names of entries directly under dir. Caller
// holds the store lock.
func (t *Transport) childrenLocked(dir string) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	seen := make(map[string]bool)
	collect := func(p string) {
		if !strings.HasPrefix(p, prefix) || p == dir {
			return
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = true
	}
	for p := range t.st.files {
		collect(p)
	}
	for p := range t.st.dirs {
		collect(p)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}
