package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/keelvcs/keel/pkg/transport/errors"
	"github.com/keelvcs/keel/pkg/transport/readv"
)

func TestPutGetRoundTrip(t *testing.T) {
	tr := New()
	require.NoError(t, tr.PutBytes("f", []byte("hello")))

	data, err := tr.GetBytes("f")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// The returned slice is a copy; mutating it must not corrupt the store.
	data[0] = 'X'
	again, err := tr.GetBytes("f")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(again))
}

func TestGetMissing(t *testing.T) {
	_, err := New().GetBytes("nope")
	assert.True(t, terrors.IsNotFoundError(err))
}

func TestPutRequiresParentDir(t *testing.T) {
	tr := New()
	err := tr.PutBytes("sub/f", []byte("x"))
	assert.True(t, terrors.IsNotFoundError(err))

	require.NoError(t, tr.Mkdir("sub"))
	assert.NoError(t, tr.PutBytes("sub/f", []byte("x")))
}

func TestAppendBytes(t *testing.T) {
	tr := New()
	prev, err := tr.AppendBytes("log", []byte("aaa"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prev)

	prev, err = tr.AppendBytes("log", []byte("bb"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), prev)

	data, err := tr.GetBytes("log")
	require.NoError(t, err)
	assert.Equal(t, "aaabb", string(data))
}

func TestMkdirTwice(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Mkdir("d"))
	err := tr.Mkdir("d")
	var te *terrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, terrors.ErrFileExists, te.Code)
}

func TestRenameFileAndDirectory(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Mkdir("d"))
	require.NoError(t, tr.PutBytes("d/f", []byte("x")))

	require.NoError(t, tr.Rename("d", "e"))
	has, err := tr.Has("e/f")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = tr.Has("d")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, tr.PutBytes("a", []byte("old")))
	require.NoError(t, tr.PutBytes("b", []byte("new")))
	require.NoError(t, tr.Rename("b", "a"))
	data, err := tr.GetBytes("a")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestDeleteNonEmptyDir(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Mkdir("d"))
	require.NoError(t, tr.PutBytes("d/f", nil))

	err := tr.Delete("d")
	var te *terrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, terrors.ErrDirectoryNotEmpty, te.Code)

	require.NoError(t, tr.Delete("d/f"))
	assert.NoError(t, tr.Delete("d"))
}

func TestListDirSorted(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Mkdir("d"))
	require.NoError(t, tr.PutBytes("d/zebra", nil))
	require.NoError(t, tr.PutBytes("d/apple", nil))
	require.NoError(t, tr.Mkdir("d/sub"))
	require.NoError(t, tr.PutBytes("d/sub/deep", nil))

	names, err := tr.ListDir("d")
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "sub", "zebra"}, names)
}

func TestListDirOnFile(t *testing.T) {
	tr := New()
	require.NoError(t, tr.PutBytes("f", nil))
	_, err := tr.ListDir("f")
	var te *terrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, terrors.ErrNotADirectory, te.Code)
}

func TestSize(t *testing.T) {
	tr := New()
	require.NoError(t, tr.PutBytes("f", []byte("12345")))
	size, err := tr.Size("f")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
}

func TestCloneSharesStore(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Mkdir("sub"))

	clone, err := tr.Clone("sub")
	require.NoError(t, err)
	require.NoError(t, clone.PutBytes("f", []byte("via clone")))

	data, err := tr.GetBytes("sub/f")
	require.NoError(t, err)
	assert.Equal(t, "via clone", string(data))
	assert.Equal(t, "/sub", clone.Base().Path)
}

func TestReadv(t *testing.T) {
	tr := New()
	require.NoError(t, tr.PutBytes("f", []byte("0123456789")))

	results, err := tr.Readv("f", []readv.Request{{Start: 6, Length: 4}, {Start: 0, Length: 2}}).Collect()
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "6789", string(results[0].Data))
	assert.Equal(t, "01", string(results[1].Data))
}

func TestReadvPastEOF(t *testing.T) {
	tr := New()
	require.NoError(t, tr.PutBytes("f", []byte("short")))

	_, err := tr.Readv("f", []readv.Request{{Start: 3, Length: 10}}).Collect()
	assert.True(t, terrors.IsShortReadError(err))
}

func TestLockStateMachine(t *testing.T) {
	tr := New()

	token, err := tr.LockWrite()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = tr.LockWrite()
	assert.True(t, terrors.IsLockError(err))

	err = tr.Unlock("wrong")
	var te *terrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, terrors.ErrTokenMismatch, te.Code)

	require.NoError(t, tr.Unlock(token))

	err = tr.Unlock(token)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, terrors.ErrNotLocked, te.Code)
}

func TestReadonly(t *testing.T) {
	tr := New()
	require.NoError(t, tr.PutBytes("f", []byte("x")))

	ro := tr.NewReadonly()
	assert.True(t, ro.IsReadonly())

	data, err := ro.GetBytes("f")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	var te *terrors.TransportError
	require.ErrorAs(t, ro.PutBytes("f", nil), &te)
	assert.Equal(t, terrors.ErrReadOnly, te.Code)
	_, err = ro.LockWrite()
	require.ErrorAs(t, err, &te)
	assert.Equal(t, terrors.ErrReadOnly, te.Code)
}

func TestCallIsUnknown(t *testing.T) {
	_, err := New().Call("Branch.revision_history")
	assert.True(t, terrors.IsUnknownMethodError(err))
}
