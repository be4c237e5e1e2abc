package remote_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelvcs/keel/pkg/medium"
	"github.com/keelvcs/keel/pkg/smart"
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
	"github.com/keelvcs/keel/pkg/transport/memory"
	"github.com/keelvcs/keel/pkg/transport/readv"
	"github.com/keelvcs/keel/pkg/transport/remote"
)

// startRemote connects a remote transport to an in-process smart server
// backed by a memory transport.
func startRemote(t *testing.T) (*remote.Transport, *memory.Transport) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	backing := memory.New()
	go func() { _ = smart.NewServer(backing).Serve(serverConn) }()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})

	base, err := url.Parse("keel://localhost/")
	require.NoError(t, err)
	med := medium.NewConnectedMedium("pipe", clientConn)
	return remote.NewTransport(base, smart.NewClient(med)), backing
}

func TestRemoteFileOperations(t *testing.T) {
	tr, _ := startRemote(t)

	require.NoError(t, tr.PutBytes("f", []byte("payload")))

	has, err := tr.Has("f")
	require.NoError(t, err)
	assert.True(t, has)

	data, err := tr.GetBytes("f")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	size, err := tr.Size("f")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), size)

	prev, err := tr.AppendBytes("f", []byte("!"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), prev)

	require.NoError(t, tr.Rename("f", "g"))
	require.NoError(t, tr.Delete("g"))

	_, err = tr.GetBytes("g")
	assert.True(t, terrors.IsNotFoundError(err))
}

func TestRemoteErrorCarriesCallerPath(t *testing.T) {
	tr, _ := startRemote(t)

	var te *terrors.TransportError
	_, err := tr.GetBytes("missing/file")
	require.ErrorAs(t, err, &te)
	assert.Equal(t, terrors.ErrNotFound, te.Code)
	assert.Equal(t, "missing/file", te.Path)
}

func TestRemoteDirOperations(t *testing.T) {
	tr, _ := startRemote(t)

	require.NoError(t, tr.Mkdir("d"))
	require.NoError(t, tr.PutBytes("d/one", nil))
	require.NoError(t, tr.PutBytes("d/two", nil))

	names, err := tr.ListDir("d")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, names)

	empty, err := tr.ListDir("d/../d") // still inside the base
	require.NoError(t, err)
	assert.Len(t, empty, 2)
}

func TestRemoteCloneSharesConnection(t *testing.T) {
	tr, backing := startRemote(t)
	require.NoError(t, tr.Mkdir("sub"))

	clone, err := tr.Clone("sub")
	require.NoError(t, err)
	require.NoError(t, clone.PutBytes("f", []byte("x")))

	data, err := backing.GetBytes("sub/f")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
	assert.Equal(t, "/sub", clone.Base().Path)
}

func TestRemoteReadv(t *testing.T) {
	tr, _ := startRemote(t)
	require.NoError(t, tr.PutBytes("f", []byte("0123456789ABCDEFGHIJ")))

	offsets := []readv.Request{{Start: 12, Length: 4}, {Start: 0, Length: 4}}
	results, err := tr.Readv("f", offsets).Collect()
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "CDEF", string(results[0].Data))
	assert.Equal(t, "0123", string(results[1].Data))
}

func TestRemoteReadvEmptyNoTraffic(t *testing.T) {
	// No server on the far side at all: an empty readv must not touch it.
	base, _ := url.Parse("keel://localhost/")
	med := medium.NewStreamMedium("never", medium.Credentials{},
		func(medium.Credentials) (medium.Conn, error) {
			return nil, fmt.Errorf("dial must not happen")
		})
	tr := remote.NewTransport(base, smart.NewClient(med))

	results, err := tr.Readv("f", nil).Collect()
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRemoteLockTokens(t *testing.T) {
	tr, _ := startRemote(t)

	token, err := tr.LockWrite()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = tr.LockWrite()
	assert.True(t, terrors.IsLockError(err))

	var te *terrors.TransportError
	require.ErrorAs(t, tr.Unlock("bogus"), &te)
	assert.Equal(t, terrors.ErrTokenMismatch, te.Code)
	// The token the caller presented is named in the failure.
	assert.Contains(t, te.Error(), "bogus")

	require.NoError(t, tr.Unlock(token))
}

// legacyServer speaks just enough of the wire protocol to refuse
// Transport.readv and serve Transport.get, standing in for a server from
// before batched reads existed.
type legacyServer struct {
	file          []byte
	readvAttempts int
	getCalls      int
}

func (s *legacyServer) serve(conn io.ReadWriter) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Split(strings.TrimSuffix(line, "\n"), "\x01")
		switch fields[0] {
		case "Transport.readv":
			s.readvAttempts++
			s.discardBody(r)
			fmt.Fprintf(conn, "UnknownMethod\x01Transport.readv\n")
		case "Transport.get":
			s.getCalls++
			fmt.Fprintf(conn, "ok\n%d\n%sdone\n", len(s.file), s.file)
		default:
			fmt.Fprintf(conn, "UnknownMethod\x01%s\n", fields[0])
		}
	}
}

func (s *legacyServer) discardBody(r *bufio.Reader) {
	var n int
	line, _ := r.ReadString('\n')
	fmt.Sscanf(line, "%d", &n)
	_, _ = io.CopyN(io.Discard, r, int64(n)+int64(len("done\n")))
}

func TestRemoteReadvFallbackNeverRetried(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	srv := &legacyServer{file: []byte("0123456789ABCDEFGHIJ")}
	go srv.serve(serverConn)
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})

	base, _ := url.Parse("keel://localhost/")
	med := medium.NewConnectedMedium("pipe", clientConn)
	tr := remote.NewTransport(base, smart.NewClient(med))

	// First readv probes the method, gets refused, and falls back to a
	// whole-file get. The results are still correct.
	results, err := tr.Readv("f", []readv.Request{{Start: 10, Length: 5}}).Collect()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ABCDE", string(results[0].Data))
	assert.Equal(t, 1, srv.readvAttempts)
	assert.Equal(t, 1, srv.getCalls)

	// Second readv on the same connection must not probe again.
	results, err = tr.Readv("f", []readv.Request{{Start: 0, Length: 3}}).Collect()
	require.NoError(t, err)
	assert.Equal(t, "012", string(results[0].Data))
	assert.Equal(t, 1, srv.readvAttempts)
	assert.Equal(t, 2, srv.getCalls)
}
