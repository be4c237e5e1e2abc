package dial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelvcs/keel/internal/bytesize"
	"github.com/keelvcs/keel/pkg/config"
	"github.com/keelvcs/keel/pkg/transport/readv"
	"github.com/keelvcs/keel/pkg/transport/remote"
)

func TestOpenMemory(t *testing.T) {
	tr, err := Open("memory:///")
	require.NoError(t, err)

	require.NoError(t, tr.PutBytes("file", []byte("hi")))
	data, err := tr.GetBytes("file")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)
}

func TestOpenUnknownScheme(t *testing.T) {
	_, err := Open("gopher://host/file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gopher")
}

func TestOpenBadURL(t *testing.T) {
	_, err := Open("keel://host:port with spaces/")
	assert.Error(t, err)
}

func TestOpenTCPIsLazy(t *testing.T) {
	// No listener exists; dialing is deferred until the first request,
	// so Open itself must succeed.
	tr, err := Open("keel://127.0.0.1:1/path")
	require.NoError(t, err)
	assert.Equal(t, "/path", tr.Base().Path)
	assert.IsType(t, &remote.Transport{}, tr)
}

func TestReadvParamsOverlay(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Readv.MaxCombine = 7
	cfg.Readv.MaxBatchBytes = bytesize.ByteSize(1024)

	d := New(cfg)
	p, set := d.readvParams(remote.DefaultReadvParams)
	require.True(t, set)
	assert.Equal(t, 7, p.MaxCombine)
	assert.Equal(t, uint64(1024), p.MaxBatchBytes)
	// Untouched fields keep the transport defaults.
	assert.Equal(t, remote.DefaultReadvParams.FudgeFactor, p.FudgeFactor)
	assert.Equal(t, remote.DefaultReadvParams.MaxChunk, p.MaxChunk)
}

func TestReadvParamsUnsetKeepsDefaults(t *testing.T) {
	d := New(nil)
	p, set := d.readvParams(readv.Params{FudgeFactor: 3, MaxCombine: 4})
	assert.False(t, set)
	assert.Equal(t, readv.Params{FudgeFactor: 3, MaxCombine: 4}, p)
}
