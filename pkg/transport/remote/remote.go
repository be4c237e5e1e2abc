// Package remote implements the transport that speaks the smart protocol
// to a server, over whatever medium the URL called for: a plain TCP
// connection, an SSH channel, or an HTTP tunnel.
package remote

import (
	"net/url"
	"strconv"
	"time"

	"github.com/keelvcs/keel/internal/logger"
	"github.com/keelvcs/keel/pkg/medium"
	"github.com/keelvcs/keel/pkg/metrics"
	"github.com/keelvcs/keel/pkg/smart"
	"github.com/keelvcs/keel/pkg/transport"
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
	"github.com/keelvcs/keel/pkg/transport/readv"
)

// featureReadv is the protocol level that introduced batched reads. Servers
// known to predate it are served with whole-file gets instead, and the
// fallback is remembered on the medium so the newer method is never retried
// on that connection.
var featureReadv = medium.Version{Major: 2, Minor: 0}

// DefaultReadvParams tunes the readv engine for a smart server: no fudge
// (the server reads locally, gaps cost it nothing we'd save), unlimited
// combining, and a 10 MiB byte budget per round trip.
var DefaultReadvParams = readv.Params{
	FudgeFactor:   0,
	MaxCombine:    0,
	MaxChunk:      0,
	MaxBatchBytes: 10 * 1024 * 1024,
}

// pathMapper is implemented by media whose wire paths are relative to a
// base of their own rather than absolute, the HTTP tunnel in particular.
type pathMapper interface {
	RemotePathFrom(target *url.URL) (string, error)
}

// Transport speaks to a smart server. Clones share the parent's client, and
// through it the medium, its cached credentials, and its capability floor.
type Transport struct {
	client *smart.Client
	base   *url.URL
	params readv.Params
	m      *metrics.TransportMetrics
}

// NewTransport creates a smart transport rooted at base over client.
func NewTransport(base *url.URL, client *smart.Client) *Transport {
	return &Transport{
		client: client,
		base:   base,
		params: DefaultReadvParams,
		m:      metrics.NewTransportMetrics(base.Scheme),
	}
}

// WithReadvParams overrides the readv tuning, for configuration and tests.
func (t *Transport) WithReadvParams(p readv.Params) *Transport {
	t.params = p
	return t
}

// remotePath maps a caller-relative path to the path sent on the wire.
func (t *Transport) remotePath(relpath string) (string, error) {
	abs := transport.JoinPath(t.base, relpath)
	if mapper, ok := t.client.Medium().(pathMapper); ok {
		return mapper.RemotePathFrom(abs)
	}
	return abs.Path, nil
}

// call performs a bodyless round trip and translates any error status.
func (t *Transport) call(ctx smart.Context, method string, args ...string) (smart.Response, error) {
	start := time.Now()
	resp, err := t.client.Call(method, args...)
	if err != nil {
		return smart.Response{}, err
	}
	t.m.RecordRoundTrip(method, time.Since(start))
	if err := smart.Translate(resp, ctx); err != nil {
		return smart.Response{}, err
	}
	return resp, nil
}

// Base implements transport.Transport.
func (t *Transport) Base() *url.URL { return t.base }

// Clone implements transport.Transport.
func (t *Transport) Clone(relpath string) (transport.Transport, error) {
	clone := *t
	clone.base = transport.JoinPath(t.base, relpath)
	return &clone, nil
}

// Has implements transport.Transport.
func (t *Transport) Has(relpath string) (bool, error) {
	p, err := t.remotePath(relpath)
	if err != nil {
		return false, err
	}
	resp, err := t.call(smart.Context{Path: relpath}, "Transport.has", p)
	if err != nil {
		return false, err
	}
	if len(resp.Args) != 1 || (resp.Args[0] != "yes" && resp.Args[0] != "no") {
		return false, terrors.NewUnexpectedResponseError(resp.Tuple())
	}
	return resp.Args[0] == "yes", nil
}

// GetBytes implements transport.Transport.
func (t *Transport) GetBytes(relpath string) ([]byte, error) {
	p, err := t.remotePath(relpath)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, body, err := t.client.CallExpectingBody("Transport.get", p)
	if err != nil {
		return nil, err
	}
	t.m.RecordRoundTrip("Transport.get", time.Since(start))
	if err := smart.Translate(resp, smart.Context{Path: relpath}); err != nil {
		return nil, err
	}
	data, err := body.ReadAll()
	if err != nil {
		return nil, err
	}
	t.m.RecordBytesFetched(len(data))
	return data, nil
}

// PutBytes implements transport.Transport.
func (t *Transport) PutBytes(relpath string, data []byte) error {
	p, err := t.remotePath(relpath)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := t.client.CallWithBody(data, "Transport.put", p)
	if err != nil {
		return err
	}
	t.m.RecordRoundTrip("Transport.put", time.Since(start))
	return smart.Translate(resp, smart.Context{Path: relpath})
}

// AppendBytes implements transport.Transport.
func (t *Transport) AppendBytes(relpath string, data []byte) (uint64, error) {
	p, err := t.remotePath(relpath)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := t.client.CallWithBody(data, "Transport.append", p)
	if err != nil {
		return 0, err
	}
	t.m.RecordRoundTrip("Transport.append", time.Since(start))
	if err := smart.Translate(resp, smart.Context{Path: relpath}); err != nil {
		return 0, err
	}
	if len(resp.Args) != 1 {
		return 0, terrors.NewUnexpectedResponseError(resp.Tuple())
	}
	prev, err := strconv.ParseUint(resp.Args[0], 10, 64)
	if err != nil {
		return 0, terrors.NewUnexpectedResponseError(resp.Tuple())
	}
	return prev, nil
}

// Mkdir implements transport.Transport.
func (t *Transport) Mkdir(relpath string) error {
	p, err := t.remotePath(relpath)
	if err != nil {
		return err
	}
	_, err = t.call(smart.Context{Path: relpath}, "Transport.mkdir", p)
	return err
}

// Rename implements transport.Transport.
func (t *Transport) Rename(relFrom, relTo string) error {
	from, err := t.remotePath(relFrom)
	if err != nil {
		return err
	}
	to, err := t.remotePath(relTo)
	if err != nil {
		return err
	}
	_, err = t.call(smart.Context{Path: relFrom}, "Transport.rename", from, to)
	return err
}

// Delete implements transport.Transport.
func (t *Transport) Delete(relpath string) error {
	p, err := t.remotePath(relpath)
	if err != nil {
		return err
	}
	_, err = t.call(smart.Context{Path: relpath}, "Transport.delete", p)
	return err
}

// ListDir implements transport.Transport. The entry names travel as a
// NUL-joined body; an empty directory is an empty body.
func (t *Transport) ListDir(relpath string) ([]string, error) {
	p, err := t.remotePath(relpath)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, body, err := t.client.CallExpectingBody("Transport.list_dir", p)
	if err != nil {
		return nil, err
	}
	t.m.RecordRoundTrip("Transport.list_dir", time.Since(start))
	if err := smart.Translate(resp, smart.Context{Path: relpath}); err != nil {
		return nil, err
	}
	raw, err := body.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return splitNul(raw), nil
}

// Size implements transport.Transport.
func (t *Transport) Size(relpath string) (uint64, error) {
	p, err := t.remotePath(relpath)
	if err != nil {
		return 0, err
	}
	resp, err := t.call(smart.Context{Path: relpath}, "Transport.stat", p)
	if err != nil {
		return 0, err
	}
	if len(resp.Args) != 1 {
		return 0, terrors.NewUnexpectedResponseError(resp.Tuple())
	}
	size, err := strconv.ParseUint(resp.Args[0], 10, 64)
	if err != nil {
		return 0, terrors.NewUnexpectedResponseError(resp.Tuple())
	}
	return size, nil
}

// Readv implements transport.Transport. Each batch of coalesced chunks is
// one Transport.readv round trip. When the server does not know the method
// the whole file is fetched once and sliced locally, and the downgrade is
// remembered on the medium so later readvs on this connection skip the
// failed probe.
func (t *Transport) Readv(relpath string, offsets []readv.Request) *readv.Iterator {
	// The file fetched by the fallback is kept across batches of the same
	// readv so a multi-batch plan costs one get, not one per batch.
	var fallback []byte

	fetch := func(batch []readv.Chunk) ([][]byte, error) {
		if fallback == nil && !t.client.Medium().IsRemoteBefore(featureReadv) {
			data, err := t.fetchReadv(relpath, batch)
			if err == nil {
				return data, nil
			}
			if !terrors.IsUnknownMethodError(err) {
				return nil, err
			}
			t.client.Medium().RememberRemoteIsBefore(featureReadv)
			logger.Debug("server lacks batched reads, falling back to get",
				logger.KeyPath, relpath)
		}
		if fallback == nil {
			data, err := t.GetBytes(relpath)
			if err != nil {
				return nil, err
			}
			fallback = data
		}
		return sliceChunks(relpath, fallback, batch)
	}

	if t.m != nil && len(offsets) > 0 {
		ranges := readv.Coalesce(offsets, t.params.MaxCombine, t.params.FudgeFactor, 0)
		t.m.RecordReadvPlan(len(offsets), len(ranges))
	}
	return readv.NewIterator(relpath, offsets, t.params, fetch)
}

// fetchReadv performs one Transport.readv round trip for a batch.
func (t *Transport) fetchReadv(relpath string, batch []readv.Chunk) ([][]byte, error) {
	p, err := t.remotePath(relpath)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, body, err := t.client.CallWithBodyExpectingBody(
		smart.EncodeReadvBody(batch), "Transport.readv", p)
	if err != nil {
		return nil, err
	}
	t.m.RecordRoundTrip("Transport.readv", time.Since(start))
	if err := smart.Translate(resp, smart.Context{Path: relpath}); err != nil {
		return nil, err
	}
	raw, err := body.ReadAll()
	if err != nil {
		return nil, err
	}
	t.m.RecordBytesFetched(len(raw))

	// The body is the chunks' bytes concatenated in request order.
	out := make([][]byte, len(batch))
	off := uint64(0)
	for i, c := range batch {
		if off+c.Length > uint64(len(raw)) {
			t.m.RecordShortRead()
			return nil, terrors.NewShortReadError(relpath, c.Start,
				int(c.Length), len(raw)-int(off))
		}
		out[i] = raw[off : off+c.Length]
		off += c.Length
	}
	return out, nil
}

// LockWrite implements transport.Transport.
func (t *Transport) LockWrite() (string, error) {
	resp, err := t.call(smart.Context{Path: t.base.Path}, "Transport.lock_write")
	if err != nil {
		if terrors.IsLockError(err) {
			t.m.RecordLockContention()
		}
		return "", err
	}
	if len(resp.Args) != 1 || resp.Args[0] == "" {
		return "", terrors.NewUnexpectedResponseError(resp.Tuple())
	}
	return resp.Args[0], nil
}

// Unlock implements transport.Transport.
func (t *Transport) Unlock(token string) error {
	_, err := t.call(smart.Context{Path: t.base.Path, Token: token},
		"Transport.unlock", token)
	return err
}

// Call implements transport.Transport, passing a raw method through.
func (t *Transport) Call(method string, args ...string) ([]string, error) {
	resp, err := t.call(smart.Context{}, method, args...)
	if err != nil {
		return nil, err
	}
	return resp.Args, nil
}

// IsReadonly implements transport.Transport by asking the server. A server
// that cannot answer is assumed writable; the write itself will say no.
func (t *Transport) IsReadonly() bool {
	resp, err := t.call(smart.Context{}, "Transport.is_readonly")
	if err != nil || len(resp.Args) != 1 {
		return false
	}
	return resp.Args[0] == "yes"
}

// sliceChunks serves wire chunks from an already-fetched file.
func sliceChunks(relpath string, data []byte, batch []readv.Chunk) ([][]byte, error) {
	out := make([][]byte, len(batch))
	for i, c := range batch {
		if c.Start+c.Length > uint64(len(data)) {
			actual := 0
			if c.Start < uint64(len(data)) {
				actual = len(data) - int(c.Start)
			}
			return nil, terrors.NewShortReadError(relpath, c.Start, int(c.Length), actual)
		}
		out[i] = data[c.Start : c.Start+c.Length]
	}
	return out, nil
}

func splitNul(raw []byte) []string {
	var out []string
	start := 0
	for i, b := range raw {
		if b == 0 {
			out = append(out, string(raw[start:i]))
			start = i + 1
		}
	}
	return append(out, string(raw[start:]))
}
