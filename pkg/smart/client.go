package smart

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/keelvcs/keel/internal/logger"
	"github.com/keelvcs/keel/pkg/medium"
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
	"github.com/keelvcs/keel/pkg/transport/readv"
)

// Client speaks the smart protocol over a single medium. Calls are strictly
// sequential: each request is fully written and its response fully consumed
// before the next call starts, enforced by an internal mutex. A response
// body returned as a BodyReader holds that mutex until it is drained or
// cancelled.
type Client struct {
	mu  sync.Mutex
	med medium.Medium
	r   *bufio.Reader
}

// NewClient creates a protocol client over the given medium.
func NewClient(med medium.Medium) *Client {
	return &Client{
		med: med,
		r:   bufio.NewReader(med),
	}
}

// Medium returns the underlying medium, for capability tracking and
// credential caching shared across cloned transports.
func (c *Client) Medium() medium.Medium {
	return c.med
}

// Call performs a bodyless request and returns the decoded response tuple.
func (c *Client) Call(method string, args ...string) (Response, error) {
	resp, _, err := c.roundTrip(nil, false, false, method, args)
	return resp, err
}

// CallWithBody performs a request carrying a byte body, such as a file
// upload, and returns the decoded response tuple.
func (c *Client) CallWithBody(body []byte, method string, args ...string) (Response, error) {
	resp, _, err := c.roundTrip(body, true, false, method, args)
	return resp, err
}

// CallExpectingBody performs a bodyless request whose successful response
// carries a body. On a non-ok status the BodyReader is nil.
func (c *Client) CallExpectingBody(method string, args ...string) (Response, *BodyReader, error) {
	return c.roundTrip(nil, false, true, method, args)
}

// CallWithBodyExpectingBody performs a request that carries a body and whose
// successful response carries one too, the shape used by batched reads.
func (c *Client) CallWithBodyExpectingBody(body []byte, method string, args ...string) (Response, *BodyReader, error) {
	return c.roundTrip(body, true, true, method, args)
}

// Hello probes the server and returns its protocol version. Used once per
// connection to detect ancient servers up front instead of on first failure.
func (c *Client) Hello() (medium.Version, error) {
	resp, err := c.Call("hello")
	if err != nil {
		return medium.Version{}, err
	}
	if !resp.IsOK() || len(resp.Args) < 1 {
		return medium.Version{}, terrors.NewUnexpectedResponseError(resp.Tuple())
	}
	major, err := strconv.Atoi(resp.Args[0])
	if err != nil {
		return medium.Version{}, terrors.NewUnexpectedResponseError(resp.Tuple())
	}
	minor := 0
	if len(resp.Args) > 1 {
		if minor, err = strconv.Atoi(resp.Args[1]); err != nil {
			return medium.Version{}, terrors.NewUnexpectedResponseError(resp.Tuple())
		}
	}
	return medium.Version{Major: major, Minor: minor}, nil
}

// roundTrip writes one request and decodes the response status line. When
// expectBody is set and the status is ok, the returned BodyReader keeps the
// client locked until the body is fully consumed.
func (c *Client) roundTrip(body []byte, hasBody, expectBody bool, method string, args []string) (Response, *BodyReader, error) {
	c.mu.Lock()
	unlock := true
	defer func() {
		if unlock {
			c.mu.Unlock()
		}
	}()

	start := time.Now()

	// The request is assembled in one buffer and written in one piece so
	// buffering media (the HTTP tunnel) ship exactly one round trip.
	var req bytes.Buffer
	if err := writeTuple(&req, append([]string{method}, args...)); err != nil {
		return Response{}, nil, err
	}
	if hasBody {
		if err := writeBody(&req, body); err != nil {
			return Response{}, nil, err
		}
	}
	if _, err := c.med.Write(req.Bytes()); err != nil {
		return Response{}, nil, err
	}

	tuple, err := readTuple(c.r)
	if err != nil {
		if err == io.EOF {
			err = terrors.NewConnectionResetError("no response to "+method, nil)
		}
		return Response{}, nil, err
	}
	resp := Response{Status: tuple[0], Args: tuple[1:]}

	logger.Debug("smart call",
		logger.KeyMethod, method,
		logger.KeyArgCount, len(args),
		logger.KeyStatus, resp.Status,
		logger.KeyDurationMs, time.Since(start).Milliseconds())

	if !expectBody || !resp.IsOK() {
		return resp, nil, nil
	}

	n, err := readBodyLength(c.r)
	if err != nil {
		return Response{}, nil, err
	}
	unlock = false
	return resp, &BodyReader{c: c, r: c.r, remaining: n}, nil
}

// BodyReader streams a response body. The owning client stays locked until
// the body is read to EOF or cancelled, whichever comes first; forgetting to
// do either deadlocks the next call, never corrupts the stream.
type BodyReader struct {
	c         *Client
	r         *bufio.Reader
	remaining int
	done      bool
	finishErr error
}

// Len returns the number of body bytes not yet read.
func (b *BodyReader) Len() int { return b.remaining }

// Read implements io.Reader over the body bytes.
func (b *BodyReader) Read(p []byte) (int, error) {
	if b.remaining == 0 {
		if err := b.finish(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	if len(p) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := io.ReadFull(b.r, p)
	b.remaining -= n
	if err != nil {
		b.done = true
		b.c.mu.Unlock()
		return n, terrors.NewConnectionResetError("mid-body end of stream", err)
	}
	return n, nil
}

// ReadAll drains the remaining body into memory and releases the client.
func (b *BodyReader) ReadAll() ([]byte, error) {
	out := make([]byte, b.remaining)
	if b.remaining > 0 {
		if _, err := b.Read(out); err != nil {
			return nil, err
		}
	}
	if err := b.finish(); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel discards whatever body bytes remain so the connection is left
// positioned at the next response, then releases the client. Safe to call
// after EOF.
func (b *BodyReader) Cancel() error {
	if b.done {
		return nil
	}
	if b.remaining > 0 {
		n, err := io.CopyN(io.Discard, b.r, int64(b.remaining))
		b.remaining -= int(n)
		if err != nil {
			b.done = true
			b.c.mu.Unlock()
			return terrors.NewConnectionResetError("discarding body", err)
		}
	}
	return b.finish()
}

// finish verifies the trailer and unlocks the client, exactly once.
func (b *BodyReader) finish() error {
	if b.done {
		return b.finishErr
	}
	b.done = true
	b.finishErr = readBodyTrailer(b.r)
	b.c.mu.Unlock()
	return b.finishErr
}

// EncodeReadvBody renders wire chunks as a readv request body.
func EncodeReadvBody(chunks []readv.Chunk) []byte {
	return encodeOffsets(chunks)
}

// DecodeReadvBody parses a readv request body back into wire chunks.
func DecodeReadvBody(body []byte) ([]readv.Chunk, error) {
	return decodeOffsets(body)
}
