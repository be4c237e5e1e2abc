package smart

import (
	"bufio"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/keelvcs/keel/internal/logger"
	"github.com/keelvcs/keel/pkg/transport"
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
	"github.com/keelvcs/keel/pkg/transport/readv"
)

// Protocol version announced by Hello.
const (
	ProtocolMajor = 2
	ProtocolMinor = 0
)

// methodsWithBody is the set of methods whose request carries a body. The
// server must know this up front to keep the stream framed.
var methodsWithBody = map[string]bool{
	"Transport.put":    true,
	"Transport.append": true,
	"Transport.readv":  true,
}

// Server answers smart protocol requests against a backing transport. It
// serves the in-process and loopback cases: tests, the standalone daemon,
// and the receiving end of an SSH subprocess channel.
type Server struct {
	backing transport.Transport
}

// NewServer creates a server answering requests against backing.
func NewServer(backing transport.Transport) *Server {
	return &Server{backing: backing}
}

// Serve handles requests from conn until the peer closes the stream.
// Protocol errors tear the connection down; per-request failures are
// reported to the peer as error verbs and the loop continues.
func (s *Server) Serve(conn io.ReadWriter) error {
	r := bufio.NewReader(conn)
	for {
		if err := s.serveOne(r, conn); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// serveOne reads one request, dispatches it, and writes the response.
func (s *Server) serveOne(r *bufio.Reader, w io.Writer) error {
	tuple, err := readTuple(r)
	if err != nil {
		return err
	}
	method, args := tuple[0], tuple[1:]

	var reqBody []byte
	if methodsWithBody[method] {
		n, err := readBodyLength(r)
		if err != nil {
			return err
		}
		reqBody = make([]byte, n)
		if _, err := io.ReadFull(r, reqBody); err != nil {
			return terrors.NewConnectionResetError("reading request body", err)
		}
		if err := readBodyTrailer(r); err != nil {
			return err
		}
	}

	resp, respBody, hasBody := s.dispatch(method, args, reqBody)

	logger.Debug("smart request",
		logger.KeyMethod, method,
		logger.KeyArgCount, len(args),
		logger.KeyStatus, resp.Status)

	if err := writeTuple(w, resp.Tuple()); err != nil {
		return err
	}
	if hasBody {
		return writeBody(w, respBody)
	}
	return nil
}

// dispatch routes a request to its handler. The third result reports
// whether a response body follows the tuple; an empty body is still a body.
func (s *Server) dispatch(method string, args []string, body []byte) (Response, []byte, bool) {
	switch method {
	case "hello":
		return ok(strconv.Itoa(ProtocolMajor), strconv.Itoa(ProtocolMinor)), nil, false

	case "Transport.has":
		if len(args) != 1 {
			return badArgs(method), nil, false
		}
		present, err := s.backing.Has(args[0])
		if err != nil {
			return errorResponse(err), nil, false
		}
		return ok(yesNo(present)), nil, false

	case "Transport.get":
		if len(args) != 1 {
			return badArgs(method), nil, false
		}
		data, err := s.backing.GetBytes(args[0])
		if err != nil {
			return errorResponse(err), nil, false
		}
		return ok(), data, true

	case "Transport.put":
		if len(args) != 1 {
			return badArgs(method), nil, false
		}
		if err := s.backing.PutBytes(args[0], body); err != nil {
			return errorResponse(err), nil, false
		}
		return ok(), nil, false

	case "Transport.append":
		if len(args) != 1 {
			return badArgs(method), nil, false
		}
		prev, err := s.backing.AppendBytes(args[0], body)
		if err != nil {
			return errorResponse(err), nil, false
		}
		return ok(strconv.FormatUint(prev, 10)), nil, false

	case "Transport.mkdir":
		if len(args) != 1 {
			return badArgs(method), nil, false
		}
		if err := s.backing.Mkdir(args[0]); err != nil {
			return errorResponse(err), nil, false
		}
		return ok(), nil, false

	case "Transport.rename":
		if len(args) != 2 {
			return badArgs(method), nil, false
		}
		if err := s.backing.Rename(args[0], args[1]); err != nil {
			return errorResponse(err), nil, false
		}
		return ok(), nil, false

	case "Transport.delete":
		if len(args) != 1 {
			return badArgs(method), nil, false
		}
		if err := s.backing.Delete(args[0]); err != nil {
			return errorResponse(err), nil, false
		}
		return ok(), nil, false

	case "Transport.list_dir":
		if len(args) != 1 {
			return badArgs(method), nil, false
		}
		names, err := s.backing.ListDir(args[0])
		if err != nil {
			return errorResponse(err), nil, false
		}
		return ok(), []byte(strings.Join(names, "\x00")), true

	case "Transport.stat":
		if len(args) != 1 {
			return badArgs(method), nil, false
		}
		size, err := s.backing.Size(args[0])
		if err != nil {
			return errorResponse(err), nil, false
		}
		return ok(strconv.FormatUint(size, 10)), nil, false

	case "Transport.readv":
		if len(args) != 1 {
			return badArgs(method), nil, false
		}
		data, err := s.readvBody(args[0], body)
		if err != nil {
			return errorResponse(err), nil, false
		}
		return ok(), data, true

	case "Transport.lock_write":
		token, err := s.backing.LockWrite()
		if err != nil {
			return errorResponse(err), nil, false
		}
		return ok(token), nil, false

	case "Transport.unlock":
		if len(args) != 1 {
			return badArgs(method), nil, false
		}
		if err := s.backing.Unlock(args[0]); err != nil {
			return errorResponse(err), nil, false
		}
		return ok(), nil, false

	case "Transport.is_readonly":
		return ok(yesNo(s.backing.IsReadonly())), nil, false

	default:
		return Response{Status: StatusUnknownMethod, Args: []string{method}}, nil, false
	}
}

// readvBody reads the requested wire chunks from the backing transport and
// concatenates them in request order.
func (s *Server) readvBody(relpath string, body []byte) ([]byte, error) {
	chunks, err := decodeOffsets(body)
	if err != nil {
		return nil, err
	}
	requests := make([]readv.Request, len(chunks))
	for i, c := range chunks {
		if c.Length > math.MaxUint32 {
			return nil, terrors.NewProtocolError("readv chunk exceeds 4GiB")
		}
		requests[i] = readv.Request{Start: c.Start, Length: uint32(c.Length)}
	}
	var out []byte
	it := s.backing.Readv(relpath, requests)
	for it.Next() {
		out = append(out, it.Result().Data...)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func ok(args ...string) Response {
	return Response{Status: StatusOK, Args: args}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func badArgs(method string) Response {
	return Response{Status: "error", Args: []string{"wrong argument count for " + method}}
}

// errorResponse maps a handler failure onto its wire verb. Failures with no
// verb of their own travel as the generic "error" status with a message.
func errorResponse(err error) Response {
	var te *terrors.TransportError
	if !errors.As(err, &te) {
		return Response{Status: "error", Args: []string{err.Error()}}
	}
	switch te.Code {
	case terrors.ErrNotFound:
		return Response{Status: "NoSuchFile", Args: []string{te.Path}}
	case terrors.ErrFileExists:
		return Response{Status: "FileExists", Args: []string{te.Path}}
	case terrors.ErrDirectoryNotEmpty:
		return Response{Status: "DirectoryNotEmpty", Args: []string{te.Path}}
	case terrors.ErrNotADirectory:
		return Response{Status: "NotADirectory", Args: []string{te.Path}}
	case terrors.ErrPermissionDenied:
		return Response{Status: "PermissionDenied", Args: []string{te.Path}}
	case terrors.ErrReadError:
		return Response{Status: "ReadError", Args: []string{te.Path}}
	case terrors.ErrReadOnly:
		return Response{Status: "ReadOnlyError"}
	case terrors.ErrShortRead:
		return Response{Status: "ShortReadvError", Args: []string{te.Path}}
	case terrors.ErrLockContention:
		return Response{Status: "LockContention", Args: []string{te.Path}}
	case terrors.ErrTokenMismatch:
		return Response{Status: "TokenMismatch"}
	case terrors.ErrNotLocked:
		return Response{Status: "NotLocked", Args: []string{te.Path}}
	case terrors.ErrCannotLock:
		return Response{Status: "UnlockableTransport"}
	case terrors.ErrNoSuchRevision:
		return Response{Status: "NoSuchRevision"}
	case terrors.ErrNotStacked:
		return Response{Status: "NotStacked"}
	default:
		return Response{Status: "error", Args: []string{te.Error()}}
	}
}
