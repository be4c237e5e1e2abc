// Package smart implements the client and server sides of the keel smart
// protocol: framed method calls and responses over a medium, with optional
// length-delimited bodies.
//
// Wire format, version 1:
//
//	request  := field ("\x01" field)* "\n" [body]
//	response := field ("\x01" field)* "\n" [body]
//	body     := decimal-length "\n" raw-bytes "done\n"
//
// The first request field is the method name; the first response field is
// the status: "ok", an error verb, or the UnknownMethod sentinel with the
// offending method name as the next field. Fields are byte strings that must
// not contain 0x01 or newline.
package smart

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	terrors "github.com/keelvcs/keel/pkg/transport/errors"
	"github.com/keelvcs/keel/pkg/transport/readv"
)

const (
	fieldSep = "\x01"

	// bodyTrailer terminates every body so a desynchronised stream is
	// detected immediately rather than corrupting the next call.
	bodyTrailer = "done\n"

	// StatusOK is the success status verb.
	StatusOK = "ok"

	// StatusUnknownMethod is the sentinel status for a method the server
	// does not recognise.
	StatusUnknownMethod = "UnknownMethod"

	// maxTupleLine bounds a single request or response line. Tuples carry
	// paths and tokens, not file data; anything longer is a framing error.
	maxTupleLine = 64 * 1024
)

// Response is a decoded response tuple. The raw status verb is kept as
// received; Translate maps error verbs onto the typed taxonomy at the
// client boundary.
type Response struct {
	Status string
	Args   []string
}

// IsOK reports whether the response carries the success status.
func (r Response) IsOK() bool { return r.Status == StatusOK }

// IsUnknownMethod reports whether the server rejected the method name.
func (r Response) IsUnknownMethod() bool { return r.Status == StatusUnknownMethod }

// Tuple returns the response as a flat tuple, status first.
func (r Response) Tuple() []string {
	return append([]string{r.Status}, r.Args...)
}

// writeTuple encodes one request or response line.
func writeTuple(w io.Writer, fields []string) error {
	if len(fields) == 0 {
		return terrors.NewProtocolError("cannot encode empty tuple")
	}
	for _, f := range fields {
		if strings.ContainsAny(f, fieldSep+"\n") {
			return terrors.NewProtocolError(fmt.Sprintf(
				"tuple field %q contains a framing byte", f))
		}
	}
	_, err := io.WriteString(w, strings.Join(fields, fieldSep)+"\n")
	return err
}

// readTuple decodes one request or response line.
func readTuple(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	return strings.Split(line, fieldSep), nil
}

// readLine reads up to and including a newline, enforcing the tuple bound,
// and returns the line without the trailing newline.
func readLine(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && buf.Len() == 0 {
				return "", io.EOF
			}
			return "", terrors.NewConnectionResetError(
				"mid-line end of stream", err)
		}
		if b == '\n' {
			return buf.String(), nil
		}
		buf.WriteByte(b)
		if buf.Len() > maxTupleLine {
			return "", terrors.NewProtocolError("tuple line exceeds limit")
		}
	}
}

// writeBody encodes a length-delimited body with its trailer.
func writeBody(w io.Writer, body []byte) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(body)); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err := io.WriteString(w, bodyTrailer)
	return err
}

// readBodyLength reads the decimal length line that opens a body.
func readBodyLength(r *bufio.Reader) (int, error) {
	line, err := readLine(r)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 0 {
		return 0, terrors.NewProtocolError(fmt.Sprintf(
			"malformed body length %q", line))
	}
	return n, nil
}

// readBodyTrailer consumes and verifies the body trailer.
func readBodyTrailer(r *bufio.Reader) error {
	trailer := make([]byte, len(bodyTrailer))
	if _, err := io.ReadFull(r, trailer); err != nil {
		return terrors.NewConnectionResetError("reading body trailer", err)
	}
	if string(trailer) != bodyTrailer {
		return terrors.NewProtocolError(fmt.Sprintf(
			"bad body trailer %q", trailer))
	}
	return nil
}

// encodeOffsets serialises wire chunks for a readv body, one
// "start,length" line per chunk.
func encodeOffsets(chunks []readv.Chunk) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		fmt.Fprintf(&buf, "%d,%d\n", c.Start, c.Length)
	}
	return buf.Bytes()
}

// decodeOffsets parses a readv request body.
func decodeOffsets(body []byte) ([]readv.Chunk, error) {
	var chunks []readv.Chunk
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			continue
		}
		start, length, ok := strings.Cut(line, ",")
		if !ok {
			return nil, terrors.NewProtocolError(fmt.Sprintf(
				"malformed readv offset line %q", line))
		}
		s, err1 := strconv.ParseUint(start, 10, 64)
		l, err2 := strconv.ParseUint(length, 10, 64)
		if err1 != nil || err2 != nil {
			return nil, terrors.NewProtocolError(fmt.Sprintf(
				"malformed readv offset line %q", line))
		}
		chunks = append(chunks, readv.Chunk{Start: s, Length: l})
	}
	return chunks, nil
}
