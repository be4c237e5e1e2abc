package smart

import (
	"github.com/keelvcs/keel/internal/logger"
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
)

// Context carries what the caller knows about the request that failed.
// Translation prefers these local values over whatever the server echoed
// back: the caller knows which path and token it used, the server only
// knows what it received.
type Context struct {
	Path     string
	Token    string
	Branch   string
	Revision string
}

// Translate maps an error response onto the typed taxonomy. An ok response
// translates to nil. Verbs the client does not recognise become an
// UnknownServer error preserving the raw tuple, never a panic: old clients
// must survive new servers.
func Translate(resp Response, ctx Context) error {
	switch resp.Status {
	case StatusOK:
		return nil

	case StatusUnknownMethod:
		method := ""
		if len(resp.Args) > 0 {
			method = resp.Args[0]
		}
		return terrors.NewUnknownMethodError(method)

	case "NoSuchFile":
		return terrors.NewNotFoundError(pick(ctx.Path, resp.Args, 0))

	case "FileExists":
		return terrors.NewFileExistsError(pick(ctx.Path, resp.Args, 0))

	case "DirectoryNotEmpty":
		return terrors.NewDirectoryNotEmptyError(pick(ctx.Path, resp.Args, 0))

	case "NotADirectory":
		return terrors.NewNotADirectoryError(pick(ctx.Path, resp.Args, 0))

	case "PermissionDenied":
		extra := ""
		if len(resp.Args) > 1 {
			extra = resp.Args[1]
		}
		return terrors.NewPermissionDeniedError(pick(ctx.Path, resp.Args, 0), extra)

	case "ReadError":
		return terrors.NewReadError(pick(ctx.Path, resp.Args, 0))

	case "ReadOnlyError":
		return terrors.NewReadOnlyError(ctx.Path)

	case "ShortReadvError":
		return &terrors.TransportError{
			Code:    terrors.ErrShortRead,
			Message: "server reported a short read",
			Path:    pick(ctx.Path, resp.Args, 0),
		}

	case "LockContention":
		return terrors.NewLockContentionError(pick(ctx.Path, resp.Args, 0))

	case "TokenMismatch":
		held := ""
		if len(resp.Args) > 0 {
			held = resp.Args[0]
		}
		return terrors.NewTokenMismatchError(ctx.Token, held)

	case "NotLocked":
		return terrors.NewNotLockedError(pick(ctx.Path, resp.Args, 0))

	case "UnlockableTransport":
		return terrors.NewCannotLockError(ctx.Path)

	case "NoSuchRevision":
		return terrors.NewNoSuchRevisionError(ctx.Branch, ctx.Revision)

	case "NotStacked":
		return terrors.NewNotStackedError(ctx.Branch)

	default:
		logger.Debug("unrecognised error verb from server",
			logger.KeyStatus, resp.Status,
			logger.KeyArgCount, len(resp.Args))
		return terrors.NewUnknownServerError(resp.Tuple())
	}
}

// pick prefers the locally known value and falls back to the server's echo.
// When neither side has it the error still carries its code, just without
// the detail; that is logged so a server-side framing bug is findable.
func pick(local string, args []string, i int) string {
	if local != "" {
		return local
	}
	if i < len(args) && args[i] != "" {
		return args[i]
	}
	logger.Debug("error verb arrived without its expected detail")
	return ""
}
