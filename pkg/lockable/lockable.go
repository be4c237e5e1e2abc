// Package lockable composes write locks over token-based resources. A
// branch write locks the branch and the repository behind it; the guard
// keeps the tokens, releases them in reverse order, and never lets one
// failed unlock hide another.
package lockable

import (
	"errors"
	"fmt"
)

// Lockable is a resource guarded by an opaque write-lock token. Both sides
// of the transport surface implement it: remote transports forward to the
// server, the memory transport keeps the token itself.
type Lockable interface {
	// LockWrite acquires the write lock and returns its token.
	LockWrite() (string, error)

	// Unlock releases the lock identified by token.
	Unlock(token string) error
}

// held is one acquired lock awaiting release.
type held struct {
	name  string
	res   Lockable
	token string
}

// Guard acquires a sequence of nested locks and releases them in reverse.
// Zero value is ready to use. Not safe for concurrent use; a guard belongs
// to one logical operation.
type Guard struct {
	locks []held
}

// Lock acquires res and remembers its token. name identifies the resource
// in errors. On failure the guard is left as it was: already-held locks
// stay held until UnlockAll.
func (g *Guard) Lock(name string, res Lockable) (string, error) {
	token, err := res.LockWrite()
	if err != nil {
		return "", fmt.Errorf("locking %s: %w", name, err)
	}
	g.locks = append(g.locks, held{name: name, res: res, token: token})
	return token, nil
}

// Token returns the token held for name, or empty if name is not held.
func (g *Guard) Token(name string) string {
	for _, h := range g.locks {
		if h.name == name {
			return h.token
		}
	}
	return ""
}

// Held reports the number of locks currently held.
func (g *Guard) Held() int { return len(g.locks) }

// UnlockAll releases every held lock, innermost first, and keeps going past
// failures. All failures are reported together: a broken unlock early in
// the unwind must not mask one later, nor the other way round.
func (g *Guard) UnlockAll() error {
	var errs []error
	for i := len(g.locks) - 1; i >= 0; i-- {
		h := g.locks[i]
		if err := h.res.Unlock(h.token); err != nil {
			errs = append(errs, fmt.Errorf("unlocking %s: %w", h.name, err))
		}
	}
	g.locks = nil
	return errors.Join(errs...)
}
