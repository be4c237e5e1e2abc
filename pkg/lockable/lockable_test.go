package lockable

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResource records lock traffic for order assertions.
type fakeResource struct {
	name      string
	events    *[]string
	lockErr   error
	unlockErr error
}

func (f *fakeResource) LockWrite() (string, error) {
	if f.lockErr != nil {
		return "", f.lockErr
	}
	*f.events = append(*f.events, "lock "+f.name)
	return "token-" + f.name, nil
}

func (f *fakeResource) Unlock(token string) error {
	*f.events = append(*f.events, "unlock "+f.name+" "+token)
	return f.unlockErr
}

func TestGuardUnwindsInReverseOrder(t *testing.T) {
	var events []string
	repo := &fakeResource{name: "repo", events: &events}
	branch := &fakeResource{name: "branch", events: &events}

	var g Guard
	repoToken, err := g.Lock("repo", repo)
	require.NoError(t, err)
	branchToken, err := g.Lock("branch", branch)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Held())

	require.NoError(t, g.UnlockAll())
	assert.Equal(t, []string{
		"lock repo",
		"lock branch",
		"unlock branch " + branchToken,
		"unlock repo " + repoToken,
	}, events)
	assert.Equal(t, 0, g.Held())
}

func TestGuardTokenLookup(t *testing.T) {
	var events []string
	repo := &fakeResource{name: "repo", events: &events}

	var g Guard
	_, err := g.Lock("repo", repo)
	require.NoError(t, err)
	assert.Equal(t, "token-repo", g.Token("repo"))
	assert.Empty(t, g.Token("branch"))
	_ = g.UnlockAll()
}

func TestGuardLockFailureLeavesEarlierLocksHeld(t *testing.T) {
	var events []string
	repo := &fakeResource{name: "repo", events: &events}
	branch := &fakeResource{name: "branch", events: &events, lockErr: fmt.Errorf("held elsewhere")}

	var g Guard
	_, err := g.Lock("repo", repo)
	require.NoError(t, err)
	_, err = g.Lock("branch", branch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch")

	// The caller unwinds what was acquired.
	assert.Equal(t, 1, g.Held())
	require.NoError(t, g.UnlockAll())
}

func TestGuardReportsEveryUnlockFailure(t *testing.T) {
	var events []string
	errRepo := fmt.Errorf("repo lock file vanished")
	errBranch := fmt.Errorf("branch connection dropped")
	repo := &fakeResource{name: "repo", events: &events, unlockErr: errRepo}
	branch := &fakeResource{name: "branch", events: &events, unlockErr: errBranch}

	var g Guard
	_, err := g.Lock("repo", repo)
	require.NoError(t, err)
	_, err = g.Lock("branch", branch)
	require.NoError(t, err)

	err = g.UnlockAll()
	require.Error(t, err)
	// Both failures are visible, neither masked by the other.
	assert.True(t, errors.Is(err, errRepo))
	assert.True(t, errors.Is(err, errBranch))

	// Both unlocks were attempted despite the first failing.
	assert.Contains(t, events, "unlock branch token-branch")
	assert.Contains(t, events, "unlock repo token-repo")
}

func TestGuardUnlockAllEmpty(t *testing.T) {
	var g Guard
	assert.NoError(t, g.UnlockAll())
}
