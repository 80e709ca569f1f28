package conflict

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/errs"
)

func newTestResolver() *Resolver {
	return NewResolver(zap.NewNop())
}

func TestDetect_Precedence(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	require.NoError(t, r.AcquireLock("z1", "bob"))

	// Version mismatch outranks everything, even on a locked resource.
	c := r.Detect("z1", "alice", 1, 2, Changes{"text": "a"}, Changes{"text": "b"})
	require.NotNil(t, c)
	require.Equal(t, TypeVersionMismatch, c.Type)
	require.Equal(t, "high", c.Severity)
	require.Equal(t, int64(1), c.SubmittedVersion)
	require.Equal(t, int64(2), c.CurrentVersion)

	// With matching versions the foreign lock is reported next.
	c = r.Detect("z1", "alice", 2, 2, Changes{"text": "a"}, Changes{"text": "b"})
	require.NotNil(t, c)
	require.Equal(t, TypeLockedZone, c.Type)
	require.Equal(t, "medium", c.Severity)
	require.Equal(t, "bob", c.LockedBy)

	// The holder itself passes the lock check and hits concurrent-edit.
	c = r.Detect("z1", "bob", 2, 2, Changes{"text": "a"}, Changes{"text": "b"})
	require.NotNil(t, c)
	require.Equal(t, TypeConcurrentEdit, c.Type)
	require.Equal(t, []string{"text"}, c.ConflictingFields)
}

func TestDetect_CleanEdit(t *testing.T) {
	t.Parallel()
	r := newTestResolver()

	// Same values and disjoint fields are not conflicts.
	require.Nil(t, r.Detect("z1", "alice", 0, 0, Changes{"text": "a"}, Changes{"text": "a"}))
	require.Nil(t, r.Detect("z1", "alice", 0, 0, Changes{"text": "a"}, Changes{"font": "b"}))
	require.Nil(t, r.Detect("z1", "alice", 0, 0, nil, nil))
}

func TestDetect_DeterministicFieldOrder(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	local := Changes{"c": 1, "a": 2, "b": 3}
	remote := Changes{"c": 9, "a": 9, "b": 9}

	for i := 0; i < 10; i++ {
		c := r.Detect("z1", "alice", 0, 0, local, remote)
		require.NotNil(t, c)
		require.Equal(t, []string{"a", "b", "c"}, c.ConflictingFields)
	}
}

func TestResolve_LastWriteWins(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	c := &Conflict{Type: TypeConcurrentEdit, ConflictingFields: []string{"text"}}

	out, intervention := r.Resolve(c, Changes{"text": "local"}, Changes{"text": "remote"}, LastWriteWins)
	require.False(t, intervention)
	require.Equal(t, Changes{"text": "remote"}, out)
}

func TestResolve_MergeKeepsBothSides(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	c := &Conflict{Type: TypeConcurrentEdit, ConflictingFields: []string{"text"}}

	local := Changes{"text": "local", "note": "mine"}
	remote := Changes{"text": "remote", "font": "serif"}
	out, intervention := r.Resolve(c, local, remote, Merge)
	require.True(t, intervention)

	// Remote wins the conflicting field, the local value survives in a
	// shadow field, and local-only fields merge in.
	require.Equal(t, "remote", out["text"])
	require.Equal(t, "local", out["text_local"])
	require.Equal(t, true, out["text_conflict"])
	require.Equal(t, "mine", out["note"])
	require.Equal(t, "serif", out["font"])
}

func TestResolve_LockBased(t *testing.T) {
	t.Parallel()
	r := newTestResolver()

	out, intervention := r.Resolve(&Conflict{Type: TypeLockedZone}, Changes{"text": "x"}, nil, LockBased)
	require.True(t, intervention)
	require.Empty(t, out)

	out, intervention = r.Resolve(&Conflict{Type: TypeConcurrentEdit}, Changes{"text": "x"}, nil, LockBased)
	require.False(t, intervention)
	require.Equal(t, Changes{"text": "x"}, out)
}

func TestResolve_Manual(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	c := &Conflict{Type: TypeConcurrentEdit, ConflictingFields: []string{"text"}}

	out, intervention := r.Resolve(c, Changes{"text": "l"}, Changes{"text": "r"}, Manual)
	require.True(t, intervention)
	require.Equal(t, Changes{"text": "l"}, out["local_changes"])
	require.Equal(t, Changes{"text": "r"}, out["remote_changes"])
	require.Equal(t, c, out["conflict"])
}

func TestSubmitChange_VersionAdvancesByOne(t *testing.T) {
	t.Parallel()
	r := newTestResolver()

	// N clean sequential edits end at version N.
	for i := int64(0); i < 5; i++ {
		res, err := r.SubmitChange("z1", "alice", i, Changes{"text": "v"}, nil, LastWriteWins)
		require.NoError(t, err)
		require.Equal(t, i+1, res.Version)
	}
	require.Equal(t, int64(5), r.Version("z1"))
}

func TestSubmitChange_SurfacesConflict(t *testing.T) {
	t.Parallel()
	r := newTestResolver()

	_, err := r.SubmitChange("z1", "alice", 7, Changes{"text": "v"}, nil, Merge)
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, TypeVersionMismatch, cerr.Conflict.Type)
	require.ErrorIs(t, err, errs.ErrVersionConflict)

	// A rejected change must not advance the version.
	require.Equal(t, int64(0), r.Version("z1"))
	require.Len(t, r.History("z1"), 1)
}

func TestSubmitChange_LastWriteWinsAcceptsConflict(t *testing.T) {
	t.Parallel()
	r := newTestResolver()

	res, err := r.SubmitChange("z1", "alice", 3, Changes{"text": "local"}, Changes{"text": "remote"}, LastWriteWins)
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	require.False(t, res.RequiresIntervention)
	require.Equal(t, Changes{"text": "remote"}, res.Changes)
	require.Equal(t, int64(1), res.Version)
}

func TestLocks_ReentrantAndHolderOnly(t *testing.T) {
	t.Parallel()
	r := newTestResolver()

	require.NoError(t, r.AcquireLock("z1", "alice"))
	require.NoError(t, r.AcquireLock("z1", "alice")) // re-entrant
	require.Equal(t, "alice", r.LockHolder("z1"))

	err := r.AcquireLock("z1", "bob")
	require.ErrorIs(t, err, errs.ErrLockDenied)
	require.Equal(t, "alice", r.LockHolder("z1"))

	// Only the holder may release.
	require.ErrorIs(t, r.ReleaseLock("z1", "bob"), errs.ErrLockDenied)
	require.NoError(t, r.ReleaseLock("z1", "alice"))
	require.Empty(t, r.LockHolder("z1"))
	require.ErrorIs(t, r.ReleaseLock("z1", "alice"), errs.ErrLockDenied)
}

func TestReleaseUserLocks(t *testing.T) {
	t.Parallel()
	r := newTestResolver()
	require.NoError(t, r.AcquireLock("z1", "alice"))
	require.NoError(t, r.AcquireLock("z2", "alice"))
	require.NoError(t, r.AcquireLock("z3", "bob"))

	require.Equal(t, 2, r.ReleaseUserLocks("alice"))
	require.Empty(t, r.LockHolder("z1"))
	require.Equal(t, "bob", r.LockHolder("z3"))
}

func TestHistory_FiltersByResource(t *testing.T) {
	t.Parallel()
	r := newTestResolver()

	_, err := r.SubmitChange("z1", "alice", 9, Changes{"text": "v"}, nil, Manual)
	require.Error(t, err)
	_, err = r.SubmitChange("z2", "bob", 9, Changes{"text": "v"}, nil, Manual)
	require.Error(t, err)

	require.Len(t, r.History(""), 2)
	recs := r.History("z1")
	require.Len(t, recs, 1)
	require.Equal(t, TypeVersionMismatch, recs[0].Type)
	require.Equal(t, []string{"alice"}, recs[0].Users)
	require.Equal(t, string(Manual), recs[0].Resolution)
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	require.Equal(t, Merge, ParseStrategy("merge"))
	require.Equal(t, Manual, ParseStrategy("manual"))
	require.Equal(t, LockBased, ParseStrategy("lock_based"))
	require.Equal(t, LastWriteWins, ParseStrategy(""))
	require.Equal(t, LastWriteWins, ParseStrategy("wat"))
}

func TestSuggestResolution(t *testing.T) {
	t.Parallel()
	require.Contains(t, SuggestResolution(&Conflict{Type: TypeLockedZone}), "lock")
	require.Contains(t, SuggestResolution(&Conflict{Type: TypeVersionMismatch, SubmittedVersion: 1, CurrentVersion: 2}), "latest version")
	require.Contains(t, SuggestResolution(&Conflict{Type: TypeConcurrentEdit, ConflictingFields: []string{"content"}}), "Manual review")
	require.Contains(t, SuggestResolution(&Conflict{Type: TypeConcurrentEdit, ConflictingFields: []string{"font"}}), "merge")
}

func TestConflictError_Unwraps(t *testing.T) {
	t.Parallel()
	err := &Error{Conflict: &Conflict{Type: TypeLockedZone}}
	require.True(t, errors.Is(err, errs.ErrVersionConflict))
	require.Contains(t, err.Error(), "locked_zone")
}
