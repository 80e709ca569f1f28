// Package conflict gives concurrent editors of the same versioned resource
// safety without an external lock service: per-resource version counters,
// advisory locks, conflict classification and resolution strategies.
package conflict

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/errs"
)

// Type classifies a detected conflict.
type Type string

// Conflict types.
const (
	TypeVersionMismatch Type = "version_mismatch"
	TypeLockedZone      Type = "locked_zone"
	TypeConcurrentEdit  Type = "concurrent_edit"
)

// Strategy selects how a conflict is resolved.
type Strategy string

// Resolution strategies.
const (
	LastWriteWins Strategy = "last_write_wins"
	Merge         Strategy = "merge"
	LockBased     Strategy = "lock_based"
	Manual        Strategy = "manual"
)

// ParseStrategy maps a wire string onto a Strategy; empty or unknown input
// falls back to LastWriteWins.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case Merge, LockBased, Manual:
		return Strategy(s)
	}
	return LastWriteWins
}

// Changes is one edit's field set.
type Changes map[string]any

// Conflict describes a detected conflict between two edits.
type Conflict struct {
	Type              Type     `json:"type"`
	Severity          string   `json:"severity"`
	SubmittedVersion  int64    `json:"submitted_version,omitempty"`
	CurrentVersion    int64    `json:"current_version,omitempty"`
	LockedBy          string   `json:"locked_by,omitempty"`
	ConflictingFields []string `json:"conflicting_fields,omitempty"`
}

// Error wraps a Conflict for callers that route mutations through
// SubmitChange; it unwraps to errs.ErrVersionConflict so existing
// errors.Is checks keep working.
type Error struct {
	Conflict *Conflict
}

func (e *Error) Error() string {
	return fmt.Sprintf("conflict detected: %s", e.Conflict.Type)
}

func (e *Error) Unwrap() error { return errs.ErrVersionConflict }

// Record is one immutable audit entry for a resolved conflict.
type Record struct {
	ResourceID string    `json:"resource_id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       Type      `json:"conflict_type"`
	Users      []string  `json:"users_involved"`
	Resolution string    `json:"resolution"`
}

// Result is the outcome of an accepted or resolved change.
type Result struct {
	Version              int64
	Changes              Changes
	RequiresIntervention bool
	Conflict             *Conflict
}

// historyBound caps the audit history length.
const historyBound = 1000

// Resolver is the single source of truth for a resource's version and lock
// state within the process. Locks carry no expiry; release is entirely the
// caller's responsibility.
type Resolver struct {
	log *zap.Logger

	mu       sync.Mutex
	versions map[string]int64
	locks    map[string]string // resource id -> holding user id
	history  []Record
}

// NewResolver constructs an empty Resolver.
func NewResolver(log *zap.Logger) *Resolver {
	return &Resolver{
		log:      log,
		versions: make(map[string]int64),
		locks:    make(map[string]string),
	}
}

// Detect classifies a conflict between a submitted edit and the current
// state, in fixed precedence: version mismatch, then a lock held by another
// user, then concurrent edits of the same fields with different values.
// Returns nil when the edit is clean.
func (r *Resolver) Detect(resourceID, userID string, submittedVersion, currentVersion int64, local, remote Changes) *Conflict {
	if submittedVersion != currentVersion {
		return &Conflict{
			Type:             TypeVersionMismatch,
			Severity:         "high",
			SubmittedVersion: submittedVersion,
			CurrentVersion:   currentVersion,
		}
	}

	r.mu.Lock()
	holder, locked := r.locks[resourceID]
	r.mu.Unlock()
	if locked && holder != userID {
		return &Conflict{
			Type:     TypeLockedZone,
			Severity: "medium",
			LockedBy: holder,
		}
	}

	var fields []string
	for field, lv := range local {
		if rv, ok := remote[field]; ok && !reflect.DeepEqual(lv, rv) {
			fields = append(fields, field)
		}
	}
	if len(fields) > 0 {
		sort.Strings(fields)
		return &Conflict{
			Type:              TypeConcurrentEdit,
			Severity:          "high",
			ConflictingFields: fields,
		}
	}
	return nil
}

// Resolve applies a strategy to a detected conflict and reports whether the
// result still needs user intervention.
//
//   - LastWriteWins: remote wins outright.
//   - Merge: remote plus any local-only fields; conflicting fields keep the
//     remote value, the local value is preserved under "<field>_local" and
//     the field is flagged "<field>_conflict" - intervention required.
//   - LockBased: a locked-zone conflict blocks with no changes; anything
//     else proceeds with local unmodified.
//   - Manual: both change sets plus the conflict descriptor, intervention
//     required.
func (r *Resolver) Resolve(c *Conflict, local, remote Changes, strategy Strategy) (Changes, bool) {
	switch strategy {
	case Merge:
		merged := make(Changes, len(local)+len(remote))
		for field, v := range remote {
			merged[field] = v
		}
		conflicting := make(map[string]struct{}, len(c.ConflictingFields))
		for _, f := range c.ConflictingFields {
			conflicting[f] = struct{}{}
		}
		intervention := false
		for field, v := range local {
			if _, inRemote := remote[field]; !inRemote {
				merged[field] = v
				continue
			}
			if _, isConflict := conflicting[field]; isConflict {
				intervention = true
				merged[field+"_local"] = v
				merged[field+"_conflict"] = true
			}
		}
		return merged, intervention

	case LockBased:
		if c.Type == TypeLockedZone {
			return Changes{}, true
		}
		return local, false

	case Manual:
		return Changes{
			"local_changes":  local,
			"remote_changes": remote,
			"conflict":       c,
		}, true

	default: // LastWriteWins
		return remote, false
	}
}

// SubmitChange is the single write path for versioned mutations: it detects
// a conflict, surfaces it unless the caller selected LastWriteWins, and on
// acceptance advances the resource version by exactly one.
func (r *Resolver) SubmitChange(resourceID, userID string, submittedVersion int64, local, remote Changes, strategy Strategy) (Result, error) {
	current := r.Version(resourceID)
	c := r.Detect(resourceID, userID, submittedVersion, current, local, remote)
	if c == nil {
		version := r.advance(resourceID)
		return Result{Version: version, Changes: local}, nil
	}

	resolved, intervention := r.Resolve(c, local, remote, strategy)
	r.record(resourceID, c.Type, []string{userID, c.LockedBy}, string(strategy))

	// Conflicts surface to the caller unless it explicitly chose to let the
	// remote side win.
	if strategy != LastWriteWins || intervention {
		return Result{Changes: resolved, RequiresIntervention: intervention, Conflict: c}, &Error{Conflict: c}
	}

	version := r.advance(resourceID)
	return Result{Version: version, Changes: resolved, Conflict: c}, nil
}

// Version returns the current version of a resource; unseen resources start
// at 0.
func (r *Resolver) Version(resourceID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versions[resourceID]
}

// advance increments and returns a resource's version.
func (r *Resolver) advance(resourceID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[resourceID]++
	return r.versions[resourceID]
}

// AcquireLock takes the advisory lock on a resource. Re-entrant for the
// current holder; returns errs.ErrLockDenied with no state change when held
// by someone else.
func (r *Resolver) AcquireLock(resourceID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.locks[resourceID]; ok && holder != userID {
		return fmt.Errorf("resource %s held by %s: %w", resourceID, holder, errs.ErrLockDenied)
	}
	r.locks[resourceID] = userID
	r.log.Info("lock acquired",
		zap.String("resource_id", resourceID),
		zap.String("user_id", userID),
	)
	return nil
}

// ReleaseLock releases the advisory lock; only the current holder may.
func (r *Resolver) ReleaseLock(resourceID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.locks[resourceID]; !ok || holder != userID {
		return fmt.Errorf("resource %s not held by %s: %w", resourceID, userID, errs.ErrLockDenied)
	}
	delete(r.locks, resourceID)
	r.log.Info("lock released",
		zap.String("resource_id", resourceID),
		zap.String("user_id", userID),
	)
	return nil
}

// LockHolder returns the holding user id, or "" when unlocked.
func (r *Resolver) LockHolder(resourceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[resourceID]
}

// ReleaseUserLocks drops every lock a user holds and returns how many were
// released. Locks never expire on their own; nothing in this module calls
// this - it exists so the surrounding application can opt into
// disconnect-triggered release.
func (r *Resolver) ReleaseUserLocks(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, holder := range r.locks {
		if holder == userID {
			delete(r.locks, id)
			n++
		}
	}
	return n
}

// record appends one bounded audit entry.
func (r *Resolver) record(resourceID string, t Type, users []string, resolution string) {
	clean := make([]string, 0, len(users))
	for _, u := range users {
		if u != "" {
			clean = append(clean, u)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, Record{
		ResourceID: resourceID,
		Timestamp:  time.Now().UTC(),
		Type:       t,
		Users:      clean,
		Resolution: resolution,
	})
	if len(r.history) > historyBound {
		r.history = r.history[len(r.history)-historyBound:]
	}
}

// History returns recorded conflicts, optionally filtered by resource id.
func (r *Resolver) History(resourceID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if resourceID == "" {
		return append([]Record(nil), r.history...)
	}
	var out []Record
	for _, rec := range r.history {
		if rec.ResourceID == resourceID {
			out = append(out, rec)
		}
	}
	return out
}

// criticalFields make a concurrent edit unsafe to merge automatically.
var criticalFields = map[string]struct{}{
	"content":          {},
	"type":             {},
	"confidence_score": {},
}

// SuggestResolution returns a human-readable hint for handling a conflict.
func SuggestResolution(c *Conflict) string {
	switch c.Type {
	case TypeLockedZone:
		return "Wait for the lock to be released or request edit access"
	case TypeVersionMismatch:
		if c.CurrentVersion > c.SubmittedVersion {
			return "Update to the latest version before making changes"
		}
		return "Your changes are based on a newer version - proceed with caution"
	case TypeConcurrentEdit:
		for _, f := range c.ConflictingFields {
			if _, ok := criticalFields[f]; ok {
				return "Manual review required - critical fields have conflicting changes"
			}
		}
		return "Non-critical fields conflict - automatic merge recommended"
	}
	return "Manual review recommended"
}
