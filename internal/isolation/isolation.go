// Package isolation validates session boundaries.
//
// Sessions must never observe each other's files, terminal output, or
// chat context. This package provides the checks that enforce and audit
// that rule: pure functions over a Snapshot of one caller's working set
// (composable into a diagnostic Report), a Guard used as a hard
// assertion in write paths, and a store-wide Audit for operational
// surfaces. The active session is always an explicit argument — the
// guard keeps no ambient "current session" state.
package isolation

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/session"
)

// Report is the outcome of a set of isolation checks. Violations are
// boundary crossings and invariant breaks; warnings flag conditions
// worth a look that do not cross a boundary on their own.
type Report struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
	Warnings   []string `json:"warnings,omitempty"`
}

func okReport() Report {
	return Report{Valid: true, Violations: []string{}}
}

func (r *Report) violation(format string, args ...any) {
	r.Valid = false
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

func (r *Report) warning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Merge folds another report into r. The result is valid only if both were.
func (r *Report) Merge(other Report) {
	if !other.Valid {
		r.Valid = false
	}
	r.Violations = append(r.Violations, other.Violations...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Snapshot captures one caller's working set at a single instant,
// together with the authoritative session list it is judged against.
type Snapshot struct {
	ActiveID   uuid.UUID // declared current session
	PreviousID uuid.UUID // session before the latest switch; Nil if none
	Fresh      bool      // the active session was created in this request

	Sessions []session.Session        // authoritative session list
	Files    []session.SessionFile    // loaded working set
	Records  []session.TerminalRecord // loaded terminal history

	// Cached (displayed) vs. authoritative counts for the active session.
	CachedFiles   int
	CachedRecords int
	StoreFiles    int
	StoreRecords  int
}

// Inspect runs every check against the snapshot and merges the results.
func Inspect(snap Snapshot) Report {
	r := okReport()
	r.Merge(CheckOwnership(snap.ActiveID, snap.Files, snap.Records))
	if snap.Fresh {
		r.Merge(CheckFreshSession(snap.ActiveID, snap.Files, snap.Records))
	}
	r.Merge(CheckNoStaleRecords(snap.PreviousID, snap.Files, snap.Records))
	r.Merge(CheckOrphans(snap.Sessions, snap.Files, snap.Records))
	r.Merge(CheckCacheCoherence(snap))
	return r
}

// CheckOwnership verifies that every loaded record belongs to the
// declared active session. Any foreign record is cross-session leakage.
func CheckOwnership(active uuid.UUID, files []session.SessionFile, records []session.TerminalRecord) Report {
	r := okReport()
	for _, f := range files {
		if f.SessionID != active {
			r.violation("file %s belongs to session %s, not active session %s", f.Path, f.SessionID, active)
		}
	}
	for _, rec := range records {
		if rec.SessionID != active {
			r.violation("terminal record %s belongs to session %s, not active session %s", rec.ID, rec.SessionID, active)
		}
	}
	return r
}

// CheckFreshSession verifies that a just-created session has no child
// records yet. Anything already attached to it leaked in from elsewhere.
func CheckFreshSession(active uuid.UUID, files []session.SessionFile, records []session.TerminalRecord) Report {
	r := okReport()
	var nFiles, nRecords int
	for _, f := range files {
		if f.SessionID == active {
			nFiles++
		}
	}
	for _, rec := range records {
		if rec.SessionID == active {
			nRecords++
		}
	}
	if nFiles > 0 {
		r.violation("fresh session %s already has %d file(s)", active, nFiles)
	}
	if nRecords > 0 {
		r.violation("fresh session %s already has %d terminal record(s)", active, nRecords)
	}
	return r
}

// CheckNoStaleRecords verifies that after a session switch no records
// from the previous session linger in the working set. A Nil previous
// id means no switch happened and the check passes trivially.
func CheckNoStaleRecords(previous uuid.UUID, files []session.SessionFile, records []session.TerminalRecord) Report {
	r := okReport()
	if previous == uuid.Nil {
		return r
	}
	for _, f := range files {
		if f.SessionID == previous {
			r.violation("file %s from previous session %s still in the working set", f.Path, previous)
		}
	}
	for _, rec := range records {
		if rec.SessionID == previous {
			r.violation("terminal record %s from previous session %s still in the working set", rec.ID, previous)
		}
	}
	return r
}

// CheckOrphans verifies that every loaded record references a live
// session from the authoritative list. References to unknown or
// destroyed sessions mean a cascade failed or data leaked across a
// destroy.
func CheckOrphans(sessions []session.Session, files []session.SessionFile, records []session.TerminalRecord) Report {
	refs := make([]childRef, 0, len(files)+len(records))
	for _, f := range files {
		refs = append(refs, childRef{kind: "file", id: f.Path, sessionID: f.SessionID})
	}
	for _, rec := range records {
		refs = append(refs, childRef{kind: "terminal record", id: rec.ID.String(), sessionID: rec.SessionID})
	}
	return scanOrphans(sessions, refs)
}

// CheckCacheCoherence compares the cached (displayed) view of the
// active session's data against the authoritative store counts. A cache
// showing MORE than the store holds is a violation: the view carries
// rows the store never served for this session. A cache showing less is
// only stale and flagged as a warning.
func CheckCacheCoherence(snap Snapshot) Report {
	r := okReport()
	switch {
	case snap.CachedFiles > snap.StoreFiles:
		r.violation("cached view shows %d files but the store holds %d for session %s",
			snap.CachedFiles, snap.StoreFiles, snap.ActiveID)
	case snap.CachedFiles < snap.StoreFiles:
		r.warning("cached view is stale: %d files shown, %d in the store for session %s",
			snap.CachedFiles, snap.StoreFiles, snap.ActiveID)
	}
	switch {
	case snap.CachedRecords > snap.StoreRecords:
		r.violation("cached view shows %d terminal records but the store holds %d for session %s",
			snap.CachedRecords, snap.StoreRecords, snap.ActiveID)
	case snap.CachedRecords < snap.StoreRecords:
		r.warning("cached view is stale: %d terminal records shown, %d in the store for session %s",
			snap.CachedRecords, snap.StoreRecords, snap.ActiveID)
	}
	return r
}

// childRef is one session-scoped row flattened for orphan scanning.
type childRef struct {
	kind      string
	id        string
	sessionID uuid.UUID
}

func scanOrphans(sessions []session.Session, refs []childRef) Report {
	r := okReport()
	statusByID := make(map[uuid.UUID]session.Status, len(sessions))
	for _, s := range sessions {
		statusByID[s.ID] = s.Status
	}
	for _, ref := range refs {
		status, ok := statusByID[ref.sessionID]
		switch {
		case !ok:
			r.violation("%s %s references unknown session %s", ref.kind, ref.id, ref.sessionID)
		case status == session.StatusDestroyed:
			r.violation("%s %s survived destruction of session %s", ref.kind, ref.id, ref.sessionID)
		}
	}
	return r
}
