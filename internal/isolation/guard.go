package isolation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/session"
)

// InventorySource produces the full state dump the store-wide audit
// runs over. Storage backends implement it.
type InventorySource interface {
	Inventory(ctx context.Context) (*session.Inventory, error)
}

// Guard enforces session boundaries at write time and runs diagnostic
// audits. Violations are logged with both session ids and counted; they
// indicate a bug in the calling layer, never a condition to retry.
type Guard struct {
	logger  *slog.Logger
	metrics *Metrics
}

var _ session.WriteGuard = (*Guard)(nil)

// NewGuard creates a Guard. metrics may be nil.
func NewGuard(logger *slog.Logger, metrics *Metrics) *Guard {
	return &Guard{logger: logger, metrics: metrics}
}

// AssertWrite rejects any write whose target session differs from the
// caller's declared active session. The write is refused outright,
// never redirected to the active session.
func (g *Guard) AssertWrite(activeID, recordSessionID uuid.UUID, kind string) error {
	if recordSessionID == activeID {
		return nil
	}

	g.logger.Error("isolation violation",
		slog.String("kind", kind),
		slog.String("active_session", activeID.String()),
		slog.String("record_session", recordSessionID.String()),
	)
	if g.metrics != nil {
		g.metrics.Violations.WithLabelValues(kind).Inc()
	}
	return fmt.Errorf("%w: %s write for session %s under active session %s",
		session.ErrIsolationViolation, kind, recordSessionID, activeID)
}

// Audit scans the whole store for cross-session damage: orphaned child
// rows, children that survived a destroy, and sessions whose unit
// reference contradicts their status. Transitional statuses are flagged
// as warnings since a sweep or an in-flight request may legitimately
// hold them.
func (g *Guard) Audit(ctx context.Context, src InventorySource) (Report, error) {
	inv, err := src.Inventory(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("loading audit inventory: %w", err)
	}

	report := auditInventory(inv)

	if g.metrics != nil {
		g.metrics.Audits.Inc()
	}
	g.logger.Info("isolation audit completed",
		slog.Bool("valid", report.Valid),
		slog.Int("sessions", len(inv.Sessions)),
		slog.Int("violations", len(report.Violations)),
		slog.Int("warnings", len(report.Warnings)),
	)
	return report, nil
}

// auditInventory runs the store-wide checks over a state dump.
func auditInventory(inv *session.Inventory) Report {
	refs := make([]childRef, 0, len(inv.Files)+len(inv.Records)+len(inv.Snapshots)+len(inv.Shares))
	for _, f := range inv.Files {
		refs = append(refs, childRef{kind: "file", id: f.Path, sessionID: f.SessionID})
	}
	for _, rec := range inv.Records {
		refs = append(refs, childRef{kind: "terminal record", id: rec.ID.String(), sessionID: rec.SessionID})
	}
	for _, snap := range inv.Snapshots {
		refs = append(refs, childRef{kind: "snapshot", id: snap.Name, sessionID: snap.SessionID})
	}
	for _, sh := range inv.Shares {
		refs = append(refs, childRef{kind: "share", id: sh.ID.String(), sessionID: sh.SessionID})
	}

	report := scanOrphans(inv.Sessions, refs)

	for _, s := range inv.Sessions {
		switch s.Status {
		case session.StatusRunning:
			if s.UnitRef == "" {
				report.violation("session %s is running without a sandbox unit", s.ID)
			}
		case session.StatusStopped, session.StatusCleanup, session.StatusDestroyed:
			if s.UnitRef != "" {
				report.violation("session %s is %s but still references unit %s", s.ID, s.Status, s.UnitRef)
			}
		case session.StatusStarting, session.StatusStopping:
			report.warning("session %s is in transitional status %s", s.ID, s.Status)
		}
	}
	return report
}
