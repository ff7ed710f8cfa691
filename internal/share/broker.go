// Package share implements capability-scoped session sharing.
//
// A share grants a grantee (or the holder of an opaque bearer token) a
// subset of read/write/execute on one session, optionally time-limited.
// The broker owns the grant rules: only the session owner or an active
// write-capable sharer may grant, and the execute capability always
// implies write, since executing commands can mutate session state.
package share

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/session"
)

// Broker grants, resolves, and revokes session shares.
type Broker struct {
	sessions session.SessionStore
	shares   session.ShareStore
	logger   *slog.Logger
	metrics  *Metrics
}

// NewBroker creates a sharing broker. metrics may be nil.
func NewBroker(sessions session.SessionStore, shares session.ShareStore, logger *slog.Logger, metrics *Metrics) *Broker {
	return &Broker{
		sessions: sessions,
		shares:   shares,
		logger:   logger,
		metrics:  metrics,
	}
}

// CreateShare grants access to a session. An empty granteeID produces a
// bearer share carrying an opaque token. An empty permission set
// defaults to read-only; expiresAt nil means the share never expires.
// The granter must be the session owner or hold an active, unexpired
// write-capable share.
func (b *Broker) CreateShare(ctx context.Context, sessionID uuid.UUID, granterID, granteeID string, perms session.Permissions, expiresAt *time.Time) (*session.Share, error) {
	if granterID == "" {
		return nil, fmt.Errorf("%w: granter id is required", session.ErrValidation)
	}
	if perms.Execute && !perms.Write {
		return nil, fmt.Errorf("%w: execute capability requires write", session.ErrValidation)
	}

	sess, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Live() {
		return nil, fmt.Errorf("session %s: %w", sessionID, session.ErrNotFound)
	}

	if err := b.authorizeGranter(ctx, sess, granterID); err != nil {
		b.denied("forbidden")
		return nil, err
	}

	if perms.Empty() {
		perms = session.Permissions{Read: true}
	}

	sh := &session.Share{
		ID:          uuid.New(),
		SessionID:   sessionID,
		GranterID:   granterID,
		GranteeID:   granteeID,
		Permissions: perms,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
		IsActive:    true,
	}
	if granteeID == "" {
		token, err := newShareToken()
		if err != nil {
			return nil, fmt.Errorf("generating share token: %w", err)
		}
		sh.Token = token
	}

	if err := b.shares.Create(ctx, sh); err != nil {
		return nil, fmt.Errorf("creating share: %w", err)
	}

	if b.metrics != nil {
		b.metrics.SharesCreated.Inc()
	}
	b.logger.Info("share created",
		slog.String("share", sh.ID.String()),
		slog.String("session", sessionID.String()),
		slog.String("granter", granterID),
		slog.String("grantee", granteeID),
		slog.Bool("bearer", sh.Token != ""),
		slog.String("permissions", perms.String()),
	)
	return sh, nil
}

// Resolve returns the effective permission set for a bearer token or a
// registered grantee on the session. A revoked or expired share
// resolves to the empty set with no error; callers must check for it.
// Only a session with no share at all for the subject is NotFound.
func (b *Broker) Resolve(ctx context.Context, tokenOrGrantee string, sessionID uuid.UUID) (session.Permissions, error) {
	sh, err := b.lookup(ctx, tokenOrGrantee, sessionID)
	if err != nil {
		return session.Permissions{}, err
	}
	if !sh.IsActive || sh.Expired(time.Now().UTC()) {
		return session.Permissions{}, nil
	}
	return sh.Permissions, nil
}

// Authorize hard-gates an access. Unlike Resolve it fails loudly: a
// revoked share or one not covering the needed capabilities is
// Forbidden, a share past its expiry is Expired.
func (b *Broker) Authorize(ctx context.Context, tokenOrGrantee string, sessionID uuid.UUID, need session.Permissions) error {
	sh, err := b.lookup(ctx, tokenOrGrantee, sessionID)
	if err != nil {
		b.denied("not_found")
		return err
	}
	if !sh.IsActive {
		b.denied("forbidden")
		return fmt.Errorf("%w: share %s is revoked", session.ErrForbidden, sh.ID)
	}
	if sh.Expired(time.Now().UTC()) {
		b.denied("expired")
		return fmt.Errorf("%w: share %s expired at %s", session.ErrExpired, sh.ID, sh.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if !sh.Permissions.Covers(need) {
		b.denied("forbidden")
		return fmt.Errorf("%w: share %s grants %s, need %s", session.ErrForbidden, sh.ID, sh.Permissions, need)
	}
	return nil
}

// Revoke deactivates a share. Revoking an already-revoked share is a no-op.
func (b *Broker) Revoke(ctx context.Context, shareID uuid.UUID) error {
	if err := b.shares.Revoke(ctx, shareID); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.SharesRevoked.Inc()
	}
	b.logger.Info("share revoked", slog.String("share", shareID.String()))
	return nil
}

// ListForSession returns all shares on a session, active or not.
func (b *Broker) ListForSession(ctx context.Context, sessionID uuid.UUID) ([]session.Share, error) {
	return b.shares.ListBySession(ctx, sessionID)
}

// authorizeGranter checks that granterID may grant access to the
// session: the owner always can, a sharer only with a live write grant.
func (b *Broker) authorizeGranter(ctx context.Context, sess *session.Session, granterID string) error {
	if sess.UserID == granterID {
		return nil
	}

	existing, err := b.shares.GetByGrantee(ctx, sess.ID, granterID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("%w: %s cannot share session %s", session.ErrForbidden, granterID, sess.ID)
		}
		return fmt.Errorf("checking granter share: %w", err)
	}
	if existing.Expired(time.Now().UTC()) || !existing.Permissions.Write {
		return fmt.Errorf("%w: %s lacks write capability on session %s", session.ErrForbidden, granterID, sess.ID)
	}
	return nil
}

// lookup finds the share a subject string refers to: bearer tokens are
// tried first, then the latest grantee share regardless of active flag
// (Resolve needs to see revoked shares to report them as empty). A
// token match on a different session is NotFound, never exposed.
func (b *Broker) lookup(ctx context.Context, tokenOrGrantee string, sessionID uuid.UUID) (*session.Share, error) {
	if tokenOrGrantee == "" {
		return nil, fmt.Errorf("%w: share subject is required", session.ErrValidation)
	}

	sh, err := b.shares.GetByToken(ctx, tokenOrGrantee)
	if err == nil {
		if sh.SessionID != sessionID {
			return nil, fmt.Errorf("share token for session %s: %w", sessionID, session.ErrNotFound)
		}
		return sh, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	all, err := b.shares.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].GranteeID == tokenOrGrantee && all[i].GranteeID != "" {
			sh := all[i]
			return &sh, nil
		}
	}
	return nil, fmt.Errorf("share for %s on session %s: %w", tokenOrGrantee, sessionID, session.ErrNotFound)
}

func (b *Broker) denied(reason string) {
	if b.metrics != nil {
		b.metrics.AccessDenied.WithLabelValues(reason).Inc()
	}
}

// newShareToken returns an opaque bearer credential: 48 hex chars.
func newShareToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
