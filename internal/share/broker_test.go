package share

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBroker returns a broker over a fresh in-memory store with one
// session owned by alice.
func newTestBroker(t *testing.T) (*Broker, *session.MemoryStore, *session.Session) {
	t.Helper()
	store := session.NewMemoryStore()
	now := time.Now().UTC()
	owned := &session.Session{
		ID:           uuid.New(),
		UserID:       "alice",
		ProjectName:  "proj",
		VolumeName:   "vol-1",
		Status:       session.StatusStopped,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}
	if err := store.Sessions().Create(context.Background(), owned); err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	b := NewBroker(store.Sessions(), store.Shares(), testLogger(), nil)
	return b, store, owned
}

func TestCreateShare_BearerDefaults(t *testing.T) {
	b, _, owned := newTestBroker(t)
	ctx := context.Background()

	sh, err := b.CreateShare(ctx, owned.ID, "alice", "", session.Permissions{}, nil)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if len(sh.Token) != 48 {
		t.Errorf("token length = %d, want 48", len(sh.Token))
	}
	if sh.GranteeID != "" {
		t.Errorf("grantee = %q, want empty for bearer share", sh.GranteeID)
	}
	want := session.Permissions{Read: true}
	if sh.Permissions != want {
		t.Errorf("permissions = %v, want read-only default", sh.Permissions)
	}
	if !sh.IsActive {
		t.Error("new share not active")
	}
	if sh.ExpiresAt != nil {
		t.Error("expiry set without being requested")
	}
}

func TestCreateShare_GranteeHasNoToken(t *testing.T) {
	b, _, owned := newTestBroker(t)

	sh, err := b.CreateShare(context.Background(), owned.ID, "alice", "bob", session.Permissions{Read: true, Write: true}, nil)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if sh.Token != "" {
		t.Errorf("grantee share carries token %q", sh.Token)
	}
}

func TestCreateShare_ExecuteRequiresWrite(t *testing.T) {
	b, _, owned := newTestBroker(t)
	ctx := context.Background()

	_, err := b.CreateShare(ctx, owned.ID, "alice", "bob", session.Permissions{Read: true, Execute: true}, nil)
	if !errors.Is(err, session.ErrValidation) {
		t.Errorf("execute without write: err = %v, want ErrValidation", err)
	}

	if _, err := b.CreateShare(ctx, owned.ID, "alice", "bob", session.Permissions{Read: true, Write: true, Execute: true}, nil); err != nil {
		t.Errorf("execute with write rejected: %v", err)
	}
}

func TestCreateShare_GranterChecks(t *testing.T) {
	b, _, owned := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.CreateShare(ctx, owned.ID, "", "bob", session.Permissions{}, nil); !errors.Is(err, session.ErrValidation) {
		t.Errorf("empty granter: err = %v, want ErrValidation", err)
	}
	if _, err := b.CreateShare(ctx, owned.ID, "mallory", "bob", session.Permissions{}, nil); !errors.Is(err, session.ErrForbidden) {
		t.Errorf("stranger granter: err = %v, want ErrForbidden", err)
	}
	if _, err := b.CreateShare(ctx, uuid.New(), "alice", "bob", session.Permissions{}, nil); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("unknown session: err = %v, want ErrNotFound", err)
	}
}

func TestCreateShare_WriteSharerCanDelegate(t *testing.T) {
	b, _, owned := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.CreateShare(ctx, owned.ID, "alice", "bob", session.Permissions{Read: true, Write: true}, nil); err != nil {
		t.Fatalf("granting bob: %v", err)
	}
	if _, err := b.CreateShare(ctx, owned.ID, "alice", "dave", session.Permissions{Read: true}, nil); err != nil {
		t.Fatalf("granting dave: %v", err)
	}

	// bob holds write and may delegate; dave is read-only and may not.
	if _, err := b.CreateShare(ctx, owned.ID, "bob", "carol", session.Permissions{Read: true}, nil); err != nil {
		t.Errorf("write sharer delegation rejected: %v", err)
	}
	if _, err := b.CreateShare(ctx, owned.ID, "dave", "eve", session.Permissions{Read: true}, nil); !errors.Is(err, session.ErrForbidden) {
		t.Errorf("read-only sharer delegated: err = %v, want ErrForbidden", err)
	}
}

func TestCreateShare_DestroyedSession(t *testing.T) {
	b, store, owned := newTestBroker(t)
	ctx := context.Background()

	if err := store.Sessions().DestroyCascade(ctx, owned.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := b.CreateShare(ctx, owned.ID, "alice", "bob", session.Permissions{}, nil); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("destroyed session: err = %v, want ErrNotFound", err)
	}
}

func TestResolve_BearerToken(t *testing.T) {
	b, _, owned := newTestBroker(t)
	ctx := context.Background()

	sh, err := b.CreateShare(ctx, owned.ID, "alice", "", session.Permissions{Read: true}, nil)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}

	perms, err := b.Resolve(ctx, sh.Token, owned.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !perms.Read || perms.Write || perms.Execute {
		t.Errorf("permissions = %v, want read-only", perms)
	}

	// The token must not open any other session.
	if _, err := b.Resolve(ctx, sh.Token, uuid.New()); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("token on wrong session: err = %v, want ErrNotFound", err)
	}
	if _, err := b.Resolve(ctx, "no-such-subject", owned.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("unknown subject: err = %v, want ErrNotFound", err)
	}
}

func TestResolve_RevokedIsEmptyNotError(t *testing.T) {
	b, _, owned := newTestBroker(t)
	ctx := context.Background()

	sh, err := b.CreateShare(ctx, owned.ID, "alice", "bob", session.Permissions{Read: true, Write: true}, nil)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if err := b.Revoke(ctx, sh.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	perms, err := b.Resolve(ctx, "bob", owned.ID)
	if err != nil {
		t.Fatalf("resolve revoked: %v", err)
	}
	if !perms.Empty() {
		t.Errorf("revoked share resolved to %v, want empty set", perms)
	}
}

func TestResolve_ExpiredIsEmptyNotError(t *testing.T) {
	b, store, owned := newTestBroker(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	expired := &session.Share{
		ID:          uuid.New(),
		SessionID:   owned.ID,
		GranterID:   "alice",
		Token:       "746f6b656e746f6b656e746f6b656e746f6b656e746f6b65",
		Permissions: session.Permissions{Read: true},
		ExpiresAt:   &past,
		CreatedAt:   past.Add(-time.Hour),
		IsActive:    true,
	}
	if err := store.Shares().Create(ctx, expired); err != nil {
		t.Fatalf("seeding expired share: %v", err)
	}

	perms, err := b.Resolve(ctx, expired.Token, owned.ID)
	if err != nil {
		t.Fatalf("resolve expired: %v", err)
	}
	if !perms.Empty() {
		t.Errorf("expired share resolved to %v, want empty set", perms)
	}
}

func TestAuthorize(t *testing.T) {
	b, store, owned := newTestBroker(t)
	ctx := context.Background()

	sh, err := b.CreateShare(ctx, owned.ID, "alice", "bob", session.Permissions{Read: true, Write: true}, nil)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}

	if err := b.Authorize(ctx, "bob", owned.ID, session.Permissions{Read: true}); err != nil {
		t.Errorf("covered need rejected: %v", err)
	}
	if err := b.Authorize(ctx, "bob", owned.ID, session.Permissions{Execute: true}); !errors.Is(err, session.ErrForbidden) {
		t.Errorf("uncovered need: err = %v, want ErrForbidden", err)
	}
	if err := b.Authorize(ctx, "nobody", owned.ID, session.Permissions{Read: true}); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("unknown subject: err = %v, want ErrNotFound", err)
	}

	if err := b.Revoke(ctx, sh.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := b.Authorize(ctx, "bob", owned.ID, session.Permissions{Read: true}); !errors.Is(err, session.ErrForbidden) {
		t.Errorf("revoked share: err = %v, want ErrForbidden", err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	expired := &session.Share{
		ID:          uuid.New(),
		SessionID:   owned.ID,
		GranterID:   "alice",
		GranteeID:   "carol",
		Permissions: session.Permissions{Read: true},
		ExpiresAt:   &past,
		CreatedAt:   time.Now().UTC(),
		IsActive:    true,
	}
	if err := store.Shares().Create(ctx, expired); err != nil {
		t.Fatalf("seeding expired share: %v", err)
	}
	if err := b.Authorize(ctx, "carol", owned.ID, session.Permissions{Read: true}); !errors.Is(err, session.ErrExpired) {
		t.Errorf("expired share: err = %v, want ErrExpired", err)
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	b, _, owned := newTestBroker(t)
	ctx := context.Background()

	sh, err := b.CreateShare(ctx, owned.ID, "alice", "bob", session.Permissions{Read: true}, nil)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if err := b.Revoke(ctx, sh.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := b.Revoke(ctx, sh.ID); err != nil {
		t.Errorf("second revoke: %v", err)
	}
	if err := b.Revoke(ctx, uuid.New()); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("revoking unknown share: err = %v, want ErrNotFound", err)
	}
}

func TestListForSession(t *testing.T) {
	b, _, owned := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.CreateShare(ctx, owned.ID, "alice", "bob", session.Permissions{Read: true}, nil); err != nil {
		t.Fatalf("share 1: %v", err)
	}
	if _, err := b.CreateShare(ctx, owned.ID, "alice", "", session.Permissions{Read: true}, nil); err != nil {
		t.Fatalf("share 2: %v", err)
	}

	shares, err := b.ListForSession(ctx, owned.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(shares) != 2 {
		t.Errorf("shares = %d, want 2", len(shares))
	}
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if m := NewMetrics(nil); m != nil {
		t.Fatal("expected nil Metrics for nil registry")
	}
}
