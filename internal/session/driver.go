package session

import (
	"context"
	"errors"
	"time"
)

// ErrUnitNotFound is returned by drivers when the referenced sandbox unit
// does not exist. Stop surfaces it so callers can treat the unit as already
// gone; Destroy swallows it (destroying a missing unit is a no-op).
var ErrUnitNotFound = errors.New("sandbox unit not found")

// Driver is the external sandbox capability the engine consumes. The concrete
// isolation mechanism (container runtime, microVM, remote execution service)
// is the driver's business; the engine only tracks unit and volume identity.
//
// Drivers key units by volume: Create for a volume that already has a stopped
// unit may return that unit instead of making a new one. All calls may block
// on slow I/O; callers bound them with a timeout and never hold a session
// lock across them.
type Driver interface {
	// Create provisions a sandbox unit bound to the named persistent volume
	// and returns its unit ID. The volume is created on first use.
	Create(ctx context.Context, volume string) (string, error)

	// Start boots the unit. Idempotent on an already-running unit.
	Start(ctx context.Context, unitID string) error

	// Stop halts the unit, preserving the unit and its volume.
	// Returns ErrUnitNotFound when the unit does not exist.
	Stop(ctx context.Context, unitID string) error

	// Destroy removes the unit. The attached volume is removed too unless
	// keepVolume is set. Destroying a missing unit is a no-op, not an error.
	Destroy(ctx context.Context, unitID string, keepVolume bool) error

	// RemoveVolume deletes a persistent volume that no longer has a unit.
	// Idempotent on a missing volume. Needed for hard-destroying sessions
	// whose unit was already torn down.
	RemoveVolume(ctx context.Context, volume string) error

	// Exec runs a command inside a started unit and captures its result.
	// A non-zero exit code is a result, not an error.
	Exec(ctx context.Context, unitID string, command []string, workdir string) (*ExecResult, error)
}

// ExecResult captures the outcome of a command executed in a sandbox unit.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
