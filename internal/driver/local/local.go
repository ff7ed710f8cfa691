// Package local implements the session driver with plain OS processes.
//
// A volume is a directory under a single root; a unit is an in-memory
// record bound to one volume. Exec runs commands as isolated processes
// with the volume directory as their working tree. The driver backs
// development setups and tests where no container runtime is available,
// while keeping the same lifecycle contract a real runtime would honor:
// stopping a unit preserves it and its volume, destroying removes both
// unless the volume is explicitly kept.
package local

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/sanduku/internal/session"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultExecTimeout = 30 * time.Second
	defaultCPUSeconds  = 60
	defaultMemoryMB    = 512
	defaultRootName    = "sanduku-volumes"
)

// Config configures the local driver.
type Config struct {
	Root        string        // Base directory for volume trees. Defaults to <tmp>/sanduku-volumes.
	ExecTimeout time.Duration // Wall-clock timeout per command.
	CPUSeconds  int           // ulimit -t per command.
	MemoryMB    int           // ulimit -v per command.
}

// unit is a sandbox unit record. The process driver keeps no long-lived
// process per unit; a unit is a named execution surface over its volume.
type unit struct {
	id        string
	volume    string
	running   bool
	createdAt time.Time
}

// Driver executes session commands as isolated OS processes.
//
// Isolation guarantees:
//   - Each unit works inside its own volume directory
//   - Commands run in their own process group (Setpgid)
//   - The entire process group is killed on timeout/cancel
//   - No environment inheritance from the server process
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM on the host
type Driver struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	units    map[string]*unit
	byVolume map[string]string // volume name -> unit id
}

var _ session.Driver = (*Driver)(nil)

// New creates a local process driver rooted at cfg.Root.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), defaultRootName)
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.CPUSeconds <= 0 {
		cfg.CPUSeconds = defaultCPUSeconds
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving driver root %q: %w", cfg.Root, err)
	}
	cfg.Root = root

	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("creating driver root: %w", err)
	}

	return &Driver{
		config:   cfg,
		logger:   logger,
		units:    make(map[string]*unit),
		byVolume: make(map[string]string),
	}, nil
}

// Create binds a sandbox unit to the named volume, provisioning the
// volume directory on first use. A volume carries at most one unit: if a
// prior unit still exists for it (a stopped session being restarted),
// that unit is returned instead of a fresh one.
func (d *Driver) Create(ctx context.Context, volume string) (string, error) {
	if volume == "" {
		return "", fmt.Errorf("empty volume name")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.byVolume[volume]; ok {
		return id, nil
	}

	if err := os.MkdirAll(d.volumePath(volume), 0750); err != nil {
		return "", fmt.Errorf("provisioning volume %s: %w", volume, err)
	}

	id, err := newUnitID()
	if err != nil {
		return "", fmt.Errorf("generating unit id: %w", err)
	}
	d.units[id] = &unit{id: id, volume: volume, createdAt: time.Now().UTC()}
	d.byVolume[volume] = id

	d.logger.Info("unit created",
		slog.String("unit", id),
		slog.String("volume", volume),
	)
	return id, nil
}

// Start marks the unit as running. The process driver boots nothing up
// front; commands launch on demand in Exec.
func (d *Driver) Start(ctx context.Context, unitID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.units[unitID]
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnitNotFound, unitID)
	}
	if u.running {
		return nil
	}

	// The volume dir may have been removed out of band; restore it so
	// Exec always has a working tree.
	if err := os.MkdirAll(d.volumePath(u.volume), 0750); err != nil {
		return fmt.Errorf("restoring volume %s: %w", u.volume, err)
	}
	u.running = true

	d.logger.Info("unit started", slog.String("unit", unitID))
	return nil
}

// Stop halts the unit. The unit record and its volume survive so the
// session can be started again later.
func (d *Driver) Stop(ctx context.Context, unitID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.units[unitID]
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnitNotFound, unitID)
	}
	u.running = false

	d.logger.Info("unit stopped", slog.String("unit", unitID))
	return nil
}

// Destroy removes the unit record and, unless keepVolume is set, the
// volume directory with all its contents. Destroying an unknown unit is
// a no-op.
func (d *Driver) Destroy(ctx context.Context, unitID string, keepVolume bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.units[unitID]
	if !ok {
		return nil
	}
	delete(d.units, unitID)
	delete(d.byVolume, u.volume)

	if !keepVolume {
		if err := os.RemoveAll(d.volumePath(u.volume)); err != nil {
			return fmt.Errorf("removing volume %s: %w", u.volume, err)
		}
	}

	d.logger.Info("unit destroyed",
		slog.String("unit", unitID),
		slog.String("volume", u.volume),
		slog.Bool("keep_volume", keepVolume),
	)
	return nil
}

// RemoveVolume deletes the named volume directory. A unit still bound to
// the volume is dropped with it. Removing a missing volume is a no-op.
func (d *Driver) RemoveVolume(ctx context.Context, volume string) error {
	if volume == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.byVolume[volume]; ok {
		delete(d.units, id)
		delete(d.byVolume, volume)
	}
	if err := os.RemoveAll(d.volumePath(volume)); err != nil {
		return fmt.Errorf("removing volume %s: %w", volume, err)
	}

	d.logger.Info("volume removed", slog.String("volume", volume))
	return nil
}

// Exec runs a command inside the unit's volume as an isolated process.
// A non-zero exit code is a result, not an error.
func (d *Driver) Exec(ctx context.Context, unitID string, command []string, workdir string) (*session.ExecResult, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	d.mu.Lock()
	u, ok := d.units[unitID]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", session.ErrUnitNotFound, unitID)
	}
	if !u.running {
		d.mu.Unlock()
		return nil, fmt.Errorf("unit %s is not running", unitID)
	}
	volumeDir := d.volumePath(u.volume)
	d.mu.Unlock()

	dir, err := resolveWorkdir(volumeDir, workdir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.ExecTimeout)
	defer cancel()

	// The command is wrapped:
	//
	//   sh -c 'ulimit -v KB 2>/dev/null; ulimit -t SEC 2>/dev/null; exec "$@"' _ cmd args...
	//
	// Using exec "$@" with positional parameters prevents shell injection —
	// the command is never interpolated into the shell string.
	memKB := d.config.MemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, d.config.CPUSeconds,
	)
	args := make([]string, 0, 3+len(command))
	args = append(args, "-c", shellScript, "_") // "_" is the $0 placeholder
	args = append(args, command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = dir

	// The child runs in its own process group so the whole group can be
	// killed on timeout, including anything the command spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// Sanitized environment — nothing inherited from the server process.
	cmd.Env = buildEnv(volumeDir)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	d.logger.Info("unit executing",
		slog.String("unit", unitID),
		slog.Any("command", command),
		slog.String("dir", dir),
		slog.Duration("timeout", d.config.ExecTimeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			d.logger.Warn("unit execution timed out",
				slog.String("unit", unitID),
				slog.Duration("timeout", d.config.ExecTimeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("execution timed out after %s", d.config.ExecTimeout)
		}

		// Non-zero exit code is not an error — it's a result.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	d.logger.Info("unit execution completed",
		slog.String("unit", unitID),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &session.ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// --- Internal helpers ---

func (d *Driver) volumePath(volume string) string {
	return filepath.Join(d.config.Root, sanitizeName(volume))
}

// resolveWorkdir maps a session-relative working directory onto the
// volume tree, rejecting paths that escape it. The directory is created
// if missing.
func resolveWorkdir(volumeDir, workdir string) (string, error) {
	if workdir == "" {
		return volumeDir, nil
	}

	dir := filepath.Join(volumeDir, strings.TrimPrefix(workdir, "/"))
	rel, err := filepath.Rel(volumeDir, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("working dir %q escapes the volume", workdir)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("creating working dir: %w", err)
	}
	return dir, nil
}

// buildEnv constructs a minimal, safe environment. The server process's
// environment is never inherited, so credentials cannot leak into
// session commands.
func buildEnv(volumeDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + volumeDir,
		"TMPDIR=" + volumeDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
}

// newUnitID returns a unique unit name: unit-<16 hex chars>.
func newUnitID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "unit-" + hex.EncodeToString(b), nil
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
