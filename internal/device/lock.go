package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"tonearm/internal/faults"
	"tonearm/internal/fileutil"
	"tonearm/internal/logging"
)

// DefaultLockTimeout bounds how long AcquireLock waits for a contended lock.
const DefaultLockTimeout = 500 * time.Millisecond

const lockRetryDelay = 25 * time.Millisecond

// Holder is the record the lock owner writes next to the lock file.
type Holder struct {
	PID      int       `json:"pid"`
	Token    string    `json:"token"`
	Hostname string    `json:"hostname,omitempty"`
	Since    time.Time `json:"since"`
}

// Lock arbitrates exclusive ownership of the output device between
// processes. An flock on the lock file is authoritative; the holder record
// names the owner for diagnostics and is the sole arbiter on filesystems
// without flock support.
type Lock struct {
	path    string
	record  string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	fl       *flock.Flock
	token    string
	pidOnly  bool
	held     atomic.Bool
	pidAlive func(int) bool
}

// NewLock prepares a lock at path. Nothing is touched until Acquire.
func NewLock(path string, timeout time.Duration, logger *slog.Logger) *Lock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Lock{
		path:     path,
		record:   path + ".pid",
		timeout:  timeout,
		logger:   logging.NewComponentLogger(logger, "device-lock"),
		pidAlive: processAlive,
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Held reports whether this instance owns the lock.
func (l *Lock) Held() bool { return l.held.Load() }

// Acquire takes the lock or returns ErrDeviceBusy when a live process holds
// it. A stale holder record left by a dead process is reclaimed.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held.Load() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return faults.Wrap(faults.ErrDeviceInit, "device-lock", "create directory", filepath.Dir(l.path), err)
	}

	if !l.pidOnly {
		err := l.acquireFlock(ctx)
		if !errors.Is(err, errFlockUnsupported) {
			return err
		}
		l.pidOnly = true
		logging.WarnWithContext(l.logger, "flock unsupported; using holder record only", "lock_flock_unsupported",
			logging.String("lock_path", l.path),
			logging.String(logging.FieldErrorHint, "place paths.lock_file on a local filesystem"),
			logging.String(logging.FieldImpact, "ownership arbitrated by pid record"),
		)
	}
	return l.acquireRecord()
}

var errFlockUnsupported = errors.New("flock unsupported")

func (l *Lock) acquireFlock(ctx context.Context) error {
	if l.fl == nil {
		l.fl = flock.New(l.path)
	}
	tctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	ok, err := l.fl.TryLockContext(tctx, lockRetryDelay)
	switch {
	case err != nil && (errors.Is(err, unix.ENOLCK) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS)):
		return errFlockUnsupported
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil && !errors.Is(err, context.DeadlineExceeded):
		return faults.Wrap(faults.ErrDeviceInit, "device-lock", "flock", l.path, err)
	case !ok || err != nil:
		return l.busyError()
	}

	if prev, readErr := l.readHolder(); readErr == nil && prev.PID != os.Getpid() {
		l.logger.Info("reclaimed device lock from dead holder",
			logging.String(logging.FieldEventType, "lock_holder_dead"),
			logging.Int("previous_pid", prev.PID),
			logging.Error(faults.ErrLockHolderDead),
		)
	}
	if err := l.writeHolder(false); err != nil {
		_ = l.fl.Unlock()
		return err
	}
	l.held.Store(true)
	return nil
}

func (l *Lock) acquireRecord() error {
	for attempt := 0; attempt < 2; attempt++ {
		err := l.writeHolder(true)
		if err == nil {
			l.held.Store(true)
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		prev, readErr := l.readHolder()
		if readErr == nil && prev.PID > 0 && prev.PID != os.Getpid() && l.pidAlive(prev.PID) {
			return l.busyError()
		}
		logging.WarnWithContext(l.logger, "reclaiming stale device lock", "lock_holder_dead",
			logging.Int("previous_pid", prev.PID),
			logging.Error(faults.ErrLockHolderDead),
			logging.String(logging.FieldErrorHint, "a previous instance exited without releasing the lock"),
			logging.String(logging.FieldImpact, "none; lock reclaimed"),
		)
		if rmErr := os.Remove(l.record); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return faults.Wrap(faults.ErrDeviceInit, "device-lock", "remove stale record", l.record, rmErr)
		}
	}
	return l.busyError()
}

func (l *Lock) busyError() error {
	holder, err := l.readHolder()
	if err != nil {
		return faults.Wrap(faults.ErrDeviceBusy, "device-lock", "acquire", "device held by another instance", nil)
	}
	return faults.Wrap(faults.ErrDeviceBusy, "device-lock", "acquire", fmt.Sprintf("device held by pid %d", holder.PID), nil)
}

func (l *Lock) writeHolder(exclusive bool) error {
	hostname, _ := os.Hostname()
	l.token = uuid.NewString()
	data, err := json.Marshal(Holder{PID: os.Getpid(), Token: l.token, Hostname: hostname, Since: time.Now().UTC()})
	if err != nil {
		return err
	}
	if !exclusive {
		if err := fileutil.WriteFileAtomic(l.record, data, 0o644); err != nil {
			return faults.Wrap(faults.ErrDeviceInit, "device-lock", "write holder record", l.record, err)
		}
		return nil
	}
	f, err := os.OpenFile(l.record, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}
		return faults.Wrap(faults.ErrDeviceInit, "device-lock", "create holder record", l.record, err)
	}
	_, werr := f.Write(data)
	if serr := f.Sync(); werr == nil {
		werr = serr
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(l.record)
		return faults.Wrap(faults.ErrDeviceInit, "device-lock", "write holder record", l.record, werr)
	}
	return nil
}

func (l *Lock) readHolder() (Holder, error) {
	data, err := os.ReadFile(l.record)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return Holder{}, err
	}
	return h, nil
}

// ReadHolder returns the current holder record, if any.
func (l *Lock) ReadHolder() (Holder, error) {
	return l.readHolder()
}

// Verify confirms this instance still owns the lock. It is checked on every
// reconfiguration rather than per frame.
func (l *Lock) Verify() error {
	if !l.held.Load() {
		return faults.Wrap(faults.ErrNotDeviceOwner, "device-lock", "verify", "lock not held", nil)
	}
	h, err := l.readHolder()
	if err != nil || h.PID != os.Getpid() || h.Token != l.token {
		l.held.Store(false)
		return faults.Wrap(faults.ErrNotDeviceOwner, "device-lock", "verify", "holder record names another instance", err)
	}
	return nil
}

// Release gives up the lock. The holder record is removed only when it
// still names this instance.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	if l.held.Swap(false) {
		if h, err := l.readHolder(); err == nil && h.Token == l.token {
			if err := os.Remove(l.record); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	// A failed Verify clears held but leaves the flock to be dropped here.
	if l.fl != nil && l.fl.Locked() {
		if err := l.fl.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// processAlive reports whether pid exists. EPERM means it exists but belongs
// to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
