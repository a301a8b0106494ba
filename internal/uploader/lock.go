package uploader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// DefaultLockStaleAfter is the age after which another instance's lock is
// taken over.
const DefaultLockStaleAfter = 30 * time.Minute

// ErrLocked means another uploader instance holds the lock.
var ErrLocked = errors.New("another uploader instance is running")

// LockInfo is the content of the lock file.
type LockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// InstanceLock keeps two uploaders from working the same inbox.
type InstanceLock struct {
	path       string
	hostname   string
	pid        int
	staleAfter time.Duration
	now        func() time.Time
	held       bool
}

// NewInstanceLock creates an unheld lock at path.
func NewInstanceLock(path, hostname string, staleAfter time.Duration) *InstanceLock {
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	return &InstanceLock{
		path:       path,
		hostname:   hostname,
		pid:        os.Getpid(),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Acquire takes the lock. A lock older than the stale age, or left by a dead
// process on this host, is taken over.
func (l *InstanceLock) Acquire() error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			info := LockInfo{PID: l.pid, Hostname: l.hostname, StartedAt: l.now().UTC()}
			encErr := json.NewEncoder(f).Encode(info)
			closeErr := f.Close()
			if err := errors.Join(encErr, closeErr); err != nil {
				os.Remove(l.path)
				return fmt.Errorf("write lock file: %w", err)
			}
			l.held = true
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}

		existing, readErr := l.read()
		if readErr == nil && !l.abandoned(existing) {
			return fmt.Errorf("%w: pid %d on %s since %s", ErrLocked,
				existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
		// Unreadable or abandoned: clear it and try once more.
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return ErrLocked
}

// Release removes the lock file if this process owns it.
func (l *InstanceLock) Release() error {
	if !l.held {
		return nil
	}
	info, err := l.read()
	if errors.Is(err, os.ErrNotExist) {
		l.held = false
		return nil
	}
	if err != nil {
		return err
	}
	if info.PID != l.pid || info.Hostname != l.hostname {
		return nil
	}
	l.held = false
	return os.Remove(l.path)
}

func (l *InstanceLock) read() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (l *InstanceLock) abandoned(info *LockInfo) bool {
	if l.now().Sub(info.StartedAt) > l.staleAfter {
		return true
	}
	return info.Hostname == l.hostname && info.PID != l.pid && !processAlive(info.PID)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrPermission)
}
