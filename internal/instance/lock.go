// Package instance guards a state directory so only one connector process
// trades a given venue account at a time.
package instance

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const lockName = "connector.lock"

var ErrLocked = errors.New("instance lock held")

type Owner struct {
	InstanceID string
	Mode       string
}

type Options struct {
	Owner Owner
	// Takeover allows replacing a lock whose owner is gone or, when no pid
	// was recorded, that is older than StaleAfter.
	Takeover   bool
	StaleAfter time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

type Lock struct {
	path   string
	file   *os.File
	logger *zap.Logger
}

type holder struct {
	pid        int
	instanceID string
	mode       string
	startedAt  time.Time
}

func Acquire(dir string, opts Options) (*Lock, error) {
	if dir == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(dir, lockName)

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := writeHolder(f, opts.Owner, now().UTC()); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			logger.Info("instance_lock_acquired", zap.String("path", path), zap.String("instance_id", opts.Owner.InstanceID))
			return &Lock{path: path, file: f, logger: logger}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if !opts.Takeover {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		prev, ok, reason, err := takeoverCandidate(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrLocked, path, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		logger.Warn("instance_lock_takeover",
			zap.String("path", path),
			zap.String("reason", reason),
			zap.Int("previous_pid", prev.pid),
			zap.String("previous_instance_id", prev.instanceID),
		)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func writeHolder(f *os.File, owner Owner, at time.Time) error {
	var b strings.Builder
	b.WriteString("pid=" + strconv.Itoa(os.Getpid()) + "\n")
	if owner.InstanceID != "" {
		b.WriteString("instance_id=" + owner.InstanceID + "\n")
	}
	if owner.Mode != "" {
		b.WriteString("mode=" + owner.Mode + "\n")
	}
	b.WriteString("started_at=" + at.Format(time.RFC3339) + "\n")
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Sync()
}

func takeoverCandidate(path string, now time.Time, staleAfter time.Duration) (holder, bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return holder{}, true, "lock_disappeared", nil
		}
		return holder{}, false, "", err
	}
	h, err := parseHolder(data)
	if err != nil {
		return holder{}, false, "", err
	}
	if h.pid > 0 {
		if processAlive(h.pid) {
			return h, false, "owner_process_running", nil
		}
		return h, true, "owner_process_not_running", nil
	}
	if h.startedAt.IsZero() {
		return h, false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(h.startedAt) >= staleAfter {
		return h, true, "lock_age_exceeded", nil
	}
	return h, false, "lock_not_stale", nil
}

func parseHolder(data []byte) (holder, error) {
	var h holder
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.pid = pid
			}
		case "instance_id":
			h.instanceID = value
		case "mode":
			h.mode = value
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				h.startedAt = ts.UTC()
			}
		}
	}
	return h, scanner.Err()
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return false
	case errors.Is(err, syscall.EPERM):
		// Alive but owned by another user.
		return true
	default:
		return false
	}
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l.logger.Info("instance_lock_released", zap.String("path", l.path))
	l.path = ""
	return nil
}
