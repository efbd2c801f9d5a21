// Package lockfile provides cross-process mutual exclusion through
// exclusive lock-file creation. All mutators of a team directory take the
// matching lock before touching the underlying file; readers do not.
package lockfile

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/teamclaw/teamclaw/internal/teamerr"
)

// Options tunes lock acquisition.
type Options struct {
	// Timeout bounds the total time spent acquiring the lock.
	Timeout time.Duration
	// InitialDelay is the first retry backoff. Doubles per attempt up to
	// MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// StaleAfter is the holder age after which the lock may be broken.
	// A crashed holder must not wedge every later writer.
	StaleAfter time.Duration
}

// DefaultOptions are suitable for short filesystem critical sections.
func DefaultOptions() Options {
	return Options{
		Timeout:      5 * time.Second,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		StaleAfter:   10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = def.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = def.StaleAfter
	}
	return o
}

// holder is the payload written into the lock file.
type holder struct {
	PID        int   `json:"pid"`
	AcquiredAt int64 `json:"acquiredAt"` // unix millis
}

// WithLock runs fn while holding the lock at path. The lock is released on
// every exit path, including a panic inside fn. Contended acquisition
// retries with bounded exponential backoff; a holder older than
// Options.StaleAfter is displaced.
func WithLock(path string, opts Options, fn func() error) error {
	opts = opts.withDefaults()
	if err := acquire(path, opts); err != nil {
		return err
	}
	defer release(path)
	return fn()
}

func acquire(path string, opts Options) error {
	deadline := time.Now().Add(opts.Timeout)
	delay := opts.InitialDelay
	for {
		ok, err := tryAcquire(path)
		if err != nil {
			return teamerr.Wrap(teamerr.IoFault, "lockfile.acquire", err)
		}
		if ok {
			return nil
		}
		if broke := breakIfStale(path, opts.StaleAfter); broke {
			continue
		}
		if time.Now().After(deadline) {
			return teamerr.New(teamerr.Timeout, "lockfile.acquire",
				"could not acquire %s within %s", path, opts.Timeout)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

// tryAcquire creates the lock file exclusively and records the holder.
func tryAcquire(path string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	payload, _ := json.Marshal(holder{PID: os.Getpid(), AcquiredAt: time.Now().UnixMilli()})
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(path)
		return false, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return false, err
	}
	return true, nil
}

// breakIfStale removes the lock file when its holder record is older than
// staleAfter or unreadable garbage. Returns true when the lock was broken
// and acquisition should retry immediately.
func breakIfStale(path string, staleAfter time.Duration) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Already released by the holder; retry.
		return errors.Is(err, os.ErrNotExist)
	}
	var h holder
	stale := false
	if err := json.Unmarshal(data, &h); err != nil || h.AcquiredAt <= 0 {
		// A lock file without a parseable holder record is judged by
		// its mtime instead.
		info, statErr := os.Stat(path)
		stale = statErr == nil && time.Since(info.ModTime()) > staleAfter
	} else {
		age := time.Since(time.UnixMilli(h.AcquiredAt))
		stale = age > staleAfter
	}
	if !stale {
		return false
	}
	return os.Remove(path) == nil
}

func release(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Nothing actionable; the stale-breaker will reclaim it.
		slog.Warn("lockfile release failed", "path", path, "err", err)
	}
}
