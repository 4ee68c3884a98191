package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// ErrAlreadyLocked means another daemon holds the singleton lock.
var ErrAlreadyLocked = errors.New("daemon lock already held")

const (
	lockStaleWindow       = 60 * time.Second
	lockHeartbeatInterval = 15 * time.Second
)

// Lock is the singleton gate: an exclusive flock on the daemon lockfile whose
// mtime is refreshed every 15 seconds so out-of-process observers can tell a
// live holder from a stale file.
type Lock struct {
	path string
	file *os.File
	stop chan struct{}
	done chan struct{}
}

// AcquireLock takes the singleton lock or fails. ErrAlreadyLocked means a
// live daemon holds it; any other error is also a refusal to start — running
// a second instance is worse than not starting.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lockfile: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrAlreadyLocked
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate lockfile: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write lockfile: %w", err)
	}

	l := &Lock{
		path: path,
		file: f,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.heartbeat()
	return l, nil
}

// heartbeat refreshes the lockfile mtime to prove liveness.
func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(lockHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			os.Chtimes(l.path, now, now)
		}
	}
}

// LockHeldByLiveDaemon reports whether the lockfile exists with a heartbeat
// inside the staleness window. Used by status checks that must not take the
// lock themselves.
func LockHeldByLiveDaemon(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < lockStaleWindow
}

// Release stops the heartbeat, drops the flock and removes the lockfile.
func (l *Lock) Release() {
	close(l.stop)
	<-l.done
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	os.Remove(l.path)
}
