package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"
	log "github.com/sirupsen/logrus"
)

const (
	lockName = ".lock"

	// a lock without a readable pid is honoured this long
	lockMaxAge = time.Hour
)

var ErrLocked = errors.New("snapshot install in progress")

// Lock is an advisory lock file created with O_EXCL. It holds the pid of
// the installer so a crashed install does not block the data dir forever.
type Lock struct {
	path string
}

func LockPath(dataDir string) string {
	return filepath.Join(dataDir, lockName)
}

func AcquireLock(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	p := LockPath(dataDir)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil && os.IsExist(err) && stale(p) {
		log.Warnf("removing stale lock %s", p)
		if rerr := os.Remove(p); rerr != nil && !os.IsNotExist(rerr) {
			return nil, rerr
		}
		f, err = os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	}
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s exists", ErrLocked, p)
		}
		return nil, err
	}
	f.WriteString(strconv.Itoa(os.Getpid()))
	f.Close()

	return &Lock{path: p}, nil
}

func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// stale reports whether the lock at p was left behind by a process that is
// gone. Without a pid the file age decides.
func stale(p string) bool {
	data, err := os.ReadFile(p)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		fi, err := os.Stat(p)
		return err == nil && time.Since(fi.ModTime()) > lockMaxAge
	}

	alive, err := process.PidExists(int32(pid))
	if err != nil {
		log.Debugf("failed to check lock owner %d: %v", pid, err)
		return false
	}
	return !alive
}

// Locked reports whether a live install currently holds the data dir.
func Locked(dataDir string) bool {
	p := LockPath(dataDir)
	if _, err := os.Stat(p); err != nil {
		return false
	}
	return !stale(p)
}
