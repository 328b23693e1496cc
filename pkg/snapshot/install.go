package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kvesta/quietpatch/pkg/vulnlib"

	log "github.com/sirupsen/logrus"
)

const (
	liveName  = "db"
	stateName = "state.json"
)

// Options configure an install.
type Options struct {
	DataDir        string
	PubKeys        []string
	AllowDowngrade bool
	Store          vulnlib.Options
}

func (o Options) LiveDir() string {
	return filepath.Join(o.DataDir, liveName)
}

func (o Options) StatePath() string {
	return filepath.Join(o.DataDir, stateName)
}

// Handle is an installed and loaded snapshot.
type Handle struct {
	Store    *vulnlib.Store
	Manifest Manifest
	Dir      string
}

// VerifyAndLoad checks the signature, scans the archive, refuses
// rollbacks, extracts to staging and swaps it in place of the live
// snapshot. The archive is read once and every later step works on the
// verified bytes. An empty sigPath defaults to the archive path plus
// .minisig.
func VerifyAndLoad(ctx context.Context, archivePath, sigPath string, opts Options) (*Handle, error) {
	if sigPath == "" {
		sigPath = archivePath + ".minisig"
	}

	lock, err := AcquireLock(opts.DataDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	logger := log.WithField("archive", filepath.Base(archivePath))

	data, err := VerifyFile(opts.PubKeys, archivePath, sigPath)
	if err != nil {
		return nil, err
	}
	logger.Infof("signature verified")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	staging, err := os.MkdirTemp(opts.DataDir, ".staging-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	man, err := Scan(bytes.NewReader(data), staging)
	if err != nil {
		return nil, err
	}

	installed := ReadState(opts.StatePath())
	if err := CheckRollback(installed, man, opts.AllowDowngrade); err != nil {
		return nil, err
	}
	if opts.AllowDowngrade && (man.Epoch < installed.Epoch || man.SnapshotDate <= installed.LastDate) {
		logger.Warnf("downgrade allowed: epoch %d -> %d, date %s -> %s",
			installed.Epoch, man.Epoch, installed.LastDate, man.SnapshotDate)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := Extract(bytes.NewReader(data), staging); err != nil {
		return nil, err
	}
	if err := man.CheckFiles(staging); err != nil {
		return nil, err
	}

	store, err := vulnlib.Load(staging, opts.Store)
	if err != nil {
		return nil, err
	}

	// The state goes first so a live snapshot is never newer than the
	// rollback guard knows.
	statePath := opts.StatePath()
	_, statErr := os.Stat(statePath)
	if err := WriteState(statePath, newState(man)); err != nil {
		return nil, fmt.Errorf("write state: %w", err)
	}

	live := opts.LiveDir()
	if err := swap(staging, live); err != nil {
		restoreState(statePath, installed, statErr == nil)
		return nil, fmt.Errorf("install snapshot: %w", err)
	}
	committed = true
	store.Dir = live

	logger.Infof("installed snapshot epoch %d date %s", man.Epoch, man.SnapshotDate)
	return &Handle{Store: store, Manifest: man, Dir: live}, nil
}

func restoreState(path string, prev State, existed bool) {
	var err error
	if existed {
		err = WriteState(path, prev)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		log.Warnf("failed to restore state %s: %v", path, err)
	}
}

// swap moves staging into live, keeping the previous live dir until the
// rename succeeded.
func swap(staging, live string) error {
	old := live + ".old-" + strconv.FormatInt(time.Now().UnixNano(), 10)

	hadLive := false
	if _, err := os.Stat(live); err == nil {
		if err := os.Rename(live, old); err != nil {
			return err
		}
		hadLive = true
	}

	if err := os.Rename(staging, live); err != nil {
		if hadLive {
			os.Rename(old, live)
		}
		return err
	}

	if hadLive {
		if err := os.RemoveAll(old); err != nil {
			log.Warnf("failed to remove previous snapshot %s: %v", old, err)
		}
	}
	return nil
}

// Open loads the installed snapshot without touching it.
func Open(opts Options) (*Handle, error) {
	if Locked(opts.DataDir) {
		return nil, fmt.Errorf("%w: retry when the install finishes", ErrLocked)
	}

	live := opts.LiveDir()
	if _, err := os.Stat(live); err != nil {
		return nil, fmt.Errorf("%w: no snapshot installed in %s, run `quietpatch db install` first",
			vulnlib.ErrStoreLoadFailure, opts.DataDir)
	}

	store, err := vulnlib.Load(live, opts.Store)
	if err != nil {
		return nil, err
	}

	h := &Handle{Store: store, Dir: live}
	if m, ok := readManifest(live); ok {
		h.Manifest = m
	}
	return h, nil
}

func readManifest(dir string) (Manifest, bool) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return m, false
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false
	}
	return m, true
}

// Status summarises what is installed.
type Status struct {
	Installed bool      `json:"installed"`
	Dir       string    `json:"dir"`
	State     State     `json:"state"`
	Manifest  *Manifest `json:"manifest,omitempty"`
	Locked    bool      `json:"locked"`
}

func ReadStatus(opts Options) Status {
	st := Status{
		Dir:    opts.LiveDir(),
		State:  ReadState(opts.StatePath()),
		Locked: Locked(opts.DataDir),
	}
	if _, err := os.Stat(st.Dir); err == nil {
		st.Installed = true
	}
	if m, ok := readManifest(st.Dir); ok {
		st.Manifest = &m
	}
	return st
}
