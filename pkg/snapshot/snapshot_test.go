package snapshot

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"aead.dev/minisign"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvesta/quietpatch/pkg/cpe"
)

const (
	srcMeta   = `{"CVE-2024-0001": {"cvss": 9.8, "description": "Firefox use-after-free"}}`
	srcCPEMap = `{"cpe:2.3:a:mozilla:firefox:*:*:*:*:*:*:*:*": ["CVE-2024-0001"]}`
)

type keyPair struct {
	pub  string
	priv minisign.PrivateKey
}

func newKey(t *testing.T) keyPair {
	t.Helper()
	pub, priv, err := GenerateKey()
	require.NoError(t, err)
	return keyPair{pub: pub, priv: priv}
}

func writeSource(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cve_meta.json"), []byte(srcMeta), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpe_to_cves.json"), []byte(srcCPEMap), 0o644))
	return dir
}

// buildSigned builds and signs a snapshot, returning the archive path.
func buildSigned(t *testing.T, name string, epoch int, date string, key keyPair) string {
	t.Helper()

	out := filepath.Join(t.TempDir(), name)
	_, err := Build(writeSource(t), out, Manifest{Epoch: epoch, SnapshotDate: date})
	require.NoError(t, err)

	_, err = Sign(key.priv, out)
	require.NoError(t, err)
	return out
}

type entry struct {
	hdr  tar.Header
	body string
}

// craftArchive writes a signed tar.gz with arbitrary headers.
func craftArchive(t *testing.T, key keyPair, entries []entry) string {
	t.Helper()

	out := filepath.Join(t.TempDir(), "crafted.tar.gz")
	f, err := os.Create(out)
	require.NoError(t, err)

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := e.hdr
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(&hdr))
		if e.body != "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	_, err = Sign(key.priv, out)
	require.NoError(t, err)
	return out
}

func manifestEntry(epoch int, date string) entry {
	data, _ := json.Marshal(Manifest{Epoch: epoch, SnapshotDate: date})
	return entry{hdr: tar.Header{Typeflag: tar.TypeReg, Name: ManifestName}, body: string(data)}
}

func TestRoundTrip(t *testing.T) {
	key := newKey(t)

	for _, name := range []string{"snap.tar.gz", "snap.tar.zst", "snap.tar.xz", "snap.tar"} {
		t.Run(name, func(t *testing.T) {
			archive := buildSigned(t, name, 3, "2025-02-01", key)
			opts := Options{DataDir: t.TempDir(), PubKeys: []string{key.pub}}

			h, err := VerifyAndLoad(context.Background(), archive, "", opts)
			require.NoError(t, err)

			assert.Equal(t, 3, h.Manifest.Epoch)
			assert.Equal(t, "2025-02-01", h.Manifest.SnapshotDate)
			assert.Len(t, h.Manifest.Files, 2)
			assert.Equal(t, opts.LiveDir(), h.Dir)

			recs := h.Store.LookupByIdentifier(cpe.NewApplication("mozilla", "firefox", "100.0"))
			require.Len(t, recs, 1)
			assert.Equal(t, "critical", recs[0].Label)

			st := ReadState(opts.StatePath())
			assert.Equal(t, 3, st.Epoch)
			assert.Equal(t, "2025-02-01", st.LastDate)
			assert.NotZero(t, st.TS)

			assert.False(t, Locked(opts.DataDir))
			entries, err := os.ReadDir(opts.DataDir)
			require.NoError(t, err)
			for _, e := range entries {
				assert.False(t, strings.HasPrefix(e.Name(), ".staging-"), e.Name())
			}

			sum, err := os.ReadFile(archive + ".sha256")
			require.NoError(t, err)
			assert.Contains(t, string(sum), name)

			reopened, err := Open(opts)
			require.NoError(t, err)
			assert.Equal(t, 3, reopened.Manifest.Epoch)
		})
	}
}

func TestUpgradeReplacesLiveSnapshot(t *testing.T) {
	key := newKey(t)
	opts := Options{DataDir: t.TempDir(), PubKeys: []string{key.pub}}

	_, err := VerifyAndLoad(context.Background(), buildSigned(t, "a.tar.gz", 1, "2025-01-01", key), "", opts)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(opts.LiveDir(), "stale.json"), []byte("{}"), 0o644))

	_, err = VerifyAndLoad(context.Background(), buildSigned(t, "b.tar.gz", 1, "2025-01-02", key), "", opts)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(opts.LiveDir(), "stale.json"))
	matches, _ := filepath.Glob(opts.LiveDir() + ".old-*")
	assert.Empty(t, matches)
	assert.Equal(t, "2025-01-02", ReadState(opts.StatePath()).LastDate)
}

func TestRollbackMatrix(t *testing.T) {
	key := newKey(t)

	tests := []struct {
		name      string
		epoch     int
		date      string
		downgrade bool
		wantErr   bool
	}{
		{name: "olderEpoch", epoch: 4, date: "2025-01-20", wantErr: true},
		{name: "olderDate", epoch: 5, date: "2025-01-05", wantErr: true},
		{name: "sameDate", epoch: 5, date: "2025-01-10", wantErr: true},
		{name: "newerEpochOlderDate", epoch: 6, date: "2025-01-01", wantErr: true},
		{name: "newer", epoch: 5, date: "2025-01-11"},
		{name: "override", epoch: 4, date: "2025-01-01", downgrade: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{DataDir: t.TempDir(), PubKeys: []string{key.pub}, AllowDowngrade: tt.downgrade}
			require.NoError(t, WriteState(opts.StatePath(), State{LastDate: "2025-01-10", Epoch: 5}))

			archive := buildSigned(t, "snap.tar.gz", tt.epoch, tt.date, key)
			_, err := VerifyAndLoad(context.Background(), archive, "", opts)

			if tt.wantErr {
				assert.ErrorIs(t, err, ErrRollbackRejected)
				assert.NoDirExists(t, opts.LiveDir())
				st := ReadState(opts.StatePath())
				assert.Equal(t, 5, st.Epoch)
				assert.Equal(t, "2025-01-10", st.LastDate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.date, ReadState(opts.StatePath()).LastDate)
		})
	}
}

func TestUnsafeEntriesWriteNothing(t *testing.T) {
	key := newKey(t)

	tests := []struct {
		name    string
		entries []entry
	}{
		{
			name: "parentTraversal",
			entries: []entry{
				manifestEntry(1, "2025-01-01"),
				{hdr: tar.Header{Typeflag: tar.TypeReg, Name: "../../etc/passwd"}, body: "root:x:0:0"},
			},
		},
		{
			name: "traversalBeforeManifest",
			entries: []entry{
				{hdr: tar.Header{Typeflag: tar.TypeReg, Name: "ok.json"}, body: "{}"},
				{hdr: tar.Header{Typeflag: tar.TypeReg, Name: "data/../../x"}, body: "x"},
				manifestEntry(1, "2025-01-01"),
			},
		},
		{
			name: "absolute",
			entries: []entry{
				manifestEntry(1, "2025-01-01"),
				{hdr: tar.Header{Typeflag: tar.TypeReg, Name: "/tmp/evil"}, body: "x"},
			},
		},
		{
			name: "symlink",
			entries: []entry{
				manifestEntry(1, "2025-01-01"),
				{hdr: tar.Header{Typeflag: tar.TypeSymlink, Name: "kev.json", Linkname: "/etc/shadow"}},
			},
		},
		{
			name: "hardlink",
			entries: []entry{
				manifestEntry(1, "2025-01-01"),
				{hdr: tar.Header{Typeflag: tar.TypeLink, Name: "kev.json", Linkname: "manifest.json"}},
			},
		},
		{
			name: "device",
			entries: []entry{
				manifestEntry(1, "2025-01-01"),
				{hdr: tar.Header{Typeflag: tar.TypeChar, Name: "null", Devmajor: 1, Devminor: 3}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := craftArchive(t, key, tt.entries)
			opts := Options{DataDir: t.TempDir(), PubKeys: []string{key.pub}}

			_, err := VerifyAndLoad(context.Background(), archive, "", opts)
			assert.ErrorIs(t, err, ErrUnsafeArchiveEntry)

			entries, err := os.ReadDir(opts.DataDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
			assert.NoFileExists(t, opts.StatePath())
		})
	}
}

func TestManifestDigestMismatch(t *testing.T) {
	key := newKey(t)

	man, _ := json.Marshal(Manifest{
		Epoch:        1,
		SnapshotDate: "2025-01-01",
		Files:        []ManifestFile{{Name: "cve_meta.json", SHA256: strings.Repeat("0", 64)}},
	})
	archive := craftArchive(t, key, []entry{
		{hdr: tar.Header{Typeflag: tar.TypeReg, Name: ManifestName}, body: string(man)},
		{hdr: tar.Header{Typeflag: tar.TypeReg, Name: "cve_meta.json"}, body: srcMeta},
	})
	opts := Options{DataDir: t.TempDir(), PubKeys: []string{key.pub}}

	_, err := VerifyAndLoad(context.Background(), archive, "", opts)
	assert.ErrorIs(t, err, ErrManifestInvalid)
	assert.NoDirExists(t, opts.LiveDir())
}

func TestMissingManifest(t *testing.T) {
	key := newKey(t)
	archive := craftArchive(t, key, []entry{
		{hdr: tar.Header{Typeflag: tar.TypeReg, Name: "cve_meta.json"}, body: srcMeta},
	})

	_, err := VerifyAndLoad(context.Background(), archive, "", Options{DataDir: t.TempDir(), PubKeys: []string{key.pub}})
	assert.ErrorIs(t, err, ErrManifestInvalid)
}

func TestSignatureFailures(t *testing.T) {
	signer := newKey(t)
	other := newKey(t)
	archive := buildSigned(t, "snap.tar.gz", 1, "2025-01-01", signer)

	t.Run("wrongKey", func(t *testing.T) {
		_, err := VerifyAndLoad(context.Background(), archive, "", Options{DataDir: t.TempDir(), PubKeys: []string{other.pub}})
		require.ErrorIs(t, err, ErrSignatureInvalid)

		var serr *SignatureError
		require.True(t, errors.As(err, &serr))
		require.Len(t, serr.Keys, 1)
		assert.Contains(t, serr.Keys[0].Reason, "key id mismatch")
	})

	t.Run("malformedKey", func(t *testing.T) {
		_, err := VerifyAndLoad(context.Background(), archive, "", Options{DataDir: t.TempDir(), PubKeys: []string{"RWQnot-a-key"}})

		var serr *SignatureError
		require.True(t, errors.As(err, &serr))
		assert.Contains(t, serr.Keys[0].Reason, "malformed key")
	})

	t.Run("tampered", func(t *testing.T) {
		tampered := filepath.Join(t.TempDir(), "snap.tar.gz")
		data, err := os.ReadFile(archive)
		require.NoError(t, err)
		data = append(data, 0)
		require.NoError(t, os.WriteFile(tampered, data, 0o644))

		_, err = VerifyAndLoad(context.Background(), tampered, archive+".minisig",
			Options{DataDir: t.TempDir(), PubKeys: []string{signer.pub}})

		var serr *SignatureError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "bad signature", serr.Keys[0].Reason)
	})

	t.Run("missingSignature", func(t *testing.T) {
		_, err := VerifyAndLoad(context.Background(), archive, archive+".nope",
			Options{DataDir: t.TempDir(), PubKeys: []string{signer.pub}})
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("noKeys", func(t *testing.T) {
		_, err := VerifyAndLoad(context.Background(), archive, "", Options{DataDir: t.TempDir()})
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("rotation", func(t *testing.T) {
		_, err := VerifyAndLoad(context.Background(), archive, "",
			Options{DataDir: t.TempDir(), PubKeys: []string{other.pub, signer.pub}})
		assert.NoError(t, err)
	})
}

func TestLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	assert.True(t, Locked(dir))

	_, err = AcquireLock(dir)
	assert.ErrorIs(t, err, ErrLocked)

	_, err = Open(Options{DataDir: dir})
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())
	assert.False(t, Locked(dir))
}

func TestCheckRollback(t *testing.T) {
	installed := State{LastDate: "2025-01-10", Epoch: 5}

	assert.NoError(t, CheckRollback(State{}, Manifest{Epoch: 0, SnapshotDate: "2020-01-01"}, false))
	assert.NoError(t, CheckRollback(installed, Manifest{Epoch: 7, SnapshotDate: "2025-02-01"}, false))
	assert.ErrorIs(t, CheckRollback(installed, Manifest{Epoch: 4, SnapshotDate: "2025-02-01"}, false), ErrRollbackRejected)
	assert.NoError(t, CheckRollback(installed, Manifest{Epoch: 4, SnapshotDate: "2025-02-01"}, true))
}

func TestEntryPath(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "cve_meta.json", want: "cve_meta.json"},
		{name: "./kev.json", want: "kev.json"},
		{name: "sub/dir/", want: "sub/dir"},
		{name: "./", want: ""},
		{name: "../x", wantErr: true},
		{name: "a/../../b", wantErr: true},
		{name: `..\windows`, wantErr: true},
		{name: "/abs", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := entryPath(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("entryPath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("entryPath() got = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenWithoutSnapshot(t *testing.T) {
	_, err := Open(Options{DataDir: t.TempDir()})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "db install")
}

func TestStateWriteFailureLeavesLiveUntouched(t *testing.T) {
	key := newKey(t)
	opts := Options{DataDir: t.TempDir(), PubKeys: []string{key.pub}}
	require.NoError(t, os.MkdirAll(opts.StatePath(), 0o755))

	_, err := VerifyAndLoad(context.Background(), buildSigned(t, "snap.tar.gz", 1, "2025-01-01", key), "", opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write state")

	assert.NoDirExists(t, opts.LiveDir())
	leftovers, _ := filepath.Glob(filepath.Join(opts.DataDir, ".st*"))
	assert.Empty(t, leftovers)
}

func TestStaleLock(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		age    time.Duration
		locked bool
	}{
		{name: "deadOwner", body: strconv.Itoa(math.MaxInt32 - 1)},
		{name: "liveOwner", body: strconv.Itoa(os.Getpid()), locked: true},
		{name: "freshWithoutPid", body: "", locked: true},
		{name: "oldWithoutPid", body: "garbage", age: 2 * lockMaxAge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			p := LockPath(dir)
			require.NoError(t, os.WriteFile(p, []byte(tt.body), 0o644))
			if tt.age > 0 {
				old := time.Now().Add(-tt.age)
				require.NoError(t, os.Chtimes(p, old, old))
			}

			assert.Equal(t, tt.locked, Locked(dir))

			_, err := Open(Options{DataDir: dir})
			if tt.locked {
				assert.ErrorIs(t, err, ErrLocked)
			} else {
				assert.NotErrorIs(t, err, ErrLocked)
			}

			lock, err := AcquireLock(dir)
			if tt.locked {
				assert.ErrorIs(t, err, ErrLocked)
				return
			}
			require.NoError(t, err)

			data, err := os.ReadFile(p)
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
			require.NoError(t, lock.Release())
		})
	}
}
