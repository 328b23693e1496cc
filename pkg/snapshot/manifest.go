package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const DateLayout = "2006-01-02"

// Manifest describes one snapshot. It travels inside the archive.
type Manifest struct {
	Epoch        int            `json:"epoch"`
	SnapshotDate string         `json:"snapshot_date"`
	GeneratedAt  string         `json:"generated_at"`
	Files        []ManifestFile `json:"files"`
}

type ManifestFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

func (m Manifest) Validate() error {
	if m.Epoch < 0 {
		return fmt.Errorf("%w: negative epoch %d", ErrManifestInvalid, m.Epoch)
	}
	if _, err := time.Parse(DateLayout, m.SnapshotDate); err != nil {
		return fmt.Errorf("%w: snapshot_date %q is not YYYY-MM-DD", ErrManifestInvalid, m.SnapshotDate)
	}
	for _, f := range m.Files {
		if _, err := entryPath(f.Name); err != nil || f.Name == "" {
			return fmt.Errorf("%w: bad file name %q", ErrManifestInvalid, f.Name)
		}
	}
	return nil
}

func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// CheckFiles compares the extracted payload with the digests listed in
// the manifest. Files without a digest only need to exist.
func (m Manifest) CheckFiles(dir string) error {
	for _, f := range m.Files {
		target := filepath.Join(dir, filepath.FromSlash(f.Name))
		sum, size, err := sha256File(target)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrManifestInvalid, f.Name, err)
		}
		if f.SHA256 != "" && sum != f.SHA256 {
			return fmt.Errorf("%w: %s digest mismatch", ErrManifestInvalid, f.Name)
		}
		if f.Size > 0 && size != f.Size {
			return fmt.Errorf("%w: %s size %d, want %d", ErrManifestInvalid, f.Name, size, f.Size)
		}
	}
	return nil
}
