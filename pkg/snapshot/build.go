package snapshot

import (
	"archive/tar"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"aead.dev/minisign"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func compressor(w io.Writer, f Format) (io.WriteCloser, error) {
	switch f {
	case FormatZstd:
		return zstd.NewWriter(w)
	case FormatXz:
		return xz.NewWriter(w)
	case FormatTar:
		return nopCloser{w}, nil
	default:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	}
}

// payload lists the regular files directly under srcDir, manifest excluded.
func payload(srcDir string) ([]string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == ManifestName {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func addFile(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Build packs srcDir into a snapshot archive at outPath. The compression
// follows the extension. File digests are filled into the manifest and a
// .sha256 sidecar is written next to the archive.
func Build(srcDir, outPath string, m Manifest) (Manifest, error) {
	names, err := payload(srcDir)
	if err != nil {
		return m, fmt.Errorf("read source dir: %w", err)
	}
	if len(names) == 0 {
		log.Warnf("snapshot source %s has no tables", srcDir)
	}

	if m.GeneratedAt == "" {
		m.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	}
	m.Files = m.Files[:0]
	for _, n := range names {
		sum, size, err := sha256File(filepath.Join(srcDir, n))
		if err != nil {
			return m, err
		}
		m.Files = append(m.Files, ManifestFile{Name: n, SHA256: sum, Size: size})
	}
	if err := m.Validate(); err != nil {
		return m, err
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return m, err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return m, err
	}
	defer out.Close()

	cw, err := compressor(out, FormatFromName(outPath))
	if err != nil {
		return m, err
	}
	tw := tar.NewWriter(cw)

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     ManifestName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now(),
	}); err != nil {
		return m, err
	}
	if _, err := tw.Write(manifest); err != nil {
		return m, err
	}

	for _, n := range names {
		if err := addFile(tw, n, filepath.Join(srcDir, n)); err != nil {
			return m, fmt.Errorf("add %s: %w", n, err)
		}
	}

	if err := tw.Close(); err != nil {
		return m, err
	}
	if err := cw.Close(); err != nil {
		return m, err
	}
	if err := out.Close(); err != nil {
		return m, err
	}

	sum, _, err := sha256File(outPath)
	if err != nil {
		return m, err
	}
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(outPath))
	if err := os.WriteFile(outPath+".sha256", []byte(line), 0o644); err != nil {
		return m, err
	}

	log.Infof("built snapshot %s with %d tables", outPath, len(names))
	return m, nil
}

// Sign writes the detached minisign signature of archivePath next to it.
func Sign(priv minisign.PrivateKey, archivePath string) (string, error) {
	message, err := os.ReadFile(archivePath)
	if err != nil {
		return "", err
	}

	sigPath := archivePath + ".minisig"
	if err := os.WriteFile(sigPath, minisign.Sign(priv, message), 0o644); err != nil {
		return "", err
	}
	return sigPath, nil
}

// LoadPrivateKey reads a minisign secret key, decrypting it when a password
// is given.
func LoadPrivateKey(path, password string) (minisign.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return minisign.PrivateKey{}, err
	}
	if password != "" {
		return minisign.DecryptKey(password, data)
	}

	var priv minisign.PrivateKey
	if err := priv.UnmarshalText(data); err != nil {
		return priv, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return priv, nil
}

// GenerateKey creates a fresh key pair and returns the public key text.
func GenerateKey() (string, minisign.PrivateKey, error) {
	pub, priv, err := minisign.GenerateKey(rand.Reader)
	if err != nil {
		return "", priv, err
	}
	text, err := pub.MarshalText()
	if err != nil {
		return "", priv, err
	}
	return string(text), priv, nil
}
