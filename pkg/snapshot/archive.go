package snapshot

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

const (
	ManifestName = "manifest.json"

	// entries larger than this are refused
	maxEntrySize = 1 << 30
)

var (
	ErrUnsafeArchiveEntry = errors.New("unsafe archive entry")
	ErrManifestInvalid    = errors.New("snapshot manifest invalid")
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Format is the compression wrapped around the tar stream.
type Format int

const (
	FormatTar Format = iota
	FormatGzip
	FormatZstd
	FormatXz
)

func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "tar.gz"
	case FormatZstd:
		return "tar.zst"
	case FormatXz:
		return "tar.xz"
	default:
		return "tar"
	}
}

// FormatFromName picks the format by extension, gzip when nothing matches.
func FormatFromName(name string) Format {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		return FormatZstd
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return FormatXz
	case strings.HasSuffix(name, ".tar"):
		return FormatTar
	default:
		return FormatGzip
	}
}

func sniff(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return FormatGzip
	case bytes.HasPrefix(head, zstdMagic):
		return FormatZstd
	case bytes.HasPrefix(head, xzMagic):
		return FormatXz
	default:
		return FormatTar
	}
}

type archiveReader struct {
	*tar.Reader
	closers []io.Closer
}

func (a *archiveReader) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if cerr := a.closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// openArchive returns a tar reader over the decompressed stream. The
// compression is detected from the magic bytes.
func openArchive(src io.Reader) (*archiveReader, error) {
	a := &archiveReader{}

	br := bufio.NewReader(src)
	head, _ := br.Peek(len(xzMagic))

	var r io.Reader
	switch sniff(head) {
	case FormatGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		a.closers = append(a.closers, gz)
		r = gz
	case FormatZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		rc := zr.IOReadCloser()
		a.closers = append(a.closers, rc)
		r = rc
	case FormatXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		r = xr
	default:
		r = br
	}

	a.Reader = tar.NewReader(r)
	return a, nil
}

// entryPath validates one entry name and returns its cleaned relative path.
func entryPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafeArchiveEntry)
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafeArchiveEntry, name)
	}
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("%w: parent segment in %q", ErrUnsafeArchiveEntry, name)
		}
	}

	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == "." {
		return "", nil
	}
	if strings.HasPrefix(clean, "../") || clean == ".." {
		return "", fmt.Errorf("%w: %q escapes destination", ErrUnsafeArchiveEntry, name)
	}
	return clean, nil
}

// within reports whether target stays under base once both are cleaned.
func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func readError(hdr *tar.Header, err error) error {
	if errors.Is(err, tar.ErrInsecurePath) && hdr != nil {
		return fmt.Errorf("%w: %q", ErrUnsafeArchiveEntry, hdr.Name)
	}
	return fmt.Errorf("read archive: %w", err)
}

func checkHeader(hdr *tar.Header, dest string) error {
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeDir, tar.TypeXGlobalHeader:
	case tar.TypeSymlink:
		return fmt.Errorf("%w: symlink %q", ErrUnsafeArchiveEntry, hdr.Name)
	case tar.TypeLink:
		return fmt.Errorf("%w: hardlink %q", ErrUnsafeArchiveEntry, hdr.Name)
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		return fmt.Errorf("%w: device %q", ErrUnsafeArchiveEntry, hdr.Name)
	default:
		return fmt.Errorf("%w: unsupported type %q for %q", ErrUnsafeArchiveEntry, hdr.Typeflag, hdr.Name)
	}

	if hdr.Typeflag == tar.TypeXGlobalHeader {
		return nil
	}

	rel, err := entryPath(hdr.Name)
	if err != nil {
		return err
	}
	if rel != "" && !within(dest, filepath.Join(dest, filepath.FromSlash(rel))) {
		return fmt.Errorf("%w: %q escapes destination", ErrUnsafeArchiveEntry, hdr.Name)
	}
	if hdr.Size > maxEntrySize {
		return fmt.Errorf("%w: %q is too large", ErrUnsafeArchiveEntry, hdr.Name)
	}
	return nil
}

// Scan validates every entry without writing anything and returns the
// decoded manifest.
func Scan(src io.Reader, dest string) (Manifest, error) {
	var man Manifest

	a, err := openArchive(src)
	if err != nil {
		return man, err
	}
	defer a.Close()

	found := false
	for hdr, err := a.Next(); err != io.EOF; hdr, err = a.Next() {
		if err != nil {
			return man, readError(hdr, err)
		}
		if err := checkHeader(hdr, dest); err != nil {
			return man, err
		}

		rel, _ := entryPath(hdr.Name)
		if hdr.Typeflag == tar.TypeReg && rel == ManifestName {
			data, err := io.ReadAll(io.LimitReader(a, maxEntrySize))
			if err != nil {
				return man, fmt.Errorf("read manifest: %w", err)
			}
			if err := json.Unmarshal(data, &man); err != nil {
				return man, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
			}
			found = true
		}
	}

	if !found {
		return man, fmt.Errorf("%w: %s not found in archive", ErrManifestInvalid, ManifestName)
	}
	return man, man.Validate()
}

// Extract writes the archive under dest, checking every entry again.
func Extract(src io.Reader, dest string) error {
	a, err := openArchive(src)
	if err != nil {
		return err
	}
	defer a.Close()

	for hdr, err := a.Next(); err != io.EOF; hdr, err = a.Next() {
		if err != nil {
			return readError(hdr, err)
		}
		if err := checkHeader(hdr, dest); err != nil {
			return err
		}

		rel, _ := entryPath(hdr.Name)
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeEntry(target, a); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			log.Debugf("extracted %s", rel)
		}
	}
	return nil
}

func writeEntry(target string, r io.Reader) error {
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(file, io.LimitReader(r, maxEntrySize)); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
