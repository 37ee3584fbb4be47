// Package install places downloaded files: archives are unpacked into a
// destination directory and raw files are moved into place.
package install

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/ulikunitz/xz"

	"chatd/internal/apperr"
	"chatd/internal/common/fsutil"
)

// Format is an archive container recognised by Extract.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTarGz
	FormatTarXz
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarXz:
		return "tar.xz"
	}
	return "unknown"
}

// Installer performs installs and logs what it did.
type Installer struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Installer { return &Installer{log: log} }

// DetectFormat looks at the file name first and falls back to magic bytes.
func DetectFormat(path string) Format {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return FormatTarXz
	}
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown
	}
	defer f.Close()
	head := make([]byte, 6)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return FormatZip
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return FormatTarGz
	case bytes.HasPrefix(head, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return FormatTarXz
	}
	return FormatUnknown
}

// Extract unpacks archive into destDir and returns the paths it created.
// Entries that would land outside destDir are rejected.
func (in *Installer) Extract(ctx context.Context, archive, destDir string) ([]string, error) {
	if err := fsutil.EnsureDir(destDir); err != nil {
		return nil, apperr.Filesystem("extract", err, "create %s", destDir)
	}
	var (
		paths []string
		err   error
	)
	format := DetectFormat(archive)
	switch format {
	case FormatZip:
		paths, err = in.extractZip(ctx, archive, destDir)
	case FormatTarGz, FormatTarXz:
		paths, err = in.extractTar(ctx, archive, destDir, format)
	default:
		return nil, apperr.Archive("extract", nil, "%s is not a supported archive", filepath.Base(archive))
	}
	if err != nil {
		return paths, err
	}
	in.log.Info().Str("archive", archive).Str("dest", destDir).Str("format", format.String()).Int("entries", len(paths)).Msg("archive extracted")
	return paths, nil
}

func (in *Installer) extractZip(ctx context.Context, archive, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, apperr.Archive("extract", err, "open %s", filepath.Base(archive))
	}
	defer zr.Close()
	var paths []string
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		target, err := entryPath(destDir, f.Name)
		if err != nil {
			return paths, err
		}
		if f.FileInfo().IsDir() {
			if err := fsutil.EnsureDir(target); err != nil {
				return paths, apperr.Filesystem("extract", err, "create %s", target)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return paths, apperr.Archive("extract", err, "open entry %s", f.Name)
		}
		err = writeEntry(target, rc, f.Mode())
		rc.Close()
		if err != nil {
			return paths, err
		}
		paths = append(paths, target)
	}
	return paths, nil
}

func (in *Installer) extractTar(ctx context.Context, archive, destDir string, format Format) ([]string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, apperr.Filesystem("extract", err, "open %s", archive)
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case FormatTarXz:
		xzr, err := xz.NewReader(f)
		if err != nil {
			return nil, apperr.Archive("extract", err, "read xz header of %s", filepath.Base(archive))
		}
		r = xzr
	default:
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return nil, apperr.Archive("extract", err, "read gzip header of %s", filepath.Base(archive))
		}
		defer gzr.Close()
		r = gzr
	}

	tr := tar.NewReader(r)
	var paths []string
	for {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return paths, apperr.Archive("extract", err, "read %s", filepath.Base(archive))
		}
		target, err := entryPath(destDir, hdr.Name)
		if err != nil {
			return paths, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fsutil.EnsureDir(target); err != nil {
				return paths, apperr.Filesystem("extract", err, "create %s", target)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode()); err != nil {
				return paths, err
			}
			paths = append(paths, target)
		default:
			// links and devices are not needed by any bundle
			in.log.Debug().Str("entry", hdr.Name).Msg("skipping non-regular tar entry")
		}
	}
	return paths, nil
}

// entryPath joins name onto destDir and refuses anything escaping it.
func entryPath(destDir, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", apperr.Archive("extract", nil, "entry %q has an absolute path", name)
	}
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if !fsutil.Within(destDir, target) {
		return "", apperr.Archive("extract", nil, "entry %q escapes the destination", name)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := fsutil.EnsureDir(filepath.Dir(target)); err != nil {
		return apperr.Filesystem("extract", err, "create %s", filepath.Dir(target))
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return apperr.Filesystem("extract", err, "create %s", target)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return apperr.Archive("extract", err, "write %s", target)
	}
	if err := out.Close(); err != nil {
		return apperr.Filesystem("extract", err, "close %s", target)
	}
	return nil
}

// Move relocates src into destDir, keeping its base name, and returns the new
// path. An identical file already at the destination counts as success.
func (in *Installer) Move(src, destDir string, overwrite bool) (string, error) {
	if err := fsutil.EnsureDir(destDir); err != nil {
		return "", apperr.Filesystem("move", err, "create %s", destDir)
	}
	dst := filepath.Join(destDir, filepath.Base(src))
	if sameFile(src, dst) {
		return dst, nil
	}
	if fi, err := os.Stat(dst); err == nil {
		if fi.IsDir() {
			return "", apperr.Filesystem("move", nil, "%s is a directory", dst)
		}
		same, err := sameContent(src, dst)
		if err != nil {
			return "", apperr.Filesystem("move", err, "compare %s", dst)
		}
		if same {
			if err := os.Remove(src); err != nil {
				in.log.Warn().Err(err).Str("src", src).Msg("remove duplicate source")
			}
			return dst, nil
		}
		if !overwrite {
			return "", apperr.Filesystem("move", os.ErrExist, "%s already exists", dst)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", apperr.Filesystem("move", err, "stat %s", dst)
	}

	if err := os.Rename(src, dst); err != nil {
		if !isCrossDevice(err) {
			return "", apperr.Filesystem("move", err, "rename %s", src)
		}
		if err := copyFile(src, dst); err != nil {
			return "", err
		}
		if err := os.Remove(src); err != nil {
			in.log.Warn().Err(err).Str("src", src).Msg("remove source after copy")
		}
	}
	in.log.Info().Str("src", src).Str("dst", dst).Msg("file moved")
	return dst, nil
}

func sameFile(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

func sameContent(a, b string) (bool, error) {
	fa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if fa.Size() != fb.Size() {
		return false, nil
	}
	ha, err := fileDigest(a)
	if err != nil {
		return false, err
	}
	hb, err := fileDigest(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

func isCrossDevice(err error) bool {
	var le *os.LinkError
	if errors.As(err, &le) {
		return errors.Is(le.Err, syscall.EXDEV)
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return apperr.Filesystem("move", err, "open %s", src)
	}
	defer in.Close()
	tmp := dst + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperr.Filesystem("move", err, "create %s", tmp)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return apperr.Filesystem("move", err, "copy to %s", tmp)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return apperr.Filesystem("move", err, "close %s", tmp)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return apperr.Filesystem("move", err, "rename %s", tmp)
	}
	return nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
