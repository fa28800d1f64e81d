package fetcher

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	lzip "github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"
)

// isPathWithinDirectory reports whether targetPath is contained within
// basePath, guarding against archive entries that try to escape the
// destination directory via "../" path traversal.
func isPathWithinDirectory(targetPath, basePath string) bool {
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return false
	}
	return absTarget == absBase || strings.HasPrefix(absTarget, absBase+string(os.PathSeparator))
}

// validateSymlinkTarget rejects symlinks whose target is absolute or
// resolves outside destPath.
func validateSymlinkTarget(linkTarget, linkLocation, destPath string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("absolute symlink targets are not allowed: %s -> %s", linkLocation, linkTarget)
	}
	resolvedTarget := filepath.Join(filepath.Dir(linkLocation), linkTarget)
	if !isPathWithinDirectory(resolvedTarget, destPath) {
		return fmt.Errorf("symlink target escapes destination directory: %s -> %s (resolves to %s)",
			linkLocation, linkTarget, resolvedTarget)
	}
	return nil
}

// atomicSymlink creates a symlink via a temporary name plus rename, to
// avoid a TOCTOU window between removing a stale entry and linking the new
// one.
func atomicSymlink(target, linkPath string) error {
	tmpLink := linkPath + ".tmp"
	os.Remove(tmpLink)
	if err := os.Symlink(target, tmpLink); err != nil {
		return err
	}
	if err := os.Rename(tmpLink, linkPath); err != nil {
		os.Remove(tmpLink)
		return err
	}
	return nil
}

// IsSupportedArchive reports whether filename's extension is in the
// supported-archive set of §6.
func IsSupportedArchive(filename string) bool {
	return detectArchiveKind(filename) != archiveKindUnknown
}

type archiveKind int

const (
	archiveKindUnknown archiveKind = iota
	archiveKindTar
	archiveKindTarGz
	archiveKindGz
	archiveKindTarBz2
	archiveKindBz2
	archiveKindTarXz
	archiveKindTarZst
	archiveKindZst
	archiveKindTarLz
	archiveKindZip
	archiveKindDeb
)

func detectArchiveKind(filename string) archiveKind {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".deb"):
		return archiveKindDeb
	case strings.HasSuffix(lower, ".tar.gz"):
		return archiveKindTarGz
	case strings.HasSuffix(lower, ".tar.bz2"):
		return archiveKindTarBz2
	case strings.HasSuffix(lower, ".tar.xz"):
		return archiveKindTarXz
	case strings.HasSuffix(lower, ".tar.zst"):
		return archiveKindTarZst
	case strings.HasSuffix(lower, ".tar.lz"):
		return archiveKindTarLz
	case strings.HasSuffix(lower, ".tar"):
		return archiveKindTar
	case strings.HasSuffix(lower, ".zip"):
		return archiveKindZip
	case strings.HasSuffix(lower, ".gz"):
		return archiveKindGz
	case strings.HasSuffix(lower, ".bz2"):
		return archiveKindBz2
	case strings.HasSuffix(lower, ".zst"):
		return archiveKindZst
	default:
		return archiveKindUnknown
	}
}

// extractArchive unpacks archivePath into outDir, creating a sibling
// "<outDir>_tmp" and renaming it atomically into place on success, per
// step 6 of §4.E.
func extractArchive(filename, archivePath, outDir string) error {
	tmpDir := outDir + "_tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return err
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}

	if err := unpackInto(filename, archivePath, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return err
	}

	if err := os.Rename(tmpDir, outDir); err != nil {
		return err
	}
	return nil
}

func unpackInto(filename, archivePath, destDir string) error {
	switch detectArchiveKind(filename) {
	case archiveKindTar:
		return extractTarFile(archivePath, destDir, identityReader)
	case archiveKindTarGz:
		return extractTarFile(archivePath, destDir, gzipReader)
	case archiveKindTarBz2:
		return extractTarFile(archivePath, destDir, bzip2Reader)
	case archiveKindTarXz:
		return extractTarFile(archivePath, destDir, xzReader)
	case archiveKindTarZst:
		return extractTarFile(archivePath, destDir, zstdReader)
	case archiveKindTarLz:
		return extractTarFile(archivePath, destDir, lzipReader)
	case archiveKindGz:
		return extractSingleCompressed(archivePath, destDir, filepath.Base(strings.TrimSuffix(archivePath, ".gz")), gzipReader)
	case archiveKindBz2:
		return extractSingleCompressed(archivePath, destDir, filepath.Base(strings.TrimSuffix(archivePath, ".bz2")), bzip2Reader)
	case archiveKindZst:
		return extractSingleCompressed(archivePath, destDir, filepath.Base(strings.TrimSuffix(archivePath, ".zst")), zstdReader)
	case archiveKindZip:
		return extractZip(archivePath, destDir)
	case archiveKindDeb:
		return extractDeb(archivePath, destDir)
	default:
		return fmt.Errorf("unsupported archive format for %s", filename)
	}
}

type readerOpener func(io.Reader) (io.Reader, func() error, error)

func identityReader(r io.Reader) (io.Reader, func() error, error) { return r, func() error { return nil }, nil }

func gzipReader(r io.Reader) (io.Reader, func() error, error) {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return gzr, gzr.Close, nil
}

func bzip2Reader(r io.Reader) (io.Reader, func() error, error) {
	return bzip2.NewReader(r), func() error { return nil }, nil
}

func xzReader(r io.Reader) (io.Reader, func() error, error) {
	xzr, err := xz.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return xzr, func() error { return nil }, nil
}

func zstdReader(r io.Reader) (io.Reader, func() error, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return zr, func() error { zr.Close(); return nil }, nil
}

func lzipReader(r io.Reader) (io.Reader, func() error, error) {
	lr, err := lzip.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return lr, func() error { return nil }, nil
}

func extractTarFile(archivePath, destDir string, open readerOpener) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, closeFn, err := open(file)
	if err != nil {
		return err
	}
	defer closeFn()

	return extractTarEntries(tar.NewReader(reader), destDir)
}

func extractSingleCompressed(archivePath, destDir, outName string, open readerOpener) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, closeFn, err := open(file)
	if err != nil {
		return err
	}
	defer closeFn()

	target := filepath.Join(destDir, outName)
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, reader)
	return err
}

// extractTarEntries writes every entry of tr into destDir, normalising
// uid/gid/uname/gname to 0/0/root/root (tar extraction is only ever used
// on the materialiser's own output, not third-party archives from this
// function directly). Dangling symlinks do not abort extraction.
func extractTarEntries(tr *tar.Reader, destDir string) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		cleanPath := strings.TrimPrefix(header.Name, "./")
		target := filepath.Join(destDir, cleanPath)
		if !isPathWithinDirectory(target, destDir) {
			return fmt.Errorf("archive entry escapes destination directory: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		case tar.TypeSymlink:
			if err := validateSymlinkTarget(header.Linkname, target, destDir); err != nil {
				// A dangling or unsafe symlink must not abort extraction.
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := atomicSymlink(header.Linkname, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		cleanPath := strings.TrimPrefix(f.Name, "./")
		target := filepath.Join(destDir, cleanPath)
		if !isPathWithinDirectory(target, destDir) {
			return fmt.Errorf("zip entry escapes destination directory: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		out.Close()
		rc.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

// extractDeb unpacks a .deb (an ar archive containing debian-binary,
// control.tar.*, data.tar.*) into control/ and data/ subdirectories.
func extractDeb(archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	magic := make([]byte, 8)
	if _, err := io.ReadFull(reader, magic); err != nil {
		return err
	}
	if string(magic) != "!<arch>\n" {
		return fmt.Errorf("not an ar archive")
	}

	for {
		header := make([]byte, 60)
		n, err := io.ReadFull(reader, header)
		if err == io.EOF || n == 0 {
			break
		}
		if err != nil {
			return err
		}

		name := strings.TrimSpace(string(header[0:16]))
		sizeStr := strings.TrimSpace(string(header[48:58]))
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ar member size: %w", err)
		}

		name = strings.TrimSuffix(name, "/")
		member := io.LimitReader(reader, size)

		var memberErr error
		switch {
		case strings.HasPrefix(name, "control.tar"):
			memberErr = extractMemberTar(name, member, filepath.Join(destDir, "control"))
		case strings.HasPrefix(name, "data.tar"):
			memberErr = extractMemberTar(name, member, filepath.Join(destDir, "data"))
		default:
			_, memberErr = io.Copy(io.Discard, member)
		}

		// The compressed-stream readers above may stop short of the member's
		// declared size (e.g. trailing gzip bytes); drain whatever is left so
		// the next header starts at the right offset regardless.
		if _, err := io.Copy(io.Discard, member); err != nil {
			return err
		}
		if memberErr != nil {
			return memberErr
		}

		if size%2 == 1 {
			reader.Discard(1)
		}
	}
	return nil
}

func extractMemberTar(name string, r io.Reader, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	var open readerOpener
	switch {
	case strings.HasSuffix(name, ".gz"):
		open = gzipReader
	case strings.HasSuffix(name, ".xz"):
		open = xzReader
	case strings.HasSuffix(name, ".zst"):
		open = zstdReader
	case strings.HasSuffix(name, ".bz2"):
		open = bzip2Reader
	case strings.HasSuffix(name, ".lz"):
		open = lzipReader
	default:
		open = identityReader
	}
	reader, closeFn, err := open(r)
	if err != nil {
		return err
	}
	defer closeFn()
	return extractTarEntries(tar.NewReader(reader), destDir)
}
