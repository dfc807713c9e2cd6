package ort

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	maxExtractedFileBytes  int64 = 1 << 30
	maxExtractedTotalBytes int64 = 4 << 30
)

type entryKind int

const (
	entryOther entryKind = iota
	entryDir
	entryFile
	entryLink
)

// archiveEntry is one member of a tar or zip archive. open is only valid
// inside the visit callback that received the entry.
type archiveEntry struct {
	name string
	kind entryKind
	mode os.FileMode
	size int64
	open func() (io.ReadCloser, error)
}

// extractor writes regular files below dest. Links are never materialized;
// those matching libraryPattern are counted so a missing library can be
// explained.
type extractor struct {
	dest           string
	libraryPattern string

	written      int64
	files        int
	links        int
	libraryLinks int
}

// extractArchive unpacks a "tgz" or "zip" archive into dest.
func extractArchive(archivePath, dest, format, libraryPattern string) (*extractor, error) {
	x := &extractor{dest: dest, libraryPattern: libraryPattern}
	var err error
	switch format {
	case "tgz":
		err = walkTarGz(archivePath, x.visit)
	case "zip":
		err = walkZip(archivePath, x.visit)
	default:
		return x, fmt.Errorf("unsupported archive format %q", format)
	}
	if err != nil {
		return x, err
	}
	if x.files == 0 {
		return x, fmt.Errorf("archive %q did not contain regular files", archivePath)
	}
	return x, nil
}

func (x *extractor) visit(e archiveEntry) error {
	target, err := safeJoin(x.dest, e.name)
	if err != nil {
		return err
	}
	switch e.kind {
	case entryDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", target, err)
		}
	case entryLink:
		x.links++
		if x.libraryPattern != "" {
			if ok, _ := path.Match(x.libraryPattern, path.Base(filepath.ToSlash(e.name))); ok {
				x.libraryLinks++
			}
		}
	case entryFile:
		if e.size < 0 || e.size > maxExtractedFileBytes {
			return fmt.Errorf("archive entry %q size %d exceeds maximum extracted size of %d bytes", e.name, e.size, maxExtractedFileBytes)
		}
		if x.written+e.size > maxExtractedTotalBytes {
			return fmt.Errorf("archive extraction exceeds maximum total size of %d bytes at %q", maxExtractedTotalBytes, e.name)
		}
		src, err := e.open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry %q: %w", e.name, err)
		}
		err = writeFileExactly(target, e.mode, src, e.size)
		if closeErr := src.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close archive entry %q: %w", e.name, closeErr)
		}
		if err != nil {
			return err
		}
		x.written += e.size
		x.files++
	}
	return nil
}

func walkTarGz(archivePath string, visit func(archiveEntry) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %q: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip archive %q: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry from %q: %w", archivePath, err)
		}
		e := archiveEntry{
			name: hdr.Name,
			mode: hdr.FileInfo().Mode().Perm(),
			size: hdr.Size,
			open: func() (io.ReadCloser, error) { return io.NopCloser(tr), nil },
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			e.kind = entryDir
		case tar.TypeReg:
			e.kind = entryFile
		case tar.TypeSymlink, tar.TypeLink:
			e.kind = entryLink
		}
		if err := visit(e); err != nil {
			return err
		}
	}
}

func walkZip(archivePath string, visit func(archiveEntry) error) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open ZIP archive %q: %w", archivePath, err)
	}
	defer r.Close()

	for _, zf := range r.File {
		mode := zf.Mode()
		if zf.UncompressedSize64 > uint64(maxExtractedFileBytes) {
			return fmt.Errorf("archive entry %q exceeds maximum extracted size of %d bytes", zf.Name, maxExtractedFileBytes)
		}
		e := archiveEntry{
			name: zf.Name,
			mode: mode.Perm(),
			size: int64(zf.UncompressedSize64),
			open: zf.Open,
		}
		switch {
		case mode.IsDir():
			e.kind = entryDir
		case mode&os.ModeSymlink != 0:
			e.kind = entryLink
		case mode.IsRegular():
			e.kind = entryFile
		}
		if err := visit(e); err != nil {
			return err
		}
	}
	return nil
}

// writeFileExactly creates target and copies exactly size bytes into it.
func writeFileExactly(target string, mode os.FileMode, src io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %q: %w", target, err)
	}
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("failed to create extracted file %q: %w", target, err)
	}
	n, err := io.CopyN(out, src, size)
	closeErr := out.Close()
	switch {
	case err != nil && !errors.Is(err, io.EOF):
		return fmt.Errorf("failed to extract %q: %w", target, err)
	case n != size:
		return fmt.Errorf("archive entry %q size mismatch: header says %d bytes, got %d", target, size, n)
	case closeErr != nil:
		return fmt.Errorf("failed to close extracted file %q: %w", target, closeErr)
	}
	return nil
}

// safeJoin places an archive member below base. Absolute names, drive
// letters and parent traversal are rejected.
func safeJoin(base, name string) (string, error) {
	slashed := strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	switch {
	case slashed == "":
		return "", fmt.Errorf("invalid empty archive entry path")
	case strings.HasPrefix(slashed, "/"):
		return "", fmt.Errorf("invalid absolute archive entry path %q", name)
	case hasDriveLetter(slashed):
		return "", fmt.Errorf("invalid archive entry path with drive letter %q", name)
	}

	cleaned := path.Clean(slashed)
	if cleaned == "." {
		return "", fmt.Errorf("invalid archive entry path %q", name)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("unsafe archive entry path %q", name)
	}

	target := filepath.Join(base, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("unsafe archive entry path %q", name)
	}
	return target, nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0] | 0x20
	return c >= 'a' && c <= 'z'
}
