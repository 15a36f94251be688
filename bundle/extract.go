package bundle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

var ErrTooLarge = errors.New("bundle exceeds the extracted size limit")

// Extract unpacks the archive at src into dest, which must not exist or be
// empty. Every entry is re-checked; links and paths escaping dest are
// rejected. A bundle zipped from its parent folder is flattened so the
// manifest ends up at dest's root. maxBytes caps the total uncompressed size.
func Extract(src, dest string, maxBytes int64) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	root := stripRoot(zr.File)
	var written int64

	for _, f := range zr.File {
		if err := CheckEntry(f.Name); err != nil {
			return err
		}

		name := filepath.ToSlash(filepath.Clean(strings.ReplaceAll(f.Name, "\\", "/")))
		if root != "" {
			name = strings.TrimPrefix(strings.TrimPrefix(name, root), "/")
			if name == "" {
				continue
			}
		}

		target := filepath.Join(dest, filepath.FromSlash(name))
		if !within(dest, target) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, f.Name)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case mode.IsRegular():
			n, err := extractFile(f, target, maxBytes-written)
			if err != nil {
				return err
			}
			written += n
		default:
			return fmt.Errorf("%w: %s is not a regular file", ErrUnsafePath, f.Name)
		}
	}

	return nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if budget <= 0 {
		return 0, ErrTooLarge
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if n > budget {
		return n, ErrTooLarge
	}
	return n, nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
