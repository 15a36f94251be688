package bundle

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	ErrInvalidArchive = errors.New("bundle is not a valid zip archive")
	ErrEmptyArchive   = errors.New("bundle is empty")
	ErrUnsafePath     = errors.New("bundle contains an unsafe path")
)

// ForbiddenEntryError names the bundle entry and the rule it broke
type ForbiddenEntryError struct {
	Entry   string
	Pattern string
}

func (e *ForbiddenEntryError) Error() string {
	return fmt.Sprintf("forbidden file in bundle: %s (matches %s)", e.Entry, e.Pattern)
}

type rule struct {
	pattern string
	match   func(component string) bool
}

func exact(name string) func(string) bool {
	return func(c string) bool { return c == name }
}

func exactOrDotted(name string) func(string) bool {
	return func(c string) bool { return c == name || strings.HasPrefix(c, name+".") }
}

// Path components are matched case-insensitively against these rules.
// Build recipes are supplied by the platform, never by the bundle.
var rules = []rule{
	{"Dockerfile", exactOrDotted("dockerfile")},
	{"Containerfile", exactOrDotted("containerfile")},
	{".dockerignore", exact(".dockerignore")},
	{".env", exactOrDotted(".env")},
	{".ssh", exact(".ssh")},
	{"id_rsa", exactOrDotted("id_rsa")},
	{"id_dsa", exactOrDotted("id_dsa")},
	{"id_ecdsa", exactOrDotted("id_ecdsa")},
	{"id_ed25519", exactOrDotted("id_ed25519")},
	{".git", exact(".git")},
	{".hg", exact(".hg")},
	{".svn", exact(".svn")},
}

// CheckEntry validates a single archive entry name
func CheckEntry(name string) error {
	clean := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(clean, "/") || hasDotDot(clean) {
		return fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}

	for _, component := range strings.Split(clean, "/") {
		if component == "" {
			continue
		}
		lower := strings.ToLower(component)
		for _, r := range rules {
			if r.match(lower) {
				return &ForbiddenEntryError{Entry: name, Pattern: r.pattern}
			}
		}
	}
	return nil
}

func hasDotDot(p string) bool {
	for _, c := range strings.Split(p, "/") {
		if c == ".." {
			return true
		}
	}
	return false
}

// Scan reads the archive's central directory and rejects it on the first
// forbidden or unsafe entry. File contents are never decompressed.
func Scan(r io.ReaderAt, size int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if len(zr.File) == 0 {
		return ErrEmptyArchive
	}

	for _, f := range zr.File {
		if err := CheckEntry(f.Name); err != nil {
			return err
		}
		if !f.Mode().IsRegular() && !f.Mode().IsDir() {
			return fmt.Errorf("%w: %s is not a regular file", ErrUnsafePath, f.Name)
		}
	}
	return nil
}

// stripRoot returns the directory every entry shares when the bundle was
// zipped from its parent folder, or "" when the entries sit at the root.
func stripRoot(files []*zip.File) string {
	var root string
	for _, f := range files {
		name := strings.TrimPrefix(path.Clean(strings.ReplaceAll(f.Name, "\\", "/")), "./")
		first, _, nested := strings.Cut(name, "/")
		if !nested && !f.Mode().IsDir() {
			return ""
		}
		if root == "" {
			root = first
		} else if root != first {
			return ""
		}
	}
	return root
}
