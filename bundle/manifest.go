package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// ManifestNames are looked up at the bundle root in order
var ManifestNames = []string{"app.yaml", "app.yml"}

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Manifest is the bundle's app.yaml
type Manifest struct {
	Runtime string `yaml:"runtime" json:"runtime"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	Start   string `yaml:"start,omitempty" json:"start,omitempty"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
}

type UnsupportedRuntimeError struct {
	Runtime string
}

func (e *UnsupportedRuntimeError) Error() string {
	return "unsupported runtime: " + e.Runtime
}

func LoadManifest(dir string) (*Manifest, error) {
	for _, name := range ManifestNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		return ParseManifest(data)
	}
	return nil, ErrManifestNotFound
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m.Runtime = strings.ToLower(strings.TrimSpace(m.Runtime))
	m.Version = strings.TrimSpace(m.Version)
	m.Start = strings.TrimSpace(m.Start)
	m.Name = strings.TrimSpace(m.Name)
	return &m, nil
}

// Validate checks the runtime against the allow-list and the optional fields
// that end up inside the build recipe.
func (m *Manifest) Validate(supported []string) error {
	if m.Runtime == "" {
		return fmt.Errorf("%w: runtime is required", ErrInvalidManifest)
	}

	allowed := false
	for _, s := range supported {
		if s == m.Runtime {
			allowed = true
			break
		}
	}
	if !allowed {
		return &UnsupportedRuntimeError{Runtime: m.Runtime}
	}

	if m.Version != "" && !versionPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: version %q", ErrInvalidManifest, m.Version)
	}
	if strings.ContainsAny(m.Start, "\n\r") {
		return fmt.Errorf("%w: start must be a single line", ErrInvalidManifest)
	}
	return nil
}
