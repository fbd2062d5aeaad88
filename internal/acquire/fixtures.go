package acquire

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// FixtureName is the document looked up for each source.
const FixtureName = "sample.html"

//go:embed fixtures
var bundledFixtures embed.FS

// Fixtures resolves offline sample documents, preferring an on-disk override directory
// over the documents compiled into the binary.
type Fixtures struct {
	dir     string
	bundled fs.FS
}

// NewFixtures returns a resolver. dir may be empty.
func NewFixtures(dir string) *Fixtures {
	sub, err := fs.Sub(bundledFixtures, "fixtures")
	if err != nil {
		sub = bundledFixtures
	}
	return &Fixtures{dir: dir, bundled: sub}
}

// Lookup returns the fixture for source or osint.ErrNoFixture.
func (f *Fixtures) Lookup(source string) ([]byte, error) {
	if f.dir != "" {
		data, err := os.ReadFile(filepath.Join(f.dir, source, FixtureName))
		switch {
		case err == nil:
			return data, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read fixture for %s: %w", source, err)
		}
	}
	data, err := fs.ReadFile(f.bundled, path.Join(source, FixtureName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", osint.ErrNoFixture, source)
		}
		return nil, fmt.Errorf("read bundled fixture for %s: %w", source, err)
	}
	return data, nil
}
