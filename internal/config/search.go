package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// FileNames are the config file names tried in each search directory.
var FileNames = []string{"watchtower.yaml", "watchtower.yml"}

// Find returns the first config file present in dirs, or "" when none exists.
func Find(dirs ...string) (string, error) {
	for _, dir := range dirs {
		expanded, err := homedir.Expand(dir)
		if err != nil {
			return "", fmt.Errorf("expand %s: %w", dir, err)
		}
		for _, name := range FileNames {
			path := filepath.Join(expanded, name)
			info, err := os.Stat(path)
			switch {
			case err == nil && !info.IsDir():
				return path, nil
			case err != nil && !errors.Is(err, os.ErrNotExist):
				return "", fmt.Errorf("stat %s: %w", path, err)
			}
		}
	}
	return "", nil
}

// DefaultSearchDirs are searched when no --config flag is given.
func DefaultSearchDirs() []string {
	return []string{".", "~/.watchtower", "/etc/watchtower"}
}
