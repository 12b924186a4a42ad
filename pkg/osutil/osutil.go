package osutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ResolveExecutable returns the absolute, symlink-free path of an existing file,
// or the result of searching PATH for the given name.
func ResolveExecutable(path string) (string, error) {
	if path == "" {
		return "", errors.New("executable path is empty")
	}

	if realPath, err := filepath.EvalSymlinks(path); err == nil {
		if info, statErr := os.Stat(realPath); statErr == nil && !info.IsDir() {
			return filepath.Abs(realPath)
		}
	}

	found, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("could not resolve executable '%s': %w", path, err)
	}
	return found, nil
}
