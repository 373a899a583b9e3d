package lifecycle

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	DownloadingDir = "!downloading"
	ProvisionalDir = "!provisional"
	OrphanedDir    = "!orphaned"
)

type State int

const (
	StateAbsent State = iota
	StateDownloading
	StateProvisional
	StateFinal
)

func (s State) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StateProvisional:
		return "provisional"
	case StateFinal:
		return "final"
	default:
		return "absent"
	}
}

// Layout maps a logical file name to its location in each state.
//
//	<root>/<name>                            final
//	<root>/!downloading/<name>               downloading
//	<root>/!downloading/!provisional/<name>  provisional
//	<root>/!orphaned/<name>                  orphaned
type Layout struct {
	Root string
}

func (l Layout) Final(name string) string {
	return filepath.Join(l.Root, filepath.FromSlash(name))
}

func (l Layout) Downloading(name string) string {
	return filepath.Join(l.DownloadingRoot(), filepath.FromSlash(name))
}

func (l Layout) Provisional(name string) string {
	return filepath.Join(l.ProvisionalRoot(), filepath.FromSlash(name))
}

func (l Layout) Orphaned(name string) string {
	return filepath.Join(l.OrphanedRoot(), filepath.FromSlash(name))
}

func (l Layout) DownloadingRoot() string {
	return filepath.Join(l.Root, DownloadingDir)
}

func (l Layout) ProvisionalRoot() string {
	return filepath.Join(l.Root, DownloadingDir, ProvisionalDir)
}

func (l Layout) OrphanedRoot() string {
	return filepath.Join(l.Root, OrphanedDir)
}

// ValidateName rejects names that would escape the root or collide with
// the reserved state directories.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty file name")
	}
	if strings.Contains(name, "\\") || path.IsAbs(name) || filepath.IsAbs(name) {
		return fmt.Errorf("invalid file name %q", name)
	}
	clean := path.Clean(name)
	if clean != name || clean == "." {
		return fmt.Errorf("file name %q is not canonical", name)
	}
	for _, segment := range strings.Split(clean, "/") {
		if segment == ".." || strings.HasPrefix(segment, "!") {
			return fmt.Errorf("invalid file name %q", name)
		}
	}
	return nil
}

// ensureDir creates the parent directory of p. Concurrent workers may race
// on shared parents; MkdirAll treats an existing directory as success.
func ensureDir(p string) error {
	return os.MkdirAll(filepath.Dir(p), 0755)
}

func exists(p string) (os.FileInfo, bool, error) {
	info, err := os.Stat(p)
	if err == nil {
		return info, true, nil
	}
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	return nil, false, err
}
