package lifecycle

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/errors"
	"github.com/wing32s/gogrepoc/internal/verify"
)

// Expected is what the manifest says a file should look like.
type Expected struct {
	Size int64
	MD5  string
}

type RecoveryReport struct {
	Promoted  []string
	Demoted   []string
	Orphaned  []string
	Conflicts []string
}

// Recover re-validates provisional files left by an interrupted run. A file
// matching the manifest is promoted, a mismatching one goes back to the
// downloading state for re-verification, and one the manifest no longer
// lists is orphaned. Files that also have a final copy are left untouched.
func (m *Manager) Recover(expected map[string]Expected) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	root := m.layout.ProvisionalRoot()
	names, err := listFiles(root)
	if err != nil {
		return nil, errors.NewIOError(err, root)
	}
	for _, name := range names {
		prov := m.layout.Provisional(name)
		exp, known := expected[name]
		if !known {
			moved, err := m.orphan(prov, name)
			if err != nil {
				return report, err
			}
			log.Warn().Str("op", "lifecycle/recover").Msgf("unreferenced provisional %s moved to %s", name, moved)
			report.Orphaned = append(report.Orphaned, name)
			continue
		}
		if _, fok, err := exists(m.layout.Final(name)); err != nil {
			return report, errors.NewIOError(err, name)
		} else if fok {
			log.Error().Str("op", "lifecycle/recover").Msgf("%s has both a provisional and a final copy, resolve manually", name)
			report.Conflicts = append(report.Conflicts, name)
			continue
		}
		ok, err := matches(prov, exp)
		if err != nil {
			return report, errors.NewIOError(err, prov)
		}
		if ok {
			if err := m.Finalize(name); err != nil {
				return report, err
			}
			log.Info().Str("op", "lifecycle/recover").Msgf("promoted leftover provisional %s", name)
			report.Promoted = append(report.Promoted, name)
			continue
		}
		if _, dok, err := exists(m.layout.Downloading(name)); err != nil {
			return report, errors.NewIOError(err, name)
		} else if dok {
			moved, err := m.orphan(prov, name)
			if err != nil {
				return report, err
			}
			log.Warn().Str("op", "lifecycle/recover").Msgf("provisional %s does not match and downloading is occupied, moved to %s", name, moved)
			report.Orphaned = append(report.Orphaned, name)
			continue
		}
		if err := ensureDir(m.layout.Downloading(name)); err != nil {
			return report, errors.NewIOError(err, name)
		}
		if err := os.Rename(prov, m.layout.Downloading(name)); err != nil {
			return report, errors.NewIOError(err, name)
		}
		log.Warn().Str("op", "lifecycle/recover").Msgf("provisional %s does not match the manifest, demoted for re-verification", name)
		report.Demoted = append(report.Demoted, name)
	}
	if err := pruneTree(root); err != nil {
		return report, errors.NewIOError(err, root)
	}
	return report, nil
}

func matches(p string, exp Expected) (bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		return false, err
	}
	if info.Size() != exp.Size {
		return false, nil
	}
	if exp.MD5 == "" {
		return true, nil
	}
	sum, err := verify.FileMD5(p)
	if err != nil {
		return false, err
	}
	return sum == strings.ToLower(exp.MD5), nil
}

// Collect moves every file under the root that keep does not reference into
// the orphan root and prunes empty leftover directories. Nothing is deleted.
func (m *Manager) Collect(keep []string) ([]string, error) {
	wanted := make(map[string]bool, len(keep))
	for _, name := range keep {
		wanted[name] = true
	}
	type candidate struct{ path, name string }
	var stray []candidate

	areas := []string{m.layout.ProvisionalRoot(), m.layout.DownloadingRoot(), m.layout.Root}
	skip := map[string]bool{
		m.layout.OrphanedRoot():    true,
		m.layout.DownloadingRoot(): true,
		m.layout.ProvisionalRoot(): true,
	}
	for _, area := range areas {
		names, err := listFilesSkipping(area, skip)
		if err != nil {
			return nil, errors.NewIOError(err, area)
		}
		for _, name := range names {
			if !wanted[name] {
				stray = append(stray, candidate{path: filepath.Join(area, filepath.FromSlash(name)), name: name})
			}
		}
	}

	var orphaned []string
	for _, c := range stray {
		moved, err := m.orphan(c.path, c.name)
		if err != nil {
			return orphaned, err
		}
		log.Info().Str("op", "lifecycle/collect").Msgf("orphaned %s to %s", c.path, moved)
		orphaned = append(orphaned, c.name)
	}
	for _, root := range []string{m.layout.ProvisionalRoot(), m.layout.DownloadingRoot()} {
		if err := pruneTree(root); err != nil {
			return orphaned, errors.NewIOError(err, root)
		}
	}
	return orphaned, nil
}

func listFiles(root string) ([]string, error) {
	return listFilesSkipping(root, nil)
}

// listFilesSkipping returns the slash-separated names of regular files under
// root, not descending into the directories in skip.
func listFilesSkipping(root string, skip map[string]bool) ([]string, error) {
	var names []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if p != root && skip[p] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
