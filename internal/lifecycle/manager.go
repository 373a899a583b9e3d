package lifecycle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/errors"
)

// Manager moves files through the durability states. Every transition is a
// rename inside the root, so a file is never visible under its final name
// before it has been fully confirmed.
type Manager struct {
	layout Layout
	now    func() time.Time
}

func NewManager(root string) *Manager {
	return &Manager{layout: Layout{Root: root}, now: time.Now}
}

func (m *Manager) Layout() Layout {
	return m.layout
}

// Begun describes the downloading file a worker resumes from.
type Begun struct {
	Path             string
	LocalSize        int64 // bytes present before preallocation
	ResumedFromFinal bool
}

// Locate reports which state currently holds bytes for name and how many.
func (m *Manager) Locate(name string) (State, int64, error) {
	prov, pok, err := exists(m.layout.Provisional(name))
	if err != nil {
		return StateAbsent, 0, errors.NewIOError(err, name)
	}
	final, fok, err := exists(m.layout.Final(name))
	if err != nil {
		return StateAbsent, 0, errors.NewIOError(err, name)
	}
	if pok && fok {
		return StateAbsent, 0, errors.NewConflict(name)
	}
	if pok {
		return StateProvisional, prov.Size(), nil
	}
	dl, dok, err := exists(m.layout.Downloading(name))
	if err != nil {
		return StateAbsent, 0, errors.NewIOError(err, name)
	}
	if dok {
		return StateDownloading, dl.Size(), nil
	}
	if fok {
		if final.IsDir() {
			return StateAbsent, 0, errors.NewIOError(fmt.Errorf("%s is a directory", m.layout.Final(name)), name)
		}
		return StateFinal, final.Size(), nil
	}
	return StateAbsent, 0, nil
}

// Begin moves name into the downloading state. Leftover provisional bytes
// are relocated rather than discarded so their content can be re-verified
// instead of fetched again. A stale final copy is relocated the same way only
// when no downloading bytes exist; otherwise the partial download is resumed
// and the final copy moves to the orphan root.
func (m *Manager) Begin(name string) (*Begun, error) {
	dlPath := m.layout.Downloading(name)
	_, pok, err := exists(m.layout.Provisional(name))
	if err != nil {
		return nil, errors.NewIOError(err, name)
	}
	final, fok, err := exists(m.layout.Final(name))
	if err != nil {
		return nil, errors.NewIOError(err, name)
	}
	if pok && fok {
		log.Error().Str("op", "lifecycle/begin").Msgf("%s has both a provisional and a final copy, resolve manually", name)
		return nil, errors.NewConflict(name)
	}
	if fok && final.IsDir() {
		return nil, errors.NewIOError(fmt.Errorf("%s is a directory", m.layout.Final(name)), name)
	}
	if err := ensureDir(dlPath); err != nil {
		return nil, errors.NewIOError(err, dlPath)
	}
	dl, dok, err := exists(dlPath)
	if err != nil {
		return nil, errors.NewIOError(err, dlPath)
	}
	if dok && dl.Size() == 0 {
		if err := os.Remove(dlPath); err != nil {
			return nil, errors.NewIOError(err, dlPath)
		}
		dok = false
	}

	begun := &Begun{Path: dlPath}
	switch {
	case pok:
		if dok {
			moved, err := m.orphan(dlPath, name)
			if err != nil {
				return nil, err
			}
			log.Warn().Str("op", "lifecycle/begin").Msgf("stale downloading copy of %s moved to %s", name, moved)
		}
		if err := os.Rename(m.layout.Provisional(name), dlPath); err != nil {
			return nil, errors.NewIOError(err, name)
		}
		log.Debug().Str("op", "lifecycle/begin").Msgf("relocated provisional %s into downloading for re-verification", name)
	case fok && dok:
		moved, err := m.orphan(m.layout.Final(name), name)
		if err != nil {
			return nil, err
		}
		log.Warn().Str("op", "lifecycle/begin").Msgf("resuming partial download of %s, stale final copy moved to %s", name, moved)
	case fok:
		if err := os.Rename(m.layout.Final(name), dlPath); err != nil {
			return nil, errors.NewIOError(err, name)
		}
		begun.ResumedFromFinal = true
		log.Debug().Str("op", "lifecycle/begin").Msgf("relocated final %s into downloading for re-verification", name)
	}

	info, ok, err := exists(dlPath)
	if err != nil {
		return nil, errors.NewIOError(err, dlPath)
	}
	if ok {
		begun.LocalSize = info.Size()
	}
	return begun, nil
}

// Provisional promotes a fully confirmed downloading file.
func (m *Manager) Provisional(name string) error {
	prov := m.layout.Provisional(name)
	if err := ensureDir(prov); err != nil {
		return errors.NewIOError(err, prov)
	}
	if err := os.Rename(m.layout.Downloading(name), prov); err != nil {
		return errors.NewIOError(err, name)
	}
	m.prune(filepath.Dir(m.layout.Downloading(name)), m.layout.DownloadingRoot())
	return nil
}

// Finalize moves a provisional file to its final name. An existing final
// copy is never overwritten.
func (m *Manager) Finalize(name string) error {
	final := m.layout.Final(name)
	if _, fok, err := exists(final); err != nil {
		return errors.NewIOError(err, name)
	} else if fok {
		log.Error().Str("op", "lifecycle/finalize").Msgf("%s already has a final copy, provisional copy kept", name)
		return errors.NewConflict(name)
	}
	if err := ensureDir(final); err != nil {
		return errors.NewIOError(err, final)
	}
	if err := os.Rename(m.layout.Provisional(name), final); err != nil {
		return errors.NewIOError(err, name)
	}
	m.prune(filepath.Dir(m.layout.Provisional(name)), m.layout.ProvisionalRoot())
	return nil
}

// orphan moves src under the orphan root, suffixing a timestamp when a
// previous orphan already holds the name.
func (m *Manager) orphan(src, name string) (string, error) {
	dst := m.layout.Orphaned(name)
	if _, ok, err := exists(dst); err != nil {
		return "", errors.NewIOError(err, dst)
	} else if ok {
		stamp := m.now().Format("20060102-150405")
		dst = fmt.Sprintf("%s.%s", m.layout.Orphaned(name), stamp)
		for i := 1; ; i++ {
			if _, ok, _ := exists(dst); !ok {
				break
			}
			dst = fmt.Sprintf("%s.%s-%d", m.layout.Orphaned(name), stamp, i)
		}
	}
	if err := ensureDir(dst); err != nil {
		return "", errors.NewIOError(err, dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", errors.NewIOError(err, src)
	}
	return dst, nil
}

// prune removes empty directories from dir upwards, stopping at stop.
func (m *Manager) prune(dir, stop string) {
	for dir != stop && len(dir) > len(stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// pruneTree removes every empty directory below root, leaving root itself.
func pruneTree(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		// non-empty directories fail to remove and are kept
		_ = os.Remove(dirs[i])
	}
	return nil
}
