// Package worktree manages the on-disk working tree that transforms are
// applied to: locating the root, locking it against concurrent writers,
// and answering questions about what currently sits at each path.
package worktree

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"twig/internal/tree"
)

// ControlDirName is the metadata directory marking a worktree root.
const ControlDirName = ".twig"

var ErrNotFound = errors.New("worktree root not found")

var ignoredDirs = map[string]bool{
	ControlDirName: true,
	".git":         true,
	"node_modules": true,
	".idea":        true,
	".vscode":      true,
}

// WorkTree is a directory tree rooted at a directory containing a .twig
// control dir. All tree paths are slash-separated and relative to Root.
type WorkTree struct {
	Root   string
	Logger *zap.Logger

	lock *flock.Flock
}

// FindRoot searches for the worktree root by looking for the control dir,
// walking up from startDir.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ControlDirName)); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", ErrNotFound
}

// Init creates the control dir under root and returns the new worktree.
func Init(root string, logger *zap.Logger) (*WorkTree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	controlDir := filepath.Join(abs, ControlDirName)
	if _, err := os.Stat(controlDir); err == nil {
		return nil, fmt.Errorf("worktree already initialized at %s", abs)
	}
	if err := os.MkdirAll(controlDir, 0755); err != nil {
		return nil, fmt.Errorf("creating control dir: %w", err)
	}

	logger.Info("Initialized worktree", zap.String("root", abs))
	return &WorkTree{Root: abs, Logger: logger}, nil
}

// Open locates the worktree containing startDir.
func Open(startDir string, logger *zap.Logger) (*WorkTree, error) {
	root, err := FindRoot(startDir)
	if err != nil {
		return nil, err
	}
	return &WorkTree{Root: root, Logger: logger}, nil
}

func (w *WorkTree) ControlDir() string { return filepath.Join(w.Root, ControlDirName) }

// LimboDir is the scratch directory new content is staged in before an
// apply renames it into place.
func (w *WorkTree) LimboDir() string { return filepath.Join(w.ControlDir(), "limbo") }

// PendingDeletionDir holds content moved aside during an apply so it can
// be restored on rollback.
func (w *WorkTree) PendingDeletionDir() string {
	return filepath.Join(w.ControlDir(), "pending-deletion")
}

func (w *WorkTree) ConfigPath() string { return filepath.Join(w.ControlDir(), "config.yaml") }
func (w *WorkTree) DBPath() string     { return filepath.Join(w.ControlDir(), "db") }
func (w *WorkTree) ContentDir() string { return filepath.Join(w.ControlDir(), "content") }
func (w *WorkTree) LockPath() string   { return filepath.Join(w.ControlDir(), "lock") }

// Lock takes the worktree's exclusive flock, retrying briefly so short
// holders (a status call racing a snapshot) don't fail the caller.
func (w *WorkTree) Lock() error {
	if w.lock != nil {
		return errors.New("worktree already locked by this process")
	}
	lock := flock.New(w.LockPath())

	err := retry.Do(
		func() error {
			locked, err := lock.TryLock()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !locked {
				return errors.New("worktree is locked by another process")
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}

	w.lock = lock
	return nil
}

// Unlock releases the flock taken by Lock.
func (w *WorkTree) Unlock() error {
	if w.lock == nil {
		return nil
	}
	err := w.lock.Unlock()
	w.lock = nil
	return err
}

// Abs converts a tree-relative path to an absolute filesystem path. The
// empty path is the root itself.
func (w *WorkTree) Abs(treePath string) string {
	if treePath == "" {
		return w.Root
	}
	return filepath.Join(w.Root, filepath.FromSlash(treePath))
}

// Kind reports what currently sits at treePath, without following
// symlinks. A missing path is KindAbsent.
func (w *WorkTree) Kind(treePath string) tree.Kind {
	info, err := os.Lstat(w.Abs(treePath))
	if err != nil {
		return tree.KindAbsent
	}
	return KindOf(info.Mode())
}

// KindOf maps a file mode to a tree kind.
func KindOf(mode os.FileMode) tree.Kind {
	switch {
	case mode&os.ModeSymlink != 0:
		return tree.KindSymlink
	case mode.IsDir():
		return tree.KindDir
	case mode.IsRegular():
		return tree.KindFile
	default:
		return tree.KindAbsent
	}
}

func (w *WorkTree) ReadFile(treePath string) ([]byte, error) {
	return os.ReadFile(w.Abs(treePath))
}

func (w *WorkTree) SymlinkTarget(treePath string) (string, error) {
	return os.Readlink(w.Abs(treePath))
}

func (w *WorkTree) IsExecutable(treePath string) bool {
	info, err := os.Lstat(w.Abs(treePath))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode()&0100 != 0
}

// Walk visits every file, directory and symlink under the root except the
// control dir and other ignored directories, in lexical order. Paths
// passed to fn are tree-relative.
func (w *WorkTree) Walk(fn func(treePath string, info os.FileInfo) error) error {
	return filepath.Walk(w.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == w.Root {
			return nil
		}

		rel, err := filepath.Rel(w.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() && ignoredDirs[info.Name()] {
			return filepath.SkipDir
		}
		if shouldIgnoreFile(info.Name()) {
			return nil
		}

		return fn(rel, info)
	})
}

func shouldIgnoreFile(name string) bool {
	return strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, "~")
}

// EnsureEmptyDir creates path, tolerating an existing empty directory.
// An existing non-empty directory is an error: it means a previous
// operation left state behind.
func EnsureEmptyDir(path string) error {
	err := os.Mkdir(path, 0755)
	if err == nil {
		return nil
	}
	if !os.IsExist(err) {
		return err
	}
	entries, readErr := os.ReadDir(path)
	if readErr != nil {
		return readErr
	}
	if len(entries) > 0 {
		return fmt.Errorf("directory %s exists and is not empty", path)
	}
	return nil
}

// Umask reports the process umask. There is no read-only query for it,
// so it is set and immediately restored.
func Umask() os.FileMode {
	old := syscall.Umask(0)
	syscall.Umask(old)
	return os.FileMode(old)
}

// IsNoEnt reports whether err means a path component was missing.
func IsNoEnt(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOENT)
}
