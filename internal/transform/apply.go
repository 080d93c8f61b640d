package transform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"twig/internal/worktree"
)

// ApplyOptions tunes Apply. The zero value is the safe default.
type ApplyOptions struct {
	// SkipConflictCheck applies without re-running conflict detection.
	// Only for callers that just resolved conflicts themselves.
	SkipConflictCheck bool
}

// Result reports what an apply did to the worktree.
type Result struct {
	// ModifiedPaths lists the tree-relative paths whose contents were
	// created by this transform.
	ModifiedPaths []string
	// RenameCount is the number of renames performed against the
	// worktree, not counting staging-internal ones.
	RenameCount int
}

// Apply performs the staged changes on the worktree: first every
// removal and move-away, deepest paths first, then every insertion,
// shallowest first. If anything fails the journaled renames are
// reversed, leaving the worktree as it was. On success the scratch
// directories are cleaned up and the transform cannot be used again.
func (t *Transform) Apply(opts *ApplyOptions) (result *Result, err error) {
	if t.done {
		return nil, ErrReusingTransform
	}
	if opts == nil || !opts.SkipConflictCheck {
		conflicts, err := t.FindConflicts()
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			return nil, &MalformedTransformError{Conflicts: conflicts}
		}
	}

	t.renameCount = 0
	mover := newFileMover(t.moverRename)
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := mover.Rollback(); rbErr != nil {
			err = fmt.Errorf("rolling back failed apply: %v (apply error: %w)", rbErr, err)
		}
	}()

	if err := t.applyRemovals(mover); err != nil {
		return nil, err
	}
	modified, err := t.applyInsertions(mover)
	if err != nil {
		return nil, err
	}
	committed = true
	if err := mover.ApplyDeletions(); err != nil {
		return nil, err
	}

	t.done = true
	if err := t.Finalize(); err != nil {
		return nil, err
	}
	t.logger.Info("transform applied",
		zap.Int("renames", t.renameCount),
		zap.Int("modified", len(modified)))
	return &Result{ModifiedPaths: modified, RenameCount: t.renameCount}, nil
}

// applyRemovals moves deleted content into the pending-deletion area
// and path-changed content into limbo, deepest paths first so children
// leave before their parents.
func (t *Transform) applyRemovals(mover *fileMover) error {
	type boundPath struct {
		path string
		id   TransID
	}
	treePaths := make([]boundPath, 0, len(t.treePathIDs))
	for p, id := range t.treePathIDs {
		treePaths = append(treePaths, boundPath{path: p, id: id})
	}
	sort.Slice(treePaths, func(i, j int) bool { return treePaths[i].path > treePaths[j].path })

	for _, bp := range treePaths {
		if bp.path == "" {
			// The root is never moved out of itself.
			continue
		}
		fullPath := t.wt.Abs(bp.path)
		e := &t.entries[bp.id.idx]
		if e.removedContent {
			deletePath := filepath.Join(t.pendingDeletionDir, bp.id.String())
			if err := mover.PreDelete(fullPath, deletePath); err != nil {
				return err
			}
		} else if e.hasName || e.hasParent {
			err := mover.Rename(fullPath, t.limboName(bp.id))
			if err != nil {
				// The bound path may never have existed on disk.
				var rf *RenameFailedError
				if errors.As(err, &rf) && worktree.IsNoEnt(rf.Err) {
					continue
				}
				return err
			}
			t.renameCount++
		}
	}
	return nil
}

// applyInsertions renames staged content from limbo to its final path,
// shallowest first so parents land before their children, and then
// fixes up executability.
func (t *Transform) applyInsertions(mover *fileMover) ([]string, error) {
	newPaths, err := t.newPaths(true)
	if err != nil {
		return nil, err
	}
	var modified []string
	for _, pe := range newPaths {
		fullPath := t.wt.Abs(pe.Path)
		e := &t.entries[pe.ID.idx]
		if e.needsRename {
			err := mover.Rename(t.limboName(pe.ID), fullPath)
			if err != nil {
				// Cancelled creations leave a stale rename behind.
				var rf *RenameFailedError
				if errors.As(err, &rf) && worktree.IsNoEnt(rf.Err) {
					err = nil
				} else {
					return nil, err
				}
			} else {
				t.renameCount++
			}
		}
		if e.hasContent {
			modified = append(modified, pe.Path)
		}
		if e.hasExec {
			if err := t.setExecutability(pe.Path, pe.ID); err != nil {
				return nil, err
			}
		}
	}
	return modified, nil
}

// setExecutability adjusts the mode bits of the applied file. Turning
// execute on honors the umask and only grants it to group and other
// where they can already read.
func (t *Transform) setExecutability(treePath string, id TransID) error {
	abspath := t.wt.Abs(treePath)
	info, err := os.Stat(abspath)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if t.entries[id.idx].exec {
		umask := worktree.Umask()
		mode |= 0o100 &^ umask
		if mode&0o004 != 0 {
			mode |= 0o001 &^ umask
		}
		if mode&0o040 != 0 {
			mode |= 0o010 &^ umask
		}
	} else {
		mode &^= 0o111
	}
	return os.Chmod(abspath, mode)
}

// Finalize deletes the scratch directories. It is required when a
// transform is abandoned without Apply, and harmless after one.
func (t *Transform) Finalize() error {
	if t.finalized {
		return nil
	}
	var limboPaths []string
	for i := range t.entries {
		if t.entries[i].hasLimbo {
			limboPaths = append(limboPaths, t.entries[i].limboPath)
		}
	}
	limboPaths = append(limboPaths, t.possiblyStale...)
	sort.Sort(sort.Reverse(sort.StringSlice(limboPaths)))
	for _, p := range limboPaths {
		if err := deleteAny(p); err != nil && !worktree.IsNoEnt(err) {
			return fmt.Errorf("cleaning up staged content: %w", err)
		}
	}
	if err := deleteAny(t.limboDir); err != nil && !worktree.IsNoEnt(err) {
		return &ImmortalLimboError{Dir: t.limboDir}
	}
	if err := deleteAny(t.pendingDeletionDir); err != nil && !worktree.IsNoEnt(err) {
		return &ImmortalPendingDeletionError{Dir: t.pendingDeletionDir}
	}
	t.finalized = true
	return nil
}
