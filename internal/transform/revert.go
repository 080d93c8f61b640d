package transform

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"twig/internal/tree"
	"twig/internal/worktree"
)

// revertChange pairs the two locations a file identity occupies in the
// target tree and in the tree the working tree currently tracks.
type revertChange struct {
	fileID     string
	targetPath string
	basePath   string
	hasTarget  bool
	hasBase    bool
}

func (c *revertChange) sortPath() string {
	if c.hasTarget {
		return c.targetPath
	}
	return c.basePath
}

// RevertOptions tunes Revert.
type RevertOptions struct {
	// Paths restricts the revert to entries under these tree paths.
	// Empty means the whole tree.
	Paths []string
	// Backups renames a locally modified file to name.~N~ before its
	// recorded content is restored.
	Backups bool
	// OrphanPolicy decides the fate of unversioned files inside
	// directories the revert deletes. Nil refuses to orphan.
	OrphanPolicy OrphanPolicy
}

// Revert stages and applies the changes that take the working tree back
// to the shape of target. base is the tree the working tree last
// matched; it supplies the current location and recorded content of
// every tracked file, and a file whose disk content differs from it
// counts as locally modified. A modified file the target deletes is
// always left behind unversioned. The returned conflicts describe
// everything that could not be reverted cleanly.
func Revert(wt *worktree.WorkTree, base, target tree.Tree, logger *zap.Logger, opts *RevertOptions) ([]CookedConflict, error) {
	if opts == nil {
		opts = &RevertOptions{}
	}
	if base == nil {
		base = tree.NewMemoryTree()
	}
	t, err := New(wt, base, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = t.Finalize() }()
	if opts.OrphanPolicy != nil {
		t.SetOrphanPolicy(opts.OrphanPolicy)
	}

	targetByPath := entriesByPath(target)
	baseByPath := entriesByPath(base)
	filters := make([]string, 0, len(opts.Paths))
	for _, p := range opts.Paths {
		filters = append(filters, canonicalPath(p))
	}

	var deferredFiles []deferredFile
	for _, c := range collectChanges(base, target) {
		if len(filters) > 0 &&
			!(c.hasTarget && pathSelected(filters, c.targetPath)) &&
			!(c.hasBase && pathSelected(filters, c.basePath)) {
			continue
		}
		wtKind := tree.KindAbsent
		if c.hasBase {
			wtKind = wt.Kind(c.basePath)
		}
		targetKind := tree.KindAbsent
		var want tree.Entry
		if c.hasTarget {
			want = targetByPath[c.targetPath]
			targetKind = want.Kind
		}
		if c.hasTarget && c.hasBase && c.targetPath == c.basePath && unchangedOnDisk(wt, want, wtKind) {
			continue
		}

		transID, err := t.IDForFileID(c.fileID)
		if err != nil {
			return nil, err
		}
		keepContent := false
		if wtKind == tree.KindFile && (opts.Backups || targetKind == tree.KindAbsent) {
			data, err := wt.ReadFile(c.basePath)
			if err != nil {
				return nil, err
			}
			recorded := baseByPath[c.basePath]
			if recorded.Kind != tree.KindFile || recorded.Hash != tree.HashContent(data) {
				keepContent = true
			}
		}
		if wtKind != tree.KindAbsent {
			if !keepContent {
				if err := t.DeleteContents(transID); err != nil {
					return nil, err
				}
			} else if targetKind != tree.KindAbsent {
				// The modified file stays behind under a backup name and
				// a fresh entry takes over its identity.
				wtName := path.Base(c.basePath)
				parentTrans, err := revertParentID(t, targetByPath, c.targetPath)
				if err != nil {
					return nil, err
				}
				backupName := t.availableBackupName(wtName, parentTrans)
				if err := t.AdjustPath(backupName, parentTrans, transID); err != nil {
					return nil, err
				}
				newID, err := t.CreatePath(wtName, parentTrans)
				if err != nil {
					return nil, err
				}
				if err := t.Unversion(transID); err != nil {
					return nil, err
				}
				if err := t.Version(c.fileID, newID); err != nil {
					return nil, err
				}
				transID = newID
			}
		}

		switch targetKind {
		case tree.KindDir:
			if err := t.CreateDirectory(transID); err != nil {
				return nil, err
			}
		case tree.KindTreeRef:
			if err := t.CreateTreeReference(transID, want.Reference); err != nil {
				return nil, err
			}
		case tree.KindSymlink:
			linkTarget, err := target.SymlinkTarget(c.targetPath)
			if err != nil {
				return nil, err
			}
			if err := t.CreateSymlink(transID, linkTarget); err != nil {
				return nil, err
			}
		case tree.KindFile:
			deferredFiles = append(deferredFiles, deferredFile{id: transID, path: c.targetPath})
			if want.Executable {
				if err := t.SetExecutability(transID, true); err != nil {
					return nil, err
				}
			}
		}

		if !c.hasBase && c.hasTarget {
			if err := t.Version(c.fileID, transID); err != nil {
				return nil, err
			}
		}
		if c.hasBase && !c.hasTarget {
			if err := t.Unversion(transID); err != nil {
				return nil, err
			}
		}
		if c.hasTarget && (!c.hasBase || c.targetPath != c.basePath) {
			parentTrans, err := revertParentID(t, targetByPath, c.targetPath)
			if err != nil {
				return nil, err
			}
			if err := t.AdjustPath(path.Base(c.targetPath), parentTrans, transID); err != nil {
				return nil, err
			}
		}
	}

	for _, df := range deferredFiles {
		rc, err := target.GetFile(df.path)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		if err := t.CreateFile(df.id, data); err != nil {
			return nil, err
		}
	}

	repairs, err := ResolveConflicts(t, ConflictPassWith(target))
	if err != nil {
		return nil, err
	}
	cooked, err := CookConflicts(t, repairs)
	if err != nil {
		return nil, err
	}
	result, err := t.Apply(nil)
	if err != nil {
		return nil, err
	}
	t.logger.Info("revert applied",
		zap.Int("renames", result.RenameCount),
		zap.Int("modified", len(result.ModifiedPaths)),
		zap.Int("conflicts", len(cooked)))
	return cooked, nil
}

// collectChanges pairs the entries of both trees by file identity, in
// path order.
func collectChanges(base, target tree.Tree) []*revertChange {
	byID := make(map[string]*revertChange)
	var changes []*revertChange
	for _, e := range target.Entries() {
		if e.Path == "" || e.FileID == "" {
			continue
		}
		c := &revertChange{fileID: e.FileID, targetPath: e.Path, hasTarget: true}
		byID[e.FileID] = c
		changes = append(changes, c)
	}
	for _, e := range base.Entries() {
		if e.Path == "" || e.FileID == "" {
			continue
		}
		if c, ok := byID[e.FileID]; ok {
			c.basePath = e.Path
			c.hasBase = true
			continue
		}
		c := &revertChange{fileID: e.FileID, basePath: e.Path, hasBase: true}
		byID[e.FileID] = c
		changes = append(changes, c)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].sortPath() < changes[j].sortPath() })
	return changes
}

func entriesByPath(tr tree.Tree) map[string]tree.Entry {
	m := make(map[string]tree.Entry)
	for _, e := range tr.Entries() {
		m[e.Path] = e
	}
	return m
}

func pathSelected(filters []string, p string) bool {
	for _, f := range filters {
		if f == "" || p == f || strings.HasPrefix(p, f+"/") {
			return true
		}
	}
	return false
}

// unchangedOnDisk reports whether the disk entry already matches what
// the target records, so revert can leave it alone. A tree reference
// is satisfied by any directory, since disk carries no revision.
func unchangedOnDisk(wt *worktree.WorkTree, want tree.Entry, diskKind tree.Kind) bool {
	wantKind := want.Kind
	if wantKind == tree.KindTreeRef {
		wantKind = tree.KindDir
	}
	if diskKind != wantKind {
		return false
	}
	switch wantKind {
	case tree.KindFile:
		data, err := wt.ReadFile(want.Path)
		if err != nil {
			return false
		}
		if tree.HashContent(data) != want.Hash {
			return false
		}
		return wt.IsExecutable(want.Path) == want.Executable
	case tree.KindSymlink:
		got, err := wt.SymlinkTarget(want.Path)
		return err == nil && got == want.Target
	}
	return true
}

// revertParentID resolves the id of childPath's parent in the target
// tree. The root is resolved directly so reverts work even when the two
// trees disagree about the root identity.
func revertParentID(t *Transform, targetByPath map[string]tree.Entry, childPath string) (TransID, error) {
	pp := parentPath(childPath)
	if pp == "" {
		return t.Root(), nil
	}
	parent, ok := targetByPath[pp]
	if !ok || parent.FileID == "" {
		return TransID{}, fmt.Errorf("target tree has no parent entry for %q", childPath)
	}
	return t.IDForFileID(parent.FileID)
}
