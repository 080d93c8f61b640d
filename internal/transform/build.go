package transform

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"twig/internal/tree"
	"twig/internal/worktree"
)

// BuildOptions tunes BuildTree.
type BuildOptions struct {
	// Accelerator is a working tree whose files are used in place of
	// src content when they match it exactly. Useful when src is
	// backed by compressed storage and a similar checkout is nearby.
	Accelerator *worktree.WorkTree
	// Hardlink links matching accelerator files instead of copying
	// them. The built tree then shares storage with the accelerator.
	Hardlink bool
}

type deferredFile struct {
	id   TransID
	path string
	hash string
}

// BuildTree materializes src inside wt, which must not track anything
// yet. Files already on disk whose content matches src are replaced in
// place, a directory that is itself a control dir is kept and the
// incoming entry diverted to <name>.diverted, and any other collision
// moves the existing file to <name>.moved. The returned conflicts
// describe every diversion and move.
func BuildTree(src tree.Tree, wt *worktree.WorkTree, base tree.Tree, logger *zap.Logger, opts *BuildOptions) (*Result, []CookedConflict, error) {
	if opts == nil {
		opts = &BuildOptions{}
	}
	if base != nil {
		for _, e := range base.Entries() {
			if e.Path != "" {
				return nil, nil, ErrTreeAlreadyPopulated
			}
		}
	}
	t, err := New(wt, base, logger)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = t.Finalize() }()

	existing := make(map[string]bool)
	err = wt.Walk(func(treePath string, info os.FileInfo) error {
		existing[treePath] = true
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	fileTransID := map[string]TransID{"": t.TreePathID("")}
	divert := make(map[TransID]bool)
	var deferred []deferredFile
	for _, entry := range src.Entries() {
		if entry.Path == "" {
			continue
		}
		reparent := false
		diverted := false
		if existing[entry.Path] {
			diskKind := wt.Kind(entry.Path)
			if diskKind == tree.KindDir && hasControlDir(wt.Abs(entry.Path)) {
				diverted = true
			} else if contentMatch(src, entry, diskKind, wt) {
				if err := t.DeleteContents(t.TreePathID(entry.Path)); err != nil {
					return nil, nil, err
				}
				if diskKind == tree.KindDir {
					reparent = true
				}
			}
		}
		parentID, ok := fileTransID[parentPath(entry.Path)]
		if !ok {
			return nil, nil, fmt.Errorf("source tree entry %q has no parent entry", entry.Path)
		}
		name := path.Base(entry.Path)
		var id TransID
		if entry.Kind == tree.KindFile {
			// Content extraction is deferred so accelerator use and
			// storage reads happen in one batch at the end.
			id, err = t.CreatePath(name, parentID)
			if err != nil {
				return nil, nil, err
			}
			if entry.FileID != "" {
				if err := t.Version(entry.FileID, id); err != nil {
					return nil, nil, err
				}
			}
			if src.IsExecutable(entry.Path) {
				if err := t.SetExecutability(id, true); err != nil {
					return nil, nil, err
				}
			}
			deferred = append(deferred, deferredFile{id: id, path: entry.Path, hash: entry.Hash})
		} else {
			id, err = newByEntry(t, src, entry, name, parentID)
			if err != nil {
				return nil, nil, err
			}
		}
		fileTransID[entry.Path] = id
		if diverted {
			divert[id] = true
		}
		if reparent {
			// The matching directory is being replaced. Hand its
			// on-disk children to the replacement so they survive.
			oldParent := t.TreePathID(entry.Path)
			for _, child := range t.bindTreeChildren(oldParent) {
				childName, err := t.FinalName(child)
				if err != nil {
					return nil, nil, err
				}
				if err := t.AdjustPath(childName, id, child); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	if err := createFiles(t, src, deferred, opts.Accelerator, opts.Hardlink); err != nil {
		return nil, nil, err
	}

	pass := func(t *Transform, conflicts []Conflict) ([]Repair, error) {
		return resolveCheckout(t, conflicts, divert)
	}
	repairs, err := ResolveConflicts(t, pass)
	if err != nil {
		return nil, nil, err
	}
	cooked, err := CookConflicts(t, repairs)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range cooked {
		t.logger.Warn("checkout conflict", zap.String("conflict", c.String()))
	}
	result, err := t.Apply(&ApplyOptions{SkipConflictCheck: true})
	if err != nil {
		return nil, nil, err
	}
	return result, cooked, nil
}

func hasControlDir(abspath string) bool {
	info, err := os.Stat(filepath.Join(abspath, worktree.ControlDirName))
	return err == nil && info.IsDir()
}

// contentMatch reports whether the disk entry at e.Path already is what
// src wants there. Directories match on kind alone.
func contentMatch(src tree.Tree, e tree.Entry, diskKind tree.Kind, wt *worktree.WorkTree) bool {
	if e.Kind != diskKind {
		return false
	}
	switch e.Kind {
	case tree.KindDir:
		return true
	case tree.KindFile:
		disk, err := wt.ReadFile(e.Path)
		if err != nil {
			return false
		}
		rc, err := src.GetFile(e.Path)
		if err != nil {
			return false
		}
		defer rc.Close()
		want, err := io.ReadAll(rc)
		if err != nil {
			return false
		}
		return bytes.Equal(disk, want)
	case tree.KindSymlink:
		diskTarget, err := wt.SymlinkTarget(e.Path)
		if err != nil {
			return false
		}
		want, err := src.SymlinkTarget(e.Path)
		if err != nil {
			return false
		}
		return diskTarget == want
	}
	return false
}

func newByEntry(t *Transform, src tree.Tree, entry tree.Entry, name string, parent TransID) (TransID, error) {
	switch entry.Kind {
	case tree.KindDir:
		return t.NewDirectory(name, parent, entry.FileID)
	case tree.KindSymlink:
		target, err := src.SymlinkTarget(entry.Path)
		if err != nil {
			return TransID{}, err
		}
		return t.NewSymlink(name, parent, target, entry.FileID)
	case tree.KindTreeRef:
		id, err := t.CreatePath(name, parent)
		if err != nil {
			return TransID{}, err
		}
		if err := t.CreateTreeReference(id, entry.Reference); err != nil {
			return TransID{}, err
		}
		if entry.FileID != "" {
			if err := t.Version(entry.FileID, id); err != nil {
				return TransID{}, err
			}
		}
		return id, nil
	}
	return TransID{}, fmt.Errorf("cannot build %s entry %q", entry.Kind, entry.Path)
}

func createFiles(t *Transform, src tree.Tree, files []deferredFile, accel *worktree.WorkTree, hardlink bool) error {
	for _, df := range files {
		if accel != nil {
			if data, ok := accelContent(accel, src, df); ok {
				if hardlink {
					if err := t.CreateHardlink(df.id, accel.Abs(df.path)); err != nil {
						return err
					}
				} else {
					if err := t.CreateFile(df.id, data); err != nil {
						return err
					}
				}
				continue
			}
		}
		rc, err := src.GetFile(df.path)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		if err := t.CreateFile(df.id, data); err != nil {
			return err
		}
	}
	return nil
}

// accelContent returns the accelerator's bytes for df.path when they
// are exactly the content src wants there, executability included.
func accelContent(accel *worktree.WorkTree, src tree.Tree, df deferredFile) ([]byte, bool) {
	if accel.Kind(df.path) != tree.KindFile {
		return nil, false
	}
	if accel.IsExecutable(df.path) != src.IsExecutable(df.path) {
		return nil, false
	}
	data, err := accel.ReadFile(df.path)
	if err != nil || tree.HashContent(data) != df.hash {
		return nil, false
	}
	return data, true
}

// resolveCheckout repairs the duplicate conflicts BuildTree provokes on
// purpose. Any other conflict kind here is a bug.
func resolveCheckout(t *Transform, conflicts []Conflict, divert map[TransID]bool) ([]Repair, error) {
	repairs := make([]Repair, 0, len(conflicts))
	for _, c := range conflicts {
		if c.Kind != ConflictDuplicate {
			return nil, fmt.Errorf("unresolvable %s conflict during checkout", c.Kind)
		}
		newID, oldID := c.ID, c.Other
		if !t.HasNewContent(newID) {
			newID, oldID = oldID, newID
		}
		finalParent, err := t.FinalParent(oldID)
		if err != nil {
			return nil, err
		}
		oldName, err := t.FinalName(oldID)
		if err != nil {
			return nil, err
		}
		if divert[newID] {
			if err := t.AdjustPath(oldName+".diverted", finalParent, newID); err != nil {
				return nil, err
			}
			repairs = append(repairs, Repair{Kind: c.Kind, Action: "Diverted to", ID: newID, Other: oldID})
		} else {
			if err := t.AdjustPath(oldName+".moved", finalParent, oldID); err != nil {
				return nil, err
			}
			repairs = append(repairs, Repair{Kind: c.Kind, Action: "Moved existing file to", ID: oldID, Other: newID})
		}
	}
	return repairs, nil
}
