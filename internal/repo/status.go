package repo

import (
	"os"
	"sort"

	"twig/internal/tree"
	"twig/internal/worktree"
)

// ChangeType classifies a working-tree difference against head.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// Change is one path whose working-tree state differs from the head
// snapshot.
type Change struct {
	Path string
	Type ChangeType
}

// Status compares the working tree against the head snapshot and
// returns the differences sorted by path. With no snapshots recorded
// yet, everything on disk is reported as added.
func (r *Repository) Status() ([]Change, error) {
	head, err := r.Snapshots.HeadTree()
	if err != nil {
		return nil, err
	}

	recorded := make(map[string]tree.Entry)
	if head != nil {
		for _, e := range head.Entries() {
			if e.Path != "" {
				recorded[e.Path] = e
			}
		}
	}

	var changes []Change
	err = r.WorkTree.Walk(func(p string, info os.FileInfo) error {
		e, ok := recorded[p]
		if !ok {
			changes = append(changes, Change{Path: p, Type: ChangeAdded})
			return nil
		}
		delete(recorded, p)
		if !matchesEntry(r.WorkTree, e, worktree.KindOf(info.Mode())) {
			changes = append(changes, Change{Path: p, Type: ChangeModified})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for p := range recorded {
		changes = append(changes, Change{Path: p, Type: ChangeDeleted})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

func matchesEntry(wt *worktree.WorkTree, want tree.Entry, diskKind tree.Kind) bool {
	if diskKind != want.Kind {
		return false
	}
	switch want.Kind {
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
