package transform

import (
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"twig/internal/tree"
	"twig/internal/worktree"
)

// ConflictKind enumerates every way a staged transform can violate tree
// invariants. The set is closed: resolution strategies are looked up by
// kind, and an unknown kind is a programming error.
type ConflictKind uint8

const (
	// ConflictDuplicate: two ids would occupy the same name in the
	// same directory.
	ConflictDuplicate ConflictKind = iota
	// ConflictDuplicateID: a newly versioned file identity is already
	// versioned elsewhere in the tree.
	ConflictDuplicateID
	// ConflictParentLoop: an id has been moved underneath itself.
	ConflictParentLoop
	// ConflictMissingParent: a parent directory would not exist.
	ConflictMissingParent
	// ConflictUnversionedParent: a versioned child would live in an
	// unversioned directory.
	ConflictUnversionedParent
	// ConflictNonDirectoryParent: a child's parent would not be a
	// directory.
	ConflictNonDirectoryParent
	// ConflictVersioningNoContents: an id would be versioned without
	// any contents.
	ConflictVersioningNoContents
	// ConflictDeletingParent only appears in repair records: a
	// directory deletion was cancelled to keep its children housed.
	ConflictDeletingParent
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictDuplicate:
		return "duplicate"
	case ConflictDuplicateID:
		return "duplicate id"
	case ConflictParentLoop:
		return "parent loop"
	case ConflictMissingParent:
		return "missing parent"
	case ConflictUnversionedParent:
		return "unversioned parent"
	case ConflictNonDirectoryParent:
		return "non-directory parent"
	case ConflictVersioningNoContents:
		return "versioning no contents"
	case ConflictDeletingParent:
		return "deleting parent"
	default:
		return fmt.Sprintf("conflict-kind-%d", uint8(k))
	}
}

// Conflict is one invariant violation found in a staged transform.
type Conflict struct {
	Kind  ConflictKind
	ID    TransID
	Other TransID // second id for duplicates; unset otherwise
	Name  string  // contested name for duplicates
}

func (c Conflict) String() string {
	switch c.Kind {
	case ConflictDuplicate:
		return fmt.Sprintf("duplicate: %s and %s both want name %q", c.ID, c.Other, c.Name)
	case ConflictDuplicateID:
		return fmt.Sprintf("duplicate id: %s and %s share a file identity", c.ID, c.Other)
	default:
		return fmt.Sprintf("%s: %s", c.Kind, c.ID)
	}
}

// FindConflicts checks the staged shape against tree invariants and
// returns every violation. A transform with no conflicts is safe to
// apply.
func (t *Transform) FindConflicts() ([]Conflict, error) {
	if t.done {
		return nil, ErrReusingTransform
	}
	// Children of every active parent must be known before the checks,
	// or deletions could silently strand files the transform has never
	// heard of.
	t.addTreeChildren()
	byParent := t.ByParent()

	var conflicts []Conflict
	conflicts = append(conflicts, t.unversionedParents(byParent)...)
	conflicts = append(conflicts, t.parentLoops()...)
	conflicts = append(conflicts, t.duplicateEntries(byParent)...)
	conflicts = append(conflicts, t.duplicateIDs()...)
	conflicts = append(conflicts, t.parentTypeConflicts(byParent)...)
	conflicts = append(conflicts, t.improperVersioning()...)
	return conflicts, nil
}

// addTreeChildren binds the on-disk children of every parent that gains
// children or is being removed, so the detectors see them.
func (t *Transform) addTreeChildren() {
	var parents []TransID
	for parent := range t.ByParent() {
		parents = append(parents, parent)
	}
	n := len(t.entries)
	for i := 0; i < n; i++ {
		id := TransID{idx: int32(i), gen: t.gen}
		if t.entries[i].removedContent && t.TreeKind(id) == tree.KindDir {
			parents = append(parents, id)
		}
		if t.entries[i].removedVersioning {
			if p, ok := t.TreePath(id); ok && t.base.Kind(p) == tree.KindDir {
				parents = append(parents, id)
			}
		}
	}
	for _, parent := range parents {
		t.bindTreeChildren(parent)
	}
}

// bindTreeChildren registers an id for each on-disk child of the given
// parent's tree path.
func (t *Transform) bindTreeChildren(parent TransID) []TransID {
	p, ok := t.TreePath(parent)
	if !ok {
		return nil
	}
	entries, err := os.ReadDir(t.wt.Abs(p))
	if err != nil {
		if !worktree.IsNoEnt(err) {
			t.logger.Debug("listing tree children", zap.String("path", p), zap.Error(err))
		}
		return nil
	}
	var out []TransID
	for _, de := range entries {
		if de.Name() == worktree.ControlDirName {
			continue
		}
		out = append(out, t.TreePathID(tree.JoinPath(p, de.Name())))
	}
	return out
}

// sortedParents orders map keys by id allocation, with RootParent
// first, so detection output is stable.
func sortedParents(byParent map[TransID][]TransID) []TransID {
	parents := make([]TransID, 0, len(byParent))
	for parent := range byParent {
		parents = append(parents, parent)
	}
	sortIDs(parents)
	return parents
}

func (t *Transform) unversionedParents(byParent map[TransID][]TransID) []Conflict {
	var conflicts []Conflict
	for _, parent := range sortedParents(byParent) {
		if parent == RootParent {
			continue
		}
		if t.FinalIsVersioned(parent) {
			continue
		}
		for _, child := range byParent[parent] {
			if t.FinalIsVersioned(child) {
				conflicts = append(conflicts, Conflict{Kind: ConflictUnversionedParent, ID: parent})
				break
			}
		}
	}
	return conflicts
}

func (t *Transform) parentLoops() []Conflict {
	var conflicts []Conflict
	n := len(t.entries)
	for i := 0; i < n; i++ {
		if !t.entries[i].hasParent {
			continue
		}
		id := TransID{idx: int32(i), gen: t.gen}
		seen := make(map[TransID]bool)
		parent := id
		for parent != RootParent {
			seen[parent] = true
			next, err := t.FinalParent(parent)
			if err != nil {
				break
			}
			parent = next
			if parent == id {
				conflicts = append(conflicts, Conflict{Kind: ConflictParentLoop, ID: id})
			}
			if seen[parent] {
				break
			}
		}
	}
	return conflicts
}

func (t *Transform) duplicateEntries(byParent map[TransID][]TransID) []Conflict {
	anyNew := false
	for i := range t.entries {
		if t.entries[i].hasName || t.entries[i].hasParent {
			anyNew = true
			break
		}
	}
	if !anyNew {
		return nil
	}

	var conflicts []Conflict
	for _, parent := range sortedParents(byParent) {
		type nameID struct {
			name string
			id   TransID
		}
		var nameIDs []nameID
		for _, child := range byParent[parent] {
			name, err := t.FinalName(child)
			if err != nil {
				continue
			}
			nameIDs = append(nameIDs, nameID{name: name, id: child})
		}
		sort.Slice(nameIDs, func(i, j int) bool {
			if nameIDs[i].name != nameIDs[j].name {
				return nameIDs[i].name < nameIDs[j].name
			}
			return nameIDs[i].id.idx < nameIDs[j].id.idx
		})

		var lastName string
		var lastID TransID
		haveLast := false
		for _, ni := range nameIDs {
			kind, err := t.FinalKind(ni.id)
			if err != nil {
				continue
			}
			if kind == tree.KindAbsent && !t.FinalIsVersioned(ni.id) {
				// This entry will not exist after apply.
				continue
			}
			if haveLast && ni.name == lastName {
				conflicts = append(conflicts, Conflict{
					Kind:  ConflictDuplicate,
					ID:    lastID,
					Other: ni.id,
					Name:  ni.name,
				})
			}
			lastName, lastID, haveLast = ni.name, ni.id, true
		}
	}
	return conflicts
}

func (t *Transform) duplicateIDs() []Conflict {
	removedTreeIDs := make(map[string]bool)
	n := len(t.entries)
	for i := 0; i < n; i++ {
		if !t.entries[i].removedVersioning {
			continue
		}
		id := TransID{idx: int32(i), gen: t.gen}
		if fid, ok := t.TreeFileID(id); ok {
			removedTreeIDs[fid] = true
		}
	}

	type newID struct {
		id     TransID
		fileID string
	}
	var newlyVersioned []newID
	for i := 0; i < n; i++ {
		if t.entries[i].hasFileID {
			newlyVersioned = append(newlyVersioned, newID{
				id:     TransID{idx: int32(i), gen: t.gen},
				fileID: t.entries[i].fileID,
			})
		}
	}

	var conflicts []Conflict
	for _, nv := range newlyVersioned {
		p, ok := t.base.PathForID(nv.fileID)
		if !ok || removedTreeIDs[nv.fileID] {
			continue
		}
		oldID := t.TreePathID(p)
		conflicts = append(conflicts, Conflict{
			Kind:  ConflictDuplicateID,
			ID:    oldID,
			Other: nv.id,
		})
	}
	return conflicts
}

func (t *Transform) parentTypeConflicts(byParent map[TransID][]TransID) []Conflict {
	var conflicts []Conflict
	for _, parent := range sortedParents(byParent) {
		if parent == RootParent {
			continue
		}
		hasChild := false
		for _, child := range byParent[parent] {
			kind, err := t.FinalKind(child)
			if err == nil && kind != tree.KindAbsent {
				hasChild = true
				break
			}
		}
		if !hasChild {
			continue
		}
		kind, err := t.FinalKind(parent)
		if err != nil {
			continue
		}
		switch {
		case kind == tree.KindAbsent:
			conflicts = append(conflicts, Conflict{Kind: ConflictMissingParent, ID: parent})
		case kind != tree.KindDir:
			conflicts = append(conflicts, Conflict{Kind: ConflictNonDirectoryParent, ID: parent})
		}
	}
	return conflicts
}

func (t *Transform) improperVersioning() []Conflict {
	var conflicts []Conflict
	n := len(t.entries)
	for i := 0; i < n; i++ {
		if !t.entries[i].hasFileID {
			continue
		}
		id := TransID{idx: int32(i), gen: t.gen}
		kind, err := t.FinalKind(id)
		if err == nil && kind == tree.KindAbsent {
			conflicts = append(conflicts, Conflict{Kind: ConflictVersioningNoContents, ID: id})
		}
	}
	return conflicts
}
