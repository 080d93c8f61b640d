package transform

import (
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/google/uuid"

	"twig/internal/tree"
)

// Repair records one adjustment made while resolving conflicts, so the
// caller can report what happened to which paths.
type Repair struct {
	Kind   ConflictKind
	Action string
	ID     TransID
	Other  TransID // related id, when there is one
}

// PassFunc attempts to repair the given conflicts, returning a record
// of what it did. ResolveConflicts calls it until no conflicts remain.
type PassFunc func(t *Transform, conflicts []Conflict) ([]Repair, error)

// maxResolvePasses bounds resolution: each pass must make progress, and
// anything still conflicted after this many rounds is unresolvable.
const maxResolvePasses = 10

// ResolveConflicts repeatedly detects and repairs conflicts until the
// transform is clean. A nil pass uses the standard repairs. If
// conflicts survive every pass the transform is malformed.
func ResolveConflicts(t *Transform, pass PassFunc) ([]Repair, error) {
	if pass == nil {
		pass = ConflictPass
	}
	var repairs []Repair
	var conflicts []Conflict
	for n := 0; n < maxResolvePasses; n++ {
		var err error
		conflicts, err = t.FindConflicts()
		if err != nil {
			return repairs, err
		}
		if len(conflicts) == 0 {
			return repairs, nil
		}
		newRepairs, err := pass(t, conflicts)
		if err != nil {
			return repairs, err
		}
		repairs = append(repairs, newRepairs...)
	}
	return repairs, &MalformedTransformError{Conflicts: conflicts}
}

// ConflictPass applies the standard repair for each conflict kind.
func ConflictPass(t *Transform, conflicts []Conflict) ([]Repair, error) {
	return conflictPass(t, conflicts, nil)
}

// ConflictPassWith returns a pass that additionally consults pathTree
// for the proper homes of entries the transform cannot place itself.
func ConflictPassWith(pathTree tree.Tree) PassFunc {
	return func(t *Transform, conflicts []Conflict) ([]Repair, error) {
		return conflictPass(t, conflicts, pathTree)
	}
}

type repairFunc func(t *Transform, c Conflict, pathTree tree.Tree) ([]Repair, error)

var repairStrategies = map[ConflictKind]repairFunc{
	ConflictDuplicate:            repairDuplicate,
	ConflictDuplicateID:          repairDuplicateID,
	ConflictParentLoop:           repairParentLoop,
	ConflictMissingParent:        repairMissingParent,
	ConflictUnversionedParent:    repairUnversionedParent,
	ConflictNonDirectoryParent:   repairNonDirectoryParent,
	ConflictVersioningNoContents: repairVersioningNoContents,
}

func conflictPass(t *Transform, conflicts []Conflict, pathTree tree.Tree) ([]Repair, error) {
	var repairs []Repair
	for _, c := range conflicts {
		strategy, ok := repairStrategies[c.Kind]
		if !ok {
			return repairs, fmt.Errorf("no repair strategy for %s conflict", c.Kind)
		}
		rs, err := strategy(t, c, pathTree)
		if err != nil {
			return repairs, err
		}
		repairs = append(repairs, rs...)
	}
	return repairs, nil
}

// repairDuplicateID unversions the existing holder of the contested
// file identity.
func repairDuplicateID(t *Transform, c Conflict, _ tree.Tree) ([]Repair, error) {
	if err := t.Unversion(c.ID); err != nil {
		return nil, err
	}
	return []Repair{{Kind: c.Kind, Action: "Unversioned existing file", ID: c.ID, Other: c.Other}}, nil
}

// repairDuplicate renames whichever contender did not move to
// "<name>.moved"; renamed files take precedence over ones already in
// place.
func repairDuplicate(t *Transform, c Conflict, _ tree.Tree) ([]Repair, error) {
	finalParent, err := t.FinalParent(c.ID)
	if err != nil {
		return nil, err
	}
	existing, moved := c.ID, c.Other
	if t.PathChanged(c.ID) {
		existing, moved = c.Other, c.ID
	}
	name, err := t.FinalName(existing)
	if err != nil {
		return nil, err
	}
	if err := t.AdjustPath(name+".moved", finalParent, existing); err != nil {
		return nil, err
	}
	return []Repair{{Kind: c.Kind, Action: "Moved existing file to", ID: existing, Other: moved}}, nil
}

// repairParentLoop walks up from the looping id to the nearest moved
// ancestor and cancels that move, putting it back at its tree parent.
func repairParentLoop(t *Transform, c Conflict, _ tree.Tree) ([]Repair, error) {
	cur := c.ID
	for !t.PathChanged(cur) {
		parent, err := t.FinalParent(cur)
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	parentNow, err := t.FinalParent(cur)
	if err != nil {
		return nil, err
	}
	repair := Repair{Kind: c.Kind, Action: "Cancelled move", ID: cur, Other: parentNow}

	name, err := t.FinalName(cur)
	if err != nil {
		return nil, err
	}
	treeParent, err := t.treeParent(cur)
	if err != nil {
		return nil, err
	}
	if err := t.AdjustPath(name, treeParent, cur); err != nil {
		return nil, err
	}
	return []Repair{repair}, nil
}

// repairMissingParent either gives up on deleting the parent (moving
// unversioned children aside when the orphan policy allows it) or
// creates the missing directory.
func repairMissingParent(t *Transform, c Conflict, pathTree tree.Tree) ([]Repair, error) {
	e, err := t.rec(c.ID)
	if err != nil {
		return nil, err
	}
	if e.removedContent {
		return repairDeletedParent(t, c)
	}

	var repairs []Repair
	create := true
	if _, err := t.FinalName(c.ID); err != nil {
		var noPath *NoFinalPathError
		if !errors.As(err, &noPath) {
			return nil, err
		}
		// The transform knows nothing about where this directory
		// lives; ask the supplemental tree.
		if pathTree != nil {
			fileID, err := t.FinalFileID(c.ID)
			if err != nil {
				return nil, err
			}
			if fileID == "" {
				fileID = t.inactiveFileID(c.ID)
			}
			if p, ok := pathTree.PathForID(fileID); ok {
				if p == "" {
					// The supplemental tree's root: house its
					// children under our root instead.
					create = false
					moved, err := t.reparentChildren(c.ID, t.root)
					if err != nil {
						return nil, err
					}
					for _, child := range moved {
						repairs = append(repairs, Repair{Kind: c.Kind, Action: "Moved to root", ID: child})
					}
				} else {
					parentFileID, ok := pathTree.FileID(parentPath(p))
					if ok {
						parentID, err := t.IDForFileID(parentFileID)
						if err != nil {
							return nil, err
						}
						if err := t.AdjustPath(path.Base(p), parentID, c.ID); err != nil {
							return nil, err
						}
					}
				}
			}
		}
	}
	if create {
		if err := t.CreateDirectory(c.ID); err != nil {
			return nil, err
		}
		repairs = append(repairs, Repair{Kind: c.Kind, Action: "Created directory", ID: c.ID})
	}
	return repairs, nil
}

// repairDeletedParent handles a deleted directory that still has
// children: orphan every unversioned child if policy allows, otherwise
// keep the directory.
func repairDeletedParent(t *Transform, c Conflict) ([]Repair, error) {
	cancelDeletion := true
	orphans := t.potentialOrphans(c.ID)
	if len(orphans) > 0 {
		cancelDeletion = false
		for _, orphan := range orphans {
			if err := t.orphanPolicy(t, orphan, c.ID); err != nil {
				var forbidden *OrphaningForbiddenError
				if errors.As(err, &forbidden) {
					cancelDeletion = true
					break
				}
				return nil, err
			}
		}
	}
	if !cancelDeletion {
		return nil, nil
	}
	if err := t.CancelDeletion(c.ID); err != nil {
		return nil, err
	}
	return []Repair{{Kind: ConflictDeletingParent, Action: "Not deleting", ID: c.ID}}, nil
}

// potentialOrphans lists the unversioned children of a directory whose
// deletion is staged. A nil result means a versioned child remains and
// orphaning is pointless.
func (t *Transform) potentialOrphans(dirID TransID) []TransID {
	var orphans []TransID
	for _, child := range t.ByParent()[dirID] {
		if e, err := t.rec(child); err == nil && e.removedContent {
			// Already being deleted with the directory.
			continue
		}
		if t.FinalIsVersioned(child) {
			return nil
		}
		orphans = append(orphans, child)
	}
	return orphans
}

// repairUnversionedParent versions the directory, reusing its old
// identity when it had one.
func repairUnversionedParent(t *Transform, c Conflict, pathTree tree.Tree) ([]Repair, error) {
	fileID := t.inactiveFileID(c.ID)
	if pathTree != nil && fileID != "" {
		if rootID, ok := pathTree.FileID(""); ok && rootID == fileID {
			// The supplemental tree's root is handled by the missing
			// parent repair.
			return nil, nil
		}
	}
	if fileID == "" {
		fileID = uuid.New().String()
	}
	if err := t.Version(fileID, c.ID); err != nil {
		return nil, err
	}
	return []Repair{{Kind: c.Kind, Action: "Versioned directory", ID: c.ID}}, nil
}

// repairNonDirectoryParent moves the children into a fresh "<name>.new"
// directory that takes over the old entry's identity.
func repairNonDirectoryParent(t *Transform, c Conflict, _ tree.Tree) ([]Repair, error) {
	parentParent, err := t.FinalParent(c.ID)
	if err != nil {
		return nil, err
	}
	parentName, err := t.FinalName(c.ID)
	if err != nil {
		return nil, err
	}
	parentFileID, err := t.FinalFileID(c.ID)
	if err != nil {
		return nil, err
	}
	newParent, err := t.NewDirectory(parentName+".new", parentParent, parentFileID)
	if err != nil {
		return nil, err
	}
	if _, err := t.reparentChildren(c.ID, newParent); err != nil {
		return nil, err
	}
	if parentFileID != "" {
		if err := t.Unversion(c.ID); err != nil {
			return nil, err
		}
	}
	return []Repair{{Kind: c.Kind, Action: "Created directory", ID: newParent}}, nil
}

func repairVersioningNoContents(t *Transform, c Conflict, _ tree.Tree) ([]Repair, error) {
	return nil, t.CancelVersioning(c.ID)
}

// reparentChildren moves every child of oldParent under newParent,
// keeping names.
func (t *Transform) reparentChildren(oldParent, newParent TransID) ([]TransID, error) {
	children := t.ByParent()[oldParent]
	for _, child := range children {
		name, err := t.FinalName(child)
		if err != nil {
			return nil, err
		}
		if err := t.AdjustPath(name, newParent, child); err != nil {
			return nil, err
		}
	}
	return children, nil
}

// CookedConflict is a repair record translated into final paths for
// presentation.
type CookedConflict struct {
	Kind           ConflictKind
	Action         string
	Path           string
	FileID         string
	ConflictPath   string
	ConflictFileID string
}

func (c CookedConflict) String() string {
	s := fmt.Sprintf("%s conflict at %q: %s", c.Kind, c.Path, c.Action)
	if c.ConflictPath != "" {
		s += fmt.Sprintf(" (related: %q)", c.ConflictPath)
	}
	return s
}

// CookConflicts resolves repair records to final paths, sorted by path.
func CookConflicts(t *Transform, repairs []Repair) ([]CookedConflict, error) {
	fp := NewFinalPaths(t)
	out := make([]CookedConflict, 0, len(repairs))
	for _, r := range repairs {
		p, err := fp.Path(r.ID)
		if err != nil {
			return nil, err
		}
		fileID, err := t.FinalFileID(r.ID)
		if err != nil {
			return nil, err
		}
		cooked := CookedConflict{Kind: r.Kind, Action: r.Action, Path: p, FileID: fileID}
		if r.Other != (TransID{}) {
			cooked.ConflictPath, err = fp.Path(r.Other)
			if err != nil {
				return nil, err
			}
			cooked.ConflictFileID, err = t.FinalFileID(r.Other)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, cooked)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
