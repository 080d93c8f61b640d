package transform

import (
	"go.uber.org/zap"

	"twig/internal/tree"
)

// OrphanDirName is where orphaned files are collected at the tree root.
const OrphanDirName = "brz-orphans"

// OrphanPolicy decides what happens to an unversioned file whose parent
// directory is being deleted. Returning OrphaningForbiddenError keeps
// the parent in place instead.
type OrphanPolicy func(t *Transform, orphan, parent TransID) error

// RefuseOrphan never orphans anything; the directory deletion is
// cancelled and the caller is told about it. This is the default.
func RefuseOrphan(t *Transform, orphan, parent TransID) error {
	return &OrphaningForbiddenError{Policy: "conflict"}
}

// MoveOrphan moves the file into the orphan directory at the tree root,
// creating it on first use, under a name that collides with nothing.
func MoveOrphan(t *Transform, orphan, parent TransID) error {
	dirID := t.TreePathID(OrphanDirName)
	if kind, err := t.FinalKind(dirID); err != nil {
		return err
	} else if kind == tree.KindAbsent {
		if err := t.CreateDirectory(dirID); err != nil {
			return err
		}
	}

	parentDir, _ := t.TreePath(parent)
	name, err := t.FinalName(orphan)
	if err != nil {
		return err
	}
	newName := t.availableBackupName(name, dirID)
	if err := t.AdjustPath(newName, dirID, orphan); err != nil {
		return err
	}
	t.logger.Warn("file has been orphaned",
		zap.String("path", tree.JoinPath(parentDir, name)),
		zap.String("orphan_dir", OrphanDirName))
	return nil
}

// OrphanPolicyByName maps the configured policy name to its
// implementation.
func OrphanPolicyByName(name string) (OrphanPolicy, bool) {
	switch name {
	case "conflict":
		return RefuseOrphan, true
	case "move":
		return MoveOrphan, true
	}
	return nil, false
}
