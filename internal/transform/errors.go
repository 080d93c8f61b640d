package transform

import (
	"errors"
	"fmt"
)

var (
	// ErrReusingTransform is returned when a transform is queried or
	// applied after it has already been applied.
	ErrReusingTransform = errors.New("attempt to reuse a transform that has already been applied")

	// ErrCantMoveRoot is returned by AdjustPath when the target is the
	// tree root.
	ErrCantMoveRoot = errors.New("moving the tree root is not supported")

	// ErrTreeAlreadyPopulated is returned by BuildTree when the target
	// working tree already tracks entries besides the root.
	ErrTreeAlreadyPopulated = errors.New("working tree is already populated")
)

// UnknownIDError reports a TransID that does not belong to this
// transform: either it was never allocated, or it came from another
// transform instance.
type UnknownIDError struct {
	ID TransID
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("id %s is not valid for this transform", e.ID)
}

// DuplicateKeyError reports an attempt to schedule the same change
// twice, such as creating contents for an id that already has them.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("key %s is already present", e.Key)
}

// NoFinalPathError reports an id with no final name: it has not been
// assigned one and is not linked to an existing path.
type NoFinalPathError struct {
	ID TransID
}

func (e *NoFinalPathError) Error() string {
	return fmt.Sprintf("no final path for id %s", e.ID)
}

// MalformedTransformError reports a transform whose staged changes
// still violate tree invariants.
type MalformedTransformError struct {
	Conflicts []Conflict
}

func (e *MalformedTransformError) Error() string {
	return fmt.Sprintf("tree transform is malformed: %v", e.Conflicts)
}

// ExistingLimboError means the limbo directory was not empty when the
// transform started, usually because an earlier transform crashed.
type ExistingLimboError struct {
	Dir string
	Err error
}

func (e *ExistingLimboError) Error() string {
	return fmt.Sprintf("limbo directory %s contains left-over files from a failed operation; examine it for files you wish to keep, and delete it when you are done: %v", e.Dir, e.Err)
}

func (e *ExistingLimboError) Unwrap() error { return e.Err }

// ExistingPendingDeletionError is the pending-deletion counterpart of
// ExistingLimboError.
type ExistingPendingDeletionError struct {
	Dir string
	Err error
}

func (e *ExistingPendingDeletionError) Error() string {
	return fmt.Sprintf("pending-deletion directory %s contains left-over files from a failed operation; examine it for files you wish to keep, and delete it when you are done: %v", e.Dir, e.Err)
}

func (e *ExistingPendingDeletionError) Unwrap() error { return e.Err }

// ImmortalLimboError means the limbo directory could not be deleted
// during cleanup and needs manual attention.
type ImmortalLimboError struct {
	Dir string
}

func (e *ImmortalLimboError) Error() string {
	return fmt.Sprintf("unable to delete transform temporary directory %s; examine it for files you wish to keep, and delete it when you are done", e.Dir)
}

// ImmortalPendingDeletionError is the pending-deletion counterpart of
// ImmortalLimboError.
type ImmortalPendingDeletionError struct {
	Dir string
}

func (e *ImmortalPendingDeletionError) Error() string {
	return fmt.Sprintf("unable to delete pending-deletion directory %s; examine it for files you wish to keep, and delete it when you are done", e.Dir)
}

// RenameFailedError reports a failed rename with both paths, since the
// underlying os error often names only one of them.
type RenameFailedError struct {
	From string
	To   string
	Err  error
}

func (e *RenameFailedError) Error() string {
	return fmt.Sprintf("failed to rename %s to %s: %v", e.From, e.To, e.Err)
}

func (e *RenameFailedError) Unwrap() error { return e.Err }

// FileExistsError reports a rename that was blocked by existing content
// at the destination.
type FileExistsError struct {
	Path string
	Err  error
}

func (e *FileExistsError) Error() string {
	return fmt.Sprintf("file exists: %s", e.Path)
}

func (e *FileExistsError) Unwrap() error { return e.Err }

// OrphaningForbiddenError is returned by the conflict orphan policy,
// which never moves files aside.
type OrphaningForbiddenError struct {
	Policy string
}

func (e *OrphaningForbiddenError) Error() string {
	return fmt.Sprintf("policy %q does not allow creating orphans", e.Policy)
}
