package transform

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

type renameOp struct {
	from, to string
}

// fileMover performs the renames and deletions of an apply while
// journaling them, so a failed apply can put every moved file back.
type fileMover struct {
	rename           func(from, to string) error
	pastRenames      []renameOp
	pendingDeletions []string
}

func newFileMover(rename func(from, to string) error) *fileMover {
	if rename == nil {
		rename = os.Rename
	}
	return &fileMover{rename: rename}
}

func isExistsErr(err error) bool {
	return errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOTEMPTY)
}

// Rename moves from to to and journals the move. A destination that is
// already occupied reports FileExistsError; everything else reports
// RenameFailedError with both paths, since the os error usually names
// only one.
func (m *fileMover) Rename(from, to string) error {
	if err := m.rename(from, to); err != nil {
		if isExistsErr(err) {
			return &FileExistsError{Path: to, Err: err}
		}
		return &RenameFailedError{From: from, To: to, Err: err}
	}
	m.pastRenames = append(m.pastRenames, renameOp{from: from, to: to})
	return nil
}

// PreDelete moves a file out of the way and marks it for deletion once
// the apply commits.
func (m *fileMover) PreDelete(from, to string) error {
	if err := m.Rename(from, to); err != nil {
		return err
	}
	m.pendingDeletions = append(m.pendingDeletions, to)
	return nil
}

// Rollback reverses every journaled rename, newest first. The mover
// must not be reused afterwards.
func (m *fileMover) Rollback() error {
	for i := len(m.pastRenames) - 1; i >= 0; i-- {
		op := m.pastRenames[i]
		if err := os.Rename(op.to, op.from); err != nil {
			return &RenameFailedError{From: op.to, To: op.from, Err: err}
		}
	}
	m.pastRenames = nil
	m.pendingDeletions = nil
	return nil
}

// ApplyDeletions deletes everything moved aside by PreDelete. The mover
// must not be reused afterwards.
func (m *fileMover) ApplyDeletions() error {
	for _, p := range m.pendingDeletions {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	m.pastRenames = nil
	m.pendingDeletions = nil
	return nil
}
