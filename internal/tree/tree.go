// Package tree defines the read-only versioned tree consumed by the
// transform engine, plus the in-memory implementation used by the
// snapshot store and by tests.
package tree

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path"
)

// Kind classifies the content found at a path.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindFile
	KindDir
	KindSymlink
	KindTreeRef
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindTreeRef:
		return "tree-reference"
	default:
		return "absent"
	}
}

// Entry describes one versioned path in a tree. Paths are slash-separated
// and relative to the tree root; the root itself is the empty path.
type Entry struct {
	Path       string `json:"path"`
	FileID     string `json:"file_id"`
	Kind       Kind   `json:"kind"`
	Executable bool   `json:"executable,omitempty"`
	Target     string `json:"target,omitempty"`    // symlink target
	Reference  string `json:"reference,omitempty"` // revision for tree references
	Size       int64  `json:"size,omitempty"`
	Hash       string `json:"hash,omitempty"` // content hash, files only
}

// Tree is a read-only versioned tree: the data source side of a transform.
// Implementations must return entries sorted by path, parents before
// children, with the root entry (empty path) first.
type Tree interface {
	Entries() []Entry
	Kind(path string) Kind
	GetFile(path string) (io.ReadCloser, error)
	SymlinkTarget(path string) (string, error)
	IsExecutable(path string) bool
	FileID(path string) (string, bool)
	PathForID(fileID string) (string, bool)
	Reference(path string) (string, bool)
}

// HashContent returns the hex sha256 of content. It is the content identity
// used by the snapshot vault and by tree comparisons.
func HashContent(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// JoinPath joins tree-relative paths, treating the root specially.
func JoinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return path.Join(parent, child)
}
