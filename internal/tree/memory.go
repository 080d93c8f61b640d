package tree

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
)

// RootID is the file identity assigned to the root of a MemoryTree unless
// the caller overrides it.
const RootID = "tree-root"

// MemoryTree is a Tree held entirely in memory. It doubles as a builder:
// Add* methods populate it, the Tree methods read it back.
type MemoryTree struct {
	entries map[string]Entry
	content map[string][]byte
	byID    map[string]string
}

// NewMemoryTree returns a tree containing only a versioned root directory.
func NewMemoryTree() *MemoryTree {
	t := &MemoryTree{
		entries: make(map[string]Entry),
		content: make(map[string][]byte),
		byID:    make(map[string]string),
	}
	t.put(Entry{Path: "", FileID: RootID, Kind: KindDir})
	return t
}

func (t *MemoryTree) put(e Entry) {
	if old, ok := t.entries[e.Path]; ok {
		delete(t.byID, old.FileID)
	}
	t.entries[e.Path] = e
	if e.FileID != "" {
		t.byID[e.FileID] = e.Path
	}
}

func (t *MemoryTree) checkParent(p string) error {
	if p == "" {
		return nil
	}
	parent := path.Dir(p)
	if parent == "." {
		parent = ""
	}
	e, ok := t.entries[parent]
	if !ok {
		return fmt.Errorf("parent of %q not in tree", p)
	}
	if e.Kind != KindDir {
		return fmt.Errorf("parent of %q is not a directory", p)
	}
	return nil
}

// AddDir adds a versioned directory.
func (t *MemoryTree) AddDir(p, fileID string) error {
	if err := t.checkParent(p); err != nil {
		return err
	}
	t.put(Entry{Path: p, FileID: fileID, Kind: KindDir})
	return nil
}

// AddFile adds a versioned file with the given content.
func (t *MemoryTree) AddFile(p, fileID string, content []byte, executable bool) error {
	if err := t.checkParent(p); err != nil {
		return err
	}
	t.put(Entry{
		Path:       p,
		FileID:     fileID,
		Kind:       KindFile,
		Executable: executable,
		Size:       int64(len(content)),
		Hash:       HashContent(content),
	})
	t.content[p] = append([]byte(nil), content...)
	return nil
}

// AddSymlink adds a versioned symbolic link.
func (t *MemoryTree) AddSymlink(p, fileID, target string) error {
	if err := t.checkParent(p); err != nil {
		return err
	}
	t.put(Entry{Path: p, FileID: fileID, Kind: KindSymlink, Target: target})
	return nil
}

// AddTreeRef adds a nested-tree reference pinned to a revision.
func (t *MemoryTree) AddTreeRef(p, fileID, revision string) error {
	if err := t.checkParent(p); err != nil {
		return err
	}
	t.put(Entry{Path: p, FileID: fileID, Kind: KindTreeRef, Reference: revision})
	return nil
}

// SetRootID replaces the file identity of the root entry.
func (t *MemoryTree) SetRootID(fileID string) {
	root := t.entries[""]
	delete(t.byID, root.FileID)
	root.FileID = fileID
	t.put(root)
}

func (t *MemoryTree) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (t *MemoryTree) Kind(p string) Kind {
	e, ok := t.entries[p]
	if !ok {
		return KindAbsent
	}
	return e.Kind
}

func (t *MemoryTree) GetFile(p string) (io.ReadCloser, error) {
	content, ok := t.content[p]
	if !ok {
		return nil, fmt.Errorf("no file content at %q", p)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (t *MemoryTree) SymlinkTarget(p string) (string, error) {
	e, ok := t.entries[p]
	if !ok || e.Kind != KindSymlink {
		return "", fmt.Errorf("no symlink at %q", p)
	}
	return e.Target, nil
}

func (t *MemoryTree) IsExecutable(p string) bool {
	return t.entries[p].Executable
}

func (t *MemoryTree) FileID(p string) (string, bool) {
	e, ok := t.entries[p]
	if !ok || e.FileID == "" {
		return "", false
	}
	return e.FileID, true
}

func (t *MemoryTree) PathForID(fileID string) (string, bool) {
	p, ok := t.byID[fileID]
	return p, ok
}

func (t *MemoryTree) Reference(p string) (string, bool) {
	e, ok := t.entries[p]
	if !ok || e.Kind != KindTreeRef {
		return "", false
	}
	return e.Reference, true
}
