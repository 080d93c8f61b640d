package snapshot

import (
	"bytes"
	"fmt"
	"io"

	"twig/internal/tree"
)

// snapshotTree serves a recorded manifest through the tree.Tree
// interface. Structure and metadata come from the manifest; file content
// comes from the vault on demand.
type snapshotTree struct {
	entries []tree.Entry
	byPath  map[string]tree.Entry
	byID    map[string]string
	vault   *Vault
}

func newSnapshotTree(m *Manifest, vault *Vault) *snapshotTree {
	st := &snapshotTree{
		entries: m.Entries,
		byPath:  make(map[string]tree.Entry, len(m.Entries)),
		byID:    make(map[string]string, len(m.Entries)),
		vault:   vault,
	}
	for _, e := range m.Entries {
		st.byPath[e.Path] = e
		if e.FileID != "" {
			st.byID[e.FileID] = e.Path
		}
	}
	return st
}

func (t *snapshotTree) Entries() []tree.Entry {
	return append([]tree.Entry(nil), t.entries...)
}

func (t *snapshotTree) Kind(p string) tree.Kind {
	e, ok := t.byPath[p]
	if !ok {
		return tree.KindAbsent
	}
	return e.Kind
}

func (t *snapshotTree) GetFile(p string) (io.ReadCloser, error) {
	e, ok := t.byPath[p]
	if !ok || e.Kind != tree.KindFile {
		return nil, fmt.Errorf("no file at %q", p)
	}
	content, err := t.vault.Get(e.Hash)
	if err != nil {
		return nil, fmt.Errorf("content of %q: %w", p, err)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (t *snapshotTree) SymlinkTarget(p string) (string, error) {
	e, ok := t.byPath[p]
	if !ok || e.Kind != tree.KindSymlink {
		return "", fmt.Errorf("no symlink at %q", p)
	}
	return e.Target, nil
}

func (t *snapshotTree) IsExecutable(p string) bool {
	return t.byPath[p].Executable
}

func (t *snapshotTree) FileID(p string) (string, bool) {
	e, ok := t.byPath[p]
	if !ok || e.FileID == "" {
		return "", false
	}
	return e.FileID, true
}

func (t *snapshotTree) PathForID(fileID string) (string, bool) {
	p, ok := t.byID[fileID]
	return p, ok
}

func (t *snapshotTree) Reference(p string) (string, bool) {
	e, ok := t.byPath[p]
	if !ok || e.Kind != tree.KindTreeRef {
		return "", false
	}
	return e.Reference, true
}
