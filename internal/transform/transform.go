// Package transform stages arbitrary reshapings of a working tree as an
// in-memory graph of prospective files, checks the staged shape against
// tree invariants, repairs what it can, and then applies the survivors
// to disk in two rename phases with full rollback on failure.
package transform

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"twig/internal/tree"
	"twig/internal/worktree"
)

// TransID identifies one prospective file within a transform. Ids are
// only meaningful to the transform that allocated them; the zero value
// is invalid.
type TransID struct {
	idx int32
	gen uint32
}

// RootParent is the notional parent of the tree root.
var RootParent = TransID{idx: -1, gen: ^uint32(0)}

func (id TransID) String() string {
	switch {
	case id == RootParent:
		return "root-parent"
	case id.gen == 0:
		return "invalid-id"
	default:
		return fmt.Sprintf("new-%d", id.idx)
	}
}

func sortIDs(ids []TransID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].idx < ids[j].idx })
}

// record holds everything scheduled for one id. Unset aspects fall back
// to the state of the existing tree path the id is bound to, if any.
type record struct {
	name      string
	parent    TransID
	hasName   bool
	hasParent bool

	kind       tree.Kind
	hasContent bool
	reference  string

	removedContent bool

	fileID            string
	hasFileID         bool
	removedVersioning bool

	exec    bool
	hasExec bool

	treePath    string
	hasTreePath bool

	limboPath   string
	hasLimbo    bool
	needsRename bool
}

// Transform stages changes against a single worktree. It is not safe
// for concurrent use; callers serialize access.
type Transform struct {
	wt     *worktree.WorkTree
	base   tree.Tree
	logger *zap.Logger

	gen     uint32
	entries []record
	root    TransID

	treePathIDs   map[string]TransID
	nonPresentIDs map[string]TransID
	newIDs        map[string]TransID

	limboDir           string
	pendingDeletionDir string
	limboChildren      map[TransID]map[TransID]bool
	limboChildrenNames map[TransID]map[string]TransID
	possiblyStale      []string

	orphanPolicy OrphanPolicy
	moverRename  func(from, to string) error

	renameCount int
	done        bool
	finalized   bool
}

var transformGen uint32

// New starts a transform against wt. The base tree supplies the
// versioned state of the worktree; nil means nothing is versioned yet.
// The limbo and pending-deletion scratch directories must not contain
// leftovers from an earlier crashed transform.
func New(wt *worktree.WorkTree, base tree.Tree, logger *zap.Logger) (*Transform, error) {
	if base == nil {
		base = tree.NewMemoryTree()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limboDir := wt.LimboDir()
	if err := worktree.EnsureEmptyDir(limboDir); err != nil {
		return nil, &ExistingLimboError{Dir: limboDir, Err: err}
	}
	pendingDir := wt.PendingDeletionDir()
	if err := worktree.EnsureEmptyDir(pendingDir); err != nil {
		return nil, &ExistingPendingDeletionError{Dir: pendingDir, Err: err}
	}

	transformGen++
	t := &Transform{
		wt:                 wt,
		base:               base,
		logger:             logger,
		gen:                transformGen,
		treePathIDs:        make(map[string]TransID),
		nonPresentIDs:      make(map[string]TransID),
		newIDs:             make(map[string]TransID),
		limboDir:           limboDir,
		pendingDeletionDir: pendingDir,
		limboChildren:      make(map[TransID]map[TransID]bool),
		limboChildrenNames: make(map[TransID]map[string]TransID),
		orphanPolicy:       RefuseOrphan,
		moverRename:        os.Rename,
	}
	t.root = t.TreePathID("")
	return t, nil
}

// Root returns the id bound to the tree root.
func (t *Transform) Root() TransID { return t.root }

// SetOrphanPolicy replaces the policy consulted when conflict
// resolution wants to orphan unversioned files.
func (t *Transform) SetOrphanPolicy(policy OrphanPolicy) {
	t.orphanPolicy = policy
}

func (t *Transform) assignID() TransID {
	t.entries = append(t.entries, record{})
	return TransID{idx: int32(len(t.entries) - 1), gen: t.gen}
}

func (t *Transform) rec(id TransID) (*record, error) {
	if id.gen != t.gen || id.idx < 0 || int(id.idx) >= len(t.entries) {
		return nil, &UnknownIDError{ID: id}
	}
	return &t.entries[id.idx], nil
}

func (t *Transform) checkParentID(parent TransID) error {
	if parent == RootParent {
		return nil
	}
	_, err := t.rec(parent)
	return err
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("invalid entry name %q", name)
	}
	return nil
}

func canonicalPath(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

func parentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// TreePathID returns the id bound to an existing tree path, binding it
// first if needed. Calling it twice with the same path returns the same
// id.
func (t *Transform) TreePathID(p string) TransID {
	p = canonicalPath(p)
	if id, ok := t.treePathIDs[p]; ok {
		return id
	}
	id := t.assignID()
	t.entries[id.idx].treePath = p
	t.entries[id.idx].hasTreePath = true
	t.treePathIDs[p] = id
	return id
}

// IDForFileID returns the id associated with a file identity. Ids for
// identities not present in the base tree are remembered, so repeated
// calls return the same id.
func (t *Transform) IDForFileID(fileID string) (TransID, error) {
	if fileID == "" {
		return TransID{}, fmt.Errorf("file id must not be empty")
	}
	if p, ok := t.base.PathForID(fileID); ok {
		return t.TreePathID(p), nil
	}
	if id, ok := t.nonPresentIDs[fileID]; ok {
		return id, nil
	}
	id := t.assignID()
	t.nonPresentIDs[fileID] = id
	return id, nil
}

// inactiveFileID returns the file identity an id carried before this
// transform: the one from the base tree, or the not-present identity it
// was looked up by.
func (t *Transform) inactiveFileID(id TransID) string {
	if fid, ok := t.TreeFileID(id); ok {
		return fid
	}
	for fid, tid := range t.nonPresentIDs {
		if tid == id {
			return fid
		}
	}
	return ""
}

// CreatePath allocates an id for a new path with the given name and
// parent.
func (t *Transform) CreatePath(name string, parent TransID) (TransID, error) {
	if t.done {
		return TransID{}, ErrReusingTransform
	}
	if err := checkName(name); err != nil {
		return TransID{}, err
	}
	if err := t.checkParentID(parent); err != nil {
		return TransID{}, err
	}
	id := t.assignID()
	e := &t.entries[id.idx]
	e.name, e.hasName = name, true
	e.parent, e.hasParent = parent, true
	return id, nil
}

// AdjustPath changes the final name and parent of an id. Content
// already staged in limbo is relocated so that it still lands at the
// right place.
func (t *Transform) AdjustPath(name string, parent, id TransID) error {
	if t.done {
		return ErrReusingTransform
	}
	if err := checkName(name); err != nil {
		return err
	}
	if err := t.checkParentID(parent); err != nil {
		return err
	}
	e, err := t.rec(id)
	if err != nil {
		return err
	}
	if id == t.root {
		return ErrCantMoveRoot
	}

	prevName, prevParent, hadPath := e.name, e.parent, e.hasParent
	e.name, e.hasName = name, true
	e.parent, e.hasParent = parent, true

	if e.hasLimbo && !e.needsRename {
		// The limbo location was derived from the old name and parent.
		if err := t.renameInLimbo([]TransID{id}); err != nil {
			return err
		}
		if hadPath && prevParent != parent {
			delete(t.limboChildren[prevParent], id)
		}
		if hadPath && (prevParent != parent || prevName != name) {
			if names := t.limboChildrenNames[prevParent]; names[prevName] == id {
				delete(names, prevName)
			}
		}
	}
	return nil
}

// Version schedules an id to become versioned under the given file
// identity.
func (t *Transform) Version(fileID string, id TransID) error {
	if t.done {
		return ErrReusingTransform
	}
	if fileID == "" {
		return fmt.Errorf("file id must not be empty")
	}
	e, err := t.rec(id)
	if err != nil {
		return err
	}
	if e.hasFileID {
		return &DuplicateKeyError{Key: "versioning of " + id.String()}
	}
	if _, ok := t.newIDs[fileID]; ok {
		return &DuplicateKeyError{Key: fmt.Sprintf("file id %q", fileID)}
	}
	e.fileID, e.hasFileID = fileID, true
	t.newIDs[fileID] = id
	return nil
}

// Unversion schedules an id to stop being versioned.
func (t *Transform) Unversion(id TransID) error {
	if t.done {
		return ErrReusingTransform
	}
	e, err := t.rec(id)
	if err != nil {
		return err
	}
	e.removedVersioning = true
	return nil
}

// CancelVersioning undoes an earlier Version call.
func (t *Transform) CancelVersioning(id TransID) error {
	e, err := t.rec(id)
	if err != nil {
		return err
	}
	if !e.hasFileID {
		return fmt.Errorf("%s is not scheduled for versioning", id)
	}
	delete(t.newIDs, e.fileID)
	e.fileID, e.hasFileID = "", false
	return nil
}

// DeleteContents schedules the existing contents at an id's tree path
// for deletion. Ids without existing contents are left alone.
func (t *Transform) DeleteContents(id TransID) error {
	if t.done {
		return ErrReusingTransform
	}
	e, err := t.rec(id)
	if err != nil {
		return err
	}
	if t.TreeKind(id) != tree.KindAbsent {
		e.removedContent = true
	}
	return nil
}

// CancelDeletion undoes an earlier DeleteContents call.
func (t *Transform) CancelDeletion(id TransID) error {
	e, err := t.rec(id)
	if err != nil {
		return err
	}
	if !e.removedContent {
		return fmt.Errorf("contents of %s are not scheduled for deletion", id)
	}
	e.removedContent = false
	return nil
}

// DeleteVersioned schedules both content deletion and unversioning.
func (t *Transform) DeleteVersioned(id TransID) error {
	if err := t.DeleteContents(id); err != nil {
		return err
	}
	return t.Unversion(id)
}

func (t *Transform) startCreation(id TransID) (*record, error) {
	if t.done {
		return nil, ErrReusingTransform
	}
	e, err := t.rec(id)
	if err != nil {
		return nil, err
	}
	if e.hasContent {
		return nil, &DuplicateKeyError{Key: "contents of " + id.String()}
	}
	return e, nil
}

// CreateFile stages new file contents for an id in limbo.
func (t *Transform) CreateFile(id TransID, content []byte) error {
	e, err := t.startCreation(id)
	if err != nil {
		return err
	}
	name := t.limboName(id)
	if err := os.WriteFile(name, content, 0644); err != nil {
		return fmt.Errorf("staging file contents: %w", err)
	}
	e.kind, e.hasContent = tree.KindFile, true
	return nil
}

// CreateDirectory stages a new directory for an id in limbo.
func (t *Transform) CreateDirectory(id TransID) error {
	e, err := t.startCreation(id)
	if err != nil {
		return err
	}
	if err := os.Mkdir(t.limboName(id), 0755); err != nil {
		return fmt.Errorf("staging directory: %w", err)
	}
	e.kind, e.hasContent = tree.KindDir, true
	return nil
}

// CreateSymlink stages a new symbolic link for an id in limbo.
func (t *Transform) CreateSymlink(id TransID, target string) error {
	e, err := t.startCreation(id)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, t.limboName(id)); err != nil {
		return fmt.Errorf("staging symlink: %w", err)
	}
	e.kind, e.hasContent = tree.KindSymlink, true
	return nil
}

// CreateTreeReference stages a nested-tree reference, which appears on
// disk as a directory.
func (t *Transform) CreateTreeReference(id TransID, revision string) error {
	e, err := t.startCreation(id)
	if err != nil {
		return err
	}
	if err := os.Mkdir(t.limboName(id), 0755); err != nil {
		return fmt.Errorf("staging tree reference: %w", err)
	}
	e.kind, e.hasContent = tree.KindTreeRef, true
	e.reference = revision
	return nil
}

// CreateHardlink stages a hard link to an existing file, used to build
// trees cheaply from a local source.
func (t *Transform) CreateHardlink(id TransID, source string) error {
	e, err := t.startCreation(id)
	if err != nil {
		return err
	}
	if err := os.Link(source, t.limboName(id)); err != nil {
		return fmt.Errorf("hard linking %s: %w", source, err)
	}
	e.kind, e.hasContent = tree.KindFile, true
	return nil
}

// CancelCreation discards contents staged for an id. Staged children
// that were riding along inside a staged directory are moved to their
// own limbo homes first.
func (t *Transform) CancelCreation(id TransID) error {
	e, err := t.rec(id)
	if err != nil {
		return err
	}
	if !e.hasContent {
		return fmt.Errorf("no contents staged for %s", id)
	}
	e.kind, e.hasContent = tree.KindAbsent, false
	e.reference = ""

	if children := t.limboChildren[id]; len(children) > 0 {
		ids := make([]TransID, 0, len(children))
		for child := range children {
			ids = append(ids, child)
		}
		sortIDs(ids)
		if err := t.renameInLimbo(ids); err != nil {
			return err
		}
		delete(t.limboChildren, id)
		delete(t.limboChildrenNames, id)
	}
	if e.hasLimbo {
		if err := deleteAny(e.limboPath); err != nil && !worktree.IsNoEnt(err) {
			return err
		}
	}
	return nil
}

// SetExecutability schedules the executable bit for an id. It only has
// an effect on files.
func (t *Transform) SetExecutability(id TransID, executable bool) error {
	if t.done {
		return ErrReusingTransform
	}
	e, err := t.rec(id)
	if err != nil {
		return err
	}
	if e.hasExec {
		return &DuplicateKeyError{Key: "executability of " + id.String()}
	}
	e.exec, e.hasExec = executable, true
	return nil
}

// CancelExecutability undoes an earlier SetExecutability call.
func (t *Transform) CancelExecutability(id TransID) error {
	e, err := t.rec(id)
	if err != nil {
		return err
	}
	e.exec, e.hasExec = false, false
	return nil
}

func (t *Transform) newEntry(name string, parent TransID, fileID string) (TransID, error) {
	id, err := t.CreatePath(name, parent)
	if err != nil {
		return TransID{}, err
	}
	if fileID != "" {
		if err := t.Version(fileID, id); err != nil {
			return TransID{}, err
		}
	}
	return id, nil
}

// NewFile creates a new file in one call. An empty fileID leaves the
// file unversioned.
func (t *Transform) NewFile(name string, parent TransID, content []byte, fileID string, executable bool) (TransID, error) {
	id, err := t.newEntry(name, parent, fileID)
	if err != nil {
		return TransID{}, err
	}
	if err := t.CreateFile(id, content); err != nil {
		return TransID{}, err
	}
	if executable {
		if err := t.SetExecutability(id, true); err != nil {
			return TransID{}, err
		}
	}
	return id, nil
}

// NewDirectory creates a new directory in one call.
func (t *Transform) NewDirectory(name string, parent TransID, fileID string) (TransID, error) {
	id, err := t.newEntry(name, parent, fileID)
	if err != nil {
		return TransID{}, err
	}
	if err := t.CreateDirectory(id); err != nil {
		return TransID{}, err
	}
	return id, nil
}

// NewSymlink creates a new symbolic link in one call.
func (t *Transform) NewSymlink(name string, parent TransID, target, fileID string) (TransID, error) {
	id, err := t.newEntry(name, parent, fileID)
	if err != nil {
		return TransID{}, err
	}
	if err := t.CreateSymlink(id, target); err != nil {
		return TransID{}, err
	}
	return id, nil
}

// TreePath returns the existing tree path an id is bound to.
func (t *Transform) TreePath(id TransID) (string, bool) {
	e, err := t.rec(id)
	if err != nil || !e.hasTreePath {
		return "", false
	}
	return e.treePath, true
}

// TreeKind reports what currently sits on disk at an id's tree path.
func (t *Transform) TreeKind(id TransID) tree.Kind {
	p, ok := t.TreePath(id)
	if !ok {
		return tree.KindAbsent
	}
	return t.wt.Kind(p)
}

// TreeFileID returns the file identity the base tree records for an
// id's tree path.
func (t *Transform) TreeFileID(id TransID) (string, bool) {
	p, ok := t.TreePath(id)
	if !ok {
		return "", false
	}
	return t.base.FileID(p)
}

// FinalKind reports the content kind an id will have once the transform
// is applied. KindAbsent means no contents will exist.
func (t *Transform) FinalKind(id TransID) (tree.Kind, error) {
	e, err := t.rec(id)
	if err != nil {
		return tree.KindAbsent, err
	}
	if e.hasContent {
		return e.kind, nil
	}
	if e.removedContent {
		return tree.KindAbsent, nil
	}
	return t.TreeKind(id), nil
}

// FinalName reports the name an id will have once applied.
func (t *Transform) FinalName(id TransID) (string, error) {
	e, err := t.rec(id)
	if err != nil {
		return "", err
	}
	if e.hasName {
		return e.name, nil
	}
	if e.hasTreePath {
		if e.treePath == "" {
			return "", nil
		}
		return path.Base(e.treePath), nil
	}
	return "", &NoFinalPathError{ID: id}
}

// FinalParent reports the parent id once applied, falling back to the
// bound tree path's parent. The root's parent is RootParent.
func (t *Transform) FinalParent(id TransID) (TransID, error) {
	e, err := t.rec(id)
	if err != nil {
		return TransID{}, err
	}
	if e.hasParent {
		return e.parent, nil
	}
	return t.treeParent(id)
}

// treeParent is the parent an id has in the existing tree, ignoring any
// staged moves.
func (t *Transform) treeParent(id TransID) (TransID, error) {
	e, err := t.rec(id)
	if err != nil {
		return TransID{}, err
	}
	if !e.hasTreePath {
		return TransID{}, &NoFinalPathError{ID: id}
	}
	if e.treePath == "" {
		return RootParent, nil
	}
	return t.TreePathID(parentPath(e.treePath)), nil
}

// FinalFileID reports the file identity once applied; empty means the
// id will not be versioned.
func (t *Transform) FinalFileID(id TransID) (string, error) {
	e, err := t.rec(id)
	if err != nil {
		return "", err
	}
	if e.hasFileID {
		return e.fileID, nil
	}
	if e.removedVersioning {
		return "", nil
	}
	fid, _ := t.TreeFileID(id)
	return fid, nil
}

// FinalIsVersioned reports whether the id will be versioned once
// applied.
func (t *Transform) FinalIsVersioned(id TransID) bool {
	fid, err := t.FinalFileID(id)
	return err == nil && fid != ""
}

// Reference reports the revision a staged tree reference points at.
func (t *Transform) Reference(id TransID) (string, bool) {
	e, err := t.rec(id)
	if err != nil || e.kind != tree.KindTreeRef || !e.hasContent {
		return "", false
	}
	return e.reference, true
}

// PathChanged reports whether an id has been given a new name or
// parent.
func (t *Transform) PathChanged(id TransID) bool {
	e, err := t.rec(id)
	if err != nil {
		return false
	}
	return e.hasName || e.hasParent
}

// HasNewContent reports whether contents are staged for an id.
func (t *Transform) HasNewContent(id TransID) bool {
	e, err := t.rec(id)
	if err != nil {
		return false
	}
	return e.hasContent
}

// ByParent maps each known parent to its children, both staged and
// existing. Children are in id allocation order.
func (t *Transform) ByParent() map[TransID][]TransID {
	children := make(map[TransID][]TransID)
	seen := make(map[TransID]map[TransID]bool)
	add := func(parent, child TransID) {
		if seen[parent] == nil {
			seen[parent] = make(map[TransID]bool)
		}
		if seen[parent][child] {
			return
		}
		seen[parent][child] = true
		children[parent] = append(children[parent], child)
	}

	n := len(t.entries)
	for i := 0; i < n; i++ {
		id := TransID{idx: int32(i), gen: t.gen}
		if t.entries[i].hasParent {
			add(t.entries[i].parent, id)
		} else if t.entries[i].hasTreePath {
			parent, err := t.FinalParent(id)
			if err == nil {
				add(parent, id)
			}
		}
	}
	for parent := range children {
		sortIDs(children[parent])
	}
	return children
}

// limboName returns the limbo location for an id's staged contents,
// deciding it on first use.
func (t *Transform) limboName(id TransID) string {
	e := &t.entries[id.idx]
	if e.hasLimbo {
		return e.limboPath
	}
	p := t.generateLimboPath(id)
	e.limboPath, e.hasLimbo = p, true
	return p
}

// generateLimboPath prefers placing a child directly inside its staged
// parent directory in limbo, so the whole subtree rides along in a
// single rename at apply time. Anything else gets a standalone home
// named after the id and is renamed into place individually.
func (t *Transform) generateLimboPath(id TransID) string {
	e := &t.entries[id.idx]
	if e.hasName && e.hasParent && e.parent != RootParent {
		parent := e.parent
		pe := &t.entries[parent.idx]
		if pe.hasContent && pe.kind == tree.KindDir && pe.hasLimbo {
			useDirect := false
			if t.limboChildren[parent] == nil {
				t.limboChildren[parent] = make(map[TransID]bool)
				t.limboChildrenNames[parent] = make(map[string]TransID)
				useDirect = true
			} else if owner, taken := t.limboChildrenNames[parent][e.name]; !taken || owner == id {
				useDirect = true
			}
			if useDirect {
				t.limboChildren[parent][id] = true
				t.limboChildrenNames[parent][e.name] = id
				return filepath.Join(pe.limboPath, e.name)
			}
		}
	}
	e.needsRename = true
	return filepath.Join(t.limboDir, id.String())
}

// renameInLimbo moves staged contents to freshly computed limbo homes
// after the name or parent they were derived from changed.
func (t *Transform) renameInLimbo(ids []TransID) error {
	for _, id := range ids {
		e := &t.entries[id.idx]
		if !e.hasLimbo {
			continue
		}
		oldPath := e.limboPath
		t.possiblyStale = append(t.possiblyStale, oldPath)
		e.limboPath, e.hasLimbo = "", false
		if !e.hasContent {
			continue
		}
		newPath := t.limboName(id)
		if err := os.Rename(oldPath, newPath); err != nil {
			return &RenameFailedError{From: oldPath, To: newPath, Err: err}
		}
		t.possiblyStale = t.possiblyStale[:len(t.possiblyStale)-1]
		for _, desc := range t.limboDescendants(id) {
			de := &t.entries[desc.idx]
			if de.hasLimbo && strings.HasPrefix(de.limboPath, oldPath) {
				de.limboPath = newPath + de.limboPath[len(oldPath):]
			}
		}
	}
	return nil
}

// limboDescendants returns every id whose limbo home sits below the
// given id's.
func (t *Transform) limboDescendants(id TransID) []TransID {
	var out []TransID
	for child := range t.limboChildren[id] {
		out = append(out, child)
		out = append(out, t.limboDescendants(child)...)
	}
	return out
}

// availableBackupName picks "name.~N~" with the lowest N that collides
// with nothing known to the transform, the base tree or the disk.
func (t *Transform) availableBackupName(name string, parent TransID) string {
	children := t.ByParent()[parent]
	taken := func(candidate string) bool {
		for _, child := range children {
			n, err := t.FinalName(child)
			if err == nil && n == candidate {
				return true
			}
		}
		parentDir, ok := t.TreePath(parent)
		if !ok {
			return false
		}
		childPath := tree.JoinPath(parentDir, candidate)
		if _, bound := t.treePathIDs[childPath]; bound {
			return true
		}
		return t.wt.Kind(childPath) != tree.KindAbsent
	}
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s.~%d~", name, counter)
		if !taken(candidate) {
			return candidate
		}
	}
}

// deleteAny removes a file, symlink or empty directory.
func deleteAny(path string) error {
	return os.Remove(path)
}
