package transform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"twig/internal/tree"
	"twig/internal/worktree"
)

func setupTransform(t *testing.T) (*Transform, *worktree.WorkTree) {
	t.Helper()
	return setupTransformWithBase(t, nil)
}

func setupTransformWithBase(t *testing.T, base tree.Tree) (*Transform, *worktree.WorkTree) {
	t.Helper()
	wt, err := worktree.Init(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	tr, err := New(wt, base, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Finalize() })
	return tr, wt
}

func writeTree(t *testing.T, wt *worktree.WorkTree, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := wt.Abs(p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func TestTreePathID(t *testing.T) {
	tr, _ := setupTransform(t)

	id := tr.TreePathID("a/b")
	assert.Equal(t, id, tr.TreePathID("a/b"))
	assert.NotEqual(t, id, tr.TreePathID("a"))
	assert.Equal(t, tr.Root(), tr.TreePathID(""))
}

func TestForeignIDRejected(t *testing.T) {
	tr1, _ := setupTransform(t)
	tr2, _ := setupTransform(t)

	id, err := tr1.NewDirectory("d", tr1.Root(), "")
	require.NoError(t, err)

	_, err = tr2.FinalKind(id)
	var unknown *UnknownIDError
	assert.ErrorAs(t, err, &unknown)
}

func TestNewFileStagesEverything(t *testing.T) {
	tr, _ := setupTransform(t)

	id, err := tr.NewFile("hello.txt", tr.Root(), []byte("hello\n"), "file-1", false)
	require.NoError(t, err)

	kind, err := tr.FinalKind(id)
	require.NoError(t, err)
	assert.Equal(t, tree.KindFile, kind)

	name, err := tr.FinalName(id)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", name)

	parent, err := tr.FinalParent(id)
	require.NoError(t, err)
	assert.Equal(t, tr.Root(), parent)

	fid, err := tr.FinalFileID(id)
	require.NoError(t, err)
	assert.Equal(t, "file-1", fid)

	assert.True(t, tr.HasNewContent(id))
	assert.True(t, tr.FinalIsVersioned(id))
}

func TestCreateContentsTwiceFails(t *testing.T) {
	tr, _ := setupTransform(t)

	id, err := tr.CreatePath("f.txt", tr.Root())
	require.NoError(t, err)
	require.NoError(t, tr.CreateFile(id, []byte("one")))

	var dup *DuplicateKeyError
	assert.ErrorAs(t, tr.CreateFile(id, []byte("two")), &dup)
	assert.ErrorAs(t, tr.CreateDirectory(id), &dup)
}

func TestVersionTwiceFails(t *testing.T) {
	tr, _ := setupTransform(t)

	id, err := tr.CreatePath("f.txt", tr.Root())
	require.NoError(t, err)
	require.NoError(t, tr.Version("fid-1", id))

	var dup *DuplicateKeyError
	assert.ErrorAs(t, tr.Version("fid-2", id), &dup)

	other, err := tr.CreatePath("g.txt", tr.Root())
	require.NoError(t, err)
	assert.ErrorAs(t, tr.Version("fid-1", other), &dup)
	assert.Error(t, tr.Version("", other))
}

func TestAdjustPathRootFails(t *testing.T) {
	tr, _ := setupTransform(t)

	assert.ErrorIs(t, tr.AdjustPath("elsewhere", tr.Root(), tr.Root()), ErrCantMoveRoot)
}

func TestBadNamesRejected(t *testing.T) {
	tr, _ := setupTransform(t)

	for _, name := range []string{"", ".", "..", "a/b"} {
		_, err := tr.CreatePath(name, tr.Root())
		assert.Error(t, err, "name %q", name)
	}
}

func TestFinalKindFallsBackToDisk(t *testing.T) {
	tr, wt := setupTransform(t)
	writeTree(t, wt, map[string]string{"on-disk.txt": "x"})

	id := tr.TreePathID("on-disk.txt")
	kind, err := tr.FinalKind(id)
	require.NoError(t, err)
	assert.Equal(t, tree.KindFile, kind)

	require.NoError(t, tr.DeleteContents(id))
	kind, err = tr.FinalKind(id)
	require.NoError(t, err)
	assert.Equal(t, tree.KindAbsent, kind)

	require.NoError(t, tr.CreateDirectory(id))
	kind, err = tr.FinalKind(id)
	require.NoError(t, err)
	assert.Equal(t, tree.KindDir, kind)
}

func TestFinalNameAndParentFromTree(t *testing.T) {
	tr, wt := setupTransform(t)
	writeTree(t, wt, map[string]string{"dir/file.txt": "x"})

	id := tr.TreePathID("dir/file.txt")
	name, err := tr.FinalName(id)
	require.NoError(t, err)
	assert.Equal(t, "file.txt", name)

	parent, err := tr.FinalParent(id)
	require.NoError(t, err)
	assert.Equal(t, tr.TreePathID("dir"), parent)

	rootParent, err := tr.FinalParent(tr.Root())
	require.NoError(t, err)
	assert.Equal(t, RootParent, rootParent)
}

func TestFinalNameMissing(t *testing.T) {
	tr, _ := setupTransform(t)

	id, err := tr.IDForFileID("ghost")
	require.NoError(t, err)

	_, err = tr.FinalName(id)
	var noPath *NoFinalPathError
	assert.ErrorAs(t, err, &noPath)
}

func TestByParentGroupsChildren(t *testing.T) {
	tr, _ := setupTransform(t)

	dir, err := tr.NewDirectory("d", tr.Root(), "dir-id")
	require.NoError(t, err)
	a, err := tr.NewFile("a.txt", dir, []byte("a"), "a-id", false)
	require.NoError(t, err)
	b, err := tr.NewFile("b.txt", dir, []byte("b"), "b-id", false)
	require.NoError(t, err)

	byParent := tr.ByParent()
	assert.ElementsMatch(t, []TransID{a, b}, byParent[dir])
	assert.Contains(t, byParent[tr.Root()], dir)
}

func TestFinalPathsNested(t *testing.T) {
	tr, _ := setupTransform(t)

	dir, err := tr.NewDirectory("d", tr.Root(), "")
	require.NoError(t, err)
	sub, err := tr.NewDirectory("sub", dir, "")
	require.NoError(t, err)
	f, err := tr.NewFile("f.txt", sub, []byte("x"), "", false)
	require.NoError(t, err)

	fp := NewFinalPaths(tr)
	p, err := fp.Path(f)
	require.NoError(t, err)
	assert.Equal(t, "d/sub/f.txt", p)

	rootPath, err := fp.Path(tr.Root())
	require.NoError(t, err)
	assert.Equal(t, "", rootPath)
}

func TestLimboChildStagedInsideParent(t *testing.T) {
	tr, _ := setupTransform(t)

	dir, err := tr.NewDirectory("d", tr.Root(), "")
	require.NoError(t, err)
	child, err := tr.NewFile("f.txt", dir, []byte("x"), "", false)
	require.NoError(t, err)

	dirRec, err := tr.rec(dir)
	require.NoError(t, err)
	childRec, err := tr.rec(child)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dirRec.limboPath, "f.txt"), childRec.limboPath)
	assert.False(t, childRec.needsRename)

	// Moving the child out of its staged parent forces a standalone
	// limbo name.
	require.NoError(t, tr.AdjustPath("f.txt", tr.Root(), child))
	childRec, err = tr.rec(child)
	require.NoError(t, err)
	assert.True(t, childRec.needsRename)
	assert.Equal(t, filepath.Join(tr.limboDir, child.String()), childRec.limboPath)

	data, err := os.ReadFile(childRec.limboPath)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestUnversionAndCancelVersioning(t *testing.T) {
	base := tree.NewMemoryTree()
	require.NoError(t, base.AddFile("f.txt", "fid-f", []byte("x"), false))

	tr, wt := setupTransformWithBase(t, base)
	writeTree(t, wt, map[string]string{"f.txt": "x"})

	id := tr.TreePathID("f.txt")
	assert.True(t, tr.FinalIsVersioned(id))

	require.NoError(t, tr.Unversion(id))
	assert.False(t, tr.FinalIsVersioned(id))

	require.NoError(t, tr.CancelVersioning(id))
	assert.True(t, tr.FinalIsVersioned(id))
}

func TestSetExecutabilityTwiceFails(t *testing.T) {
	tr, wt := setupTransform(t)
	writeTree(t, wt, map[string]string{"run.sh": "#!/bin/sh\n"})

	id := tr.TreePathID("run.sh")
	require.NoError(t, tr.SetExecutability(id, true))

	var dup *DuplicateKeyError
	assert.ErrorAs(t, tr.SetExecutability(id, false), &dup)

	require.NoError(t, tr.CancelExecutability(id))
	require.NoError(t, tr.SetExecutability(id, false))
}

func TestIDForFileID(t *testing.T) {
	base := tree.NewMemoryTree()
	require.NoError(t, base.AddFile("known.txt", "fid-known", []byte("x"), false))

	tr, _ := setupTransformWithBase(t, base)

	id, err := tr.IDForFileID("fid-known")
	require.NoError(t, err)
	assert.Equal(t, tr.TreePathID("known.txt"), id)

	ghost, err := tr.IDForFileID("fid-ghost")
	require.NoError(t, err)
	again, err := tr.IDForFileID("fid-ghost")
	require.NoError(t, err)
	assert.Equal(t, ghost, again)
	assert.NotEqual(t, id, ghost)

	_, err = tr.IDForFileID("")
	assert.Error(t, err)
}

func TestCancelCreationRemovesStagedContent(t *testing.T) {
	tr, _ := setupTransform(t)

	id, err := tr.NewFile("f.txt", tr.Root(), []byte("x"), "", false)
	require.NoError(t, err)
	rec, err := tr.rec(id)
	require.NoError(t, err)
	staged := rec.limboPath

	require.NoError(t, tr.CancelCreation(id))
	assert.False(t, tr.HasNewContent(id))
	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))
}

func TestCancelCreationRelocatesChildren(t *testing.T) {
	tr, _ := setupTransform(t)

	dir, err := tr.NewDirectory("d", tr.Root(), "")
	require.NoError(t, err)
	child, err := tr.NewFile("f.txt", dir, []byte("kept"), "", false)
	require.NoError(t, err)

	require.NoError(t, tr.CancelCreation(dir))

	childRec, err := tr.rec(child)
	require.NoError(t, err)
	assert.True(t, childRec.needsRename)
	data, err := os.ReadFile(childRec.limboPath)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))
}

func TestAvailableBackupName(t *testing.T) {
	tr, wt := setupTransform(t)
	writeTree(t, wt, map[string]string{
		"f.txt":     "x",
		"f.txt.~1~": "old",
	})

	assert.Equal(t, "f.txt.~2~", tr.availableBackupName("f.txt", tr.Root()))

	_, err := tr.NewFile("f.txt.~2~", tr.Root(), []byte("staged"), "", false)
	require.NoError(t, err)
	assert.Equal(t, "f.txt.~3~", tr.availableBackupName("f.txt", tr.Root()))
}

func TestDeleteContentsOnAbsentPathIsNoop(t *testing.T) {
	tr, _ := setupTransform(t)

	id := tr.TreePathID("never-there.txt")
	require.NoError(t, tr.DeleteContents(id))

	kind, err := tr.FinalKind(id)
	require.NoError(t, err)
	assert.Equal(t, tree.KindAbsent, kind)
}
