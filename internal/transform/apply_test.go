package transform

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"twig/internal/tree"
	"twig/internal/worktree"
)

func TestApplyCreates(t *testing.T) {
	tr, wt := setupTransform(t)

	dir, err := tr.NewDirectory("src", tr.Root(), "")
	require.NoError(t, err)
	_, err = tr.NewFile("main.go", dir, []byte("package main\n"), "", false)
	require.NoError(t, err)
	_, err = tr.NewSymlink("link", tr.Root(), "src/main.go", "")
	require.NoError(t, err)
	_, err = tr.NewFile("run.sh", tr.Root(), []byte("#!/bin/sh\n"), "", true)
	require.NoError(t, err)

	result, err := tr.Apply(nil)
	require.NoError(t, err)

	data, err := os.ReadFile(wt.Abs("src/main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	target, err := os.Readlink(wt.Abs("link"))
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", target)

	assert.True(t, wt.IsExecutable("run.sh"))

	// main.go rides along inside the staged src directory, so only the
	// renamed entries show up.
	assert.Equal(t, []string{"link", "run.sh", "src"}, result.ModifiedPaths)
	assert.Equal(t, 3, result.RenameCount)

	_, err = os.Stat(wt.LimboDir())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(wt.PendingDeletionDir())
	assert.True(t, os.IsNotExist(err))
}

func TestApplyMoveAndDelete(t *testing.T) {
	base := tree.NewMemoryTree()
	require.NoError(t, base.AddFile("old.txt", "fid-old", []byte("content"), false))
	require.NoError(t, base.AddFile("gone.txt", "fid-gone", []byte("bye"), false))

	tr, wt := setupTransformWithBase(t, base)
	writeTree(t, wt, map[string]string{"old.txt": "content", "gone.txt": "bye"})

	require.NoError(t, tr.AdjustPath("renamed.txt", tr.Root(), tr.TreePathID("old.txt")))
	require.NoError(t, tr.DeleteVersioned(tr.TreePathID("gone.txt")))

	result, err := tr.Apply(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RenameCount)
	assert.Empty(t, result.ModifiedPaths)

	assert.Equal(t, tree.KindAbsent, wt.Kind("old.txt"))
	assert.Equal(t, tree.KindAbsent, wt.Kind("gone.txt"))
	data, err := os.ReadFile(wt.Abs("renamed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestApplyReplacesChangedContents(t *testing.T) {
	base := tree.NewMemoryTree()
	require.NoError(t, base.AddFile("f.txt", "fid-f", []byte("v1"), false))

	tr, wt := setupTransformWithBase(t, base)
	writeTree(t, wt, map[string]string{"f.txt": "v1"})

	id := tr.TreePathID("f.txt")
	require.NoError(t, tr.DeleteContents(id))
	require.NoError(t, tr.CreateFile(id, []byte("v2")))

	result, err := tr.Apply(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt"}, result.ModifiedPaths)

	data, err := os.ReadFile(wt.Abs("f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestApplyTwiceFails(t *testing.T) {
	tr, _ := setupTransform(t)

	_, err := tr.NewFile("f.txt", tr.Root(), []byte("x"), "", false)
	require.NoError(t, err)

	_, err = tr.Apply(nil)
	require.NoError(t, err)

	_, err = tr.Apply(nil)
	assert.ErrorIs(t, err, ErrReusingTransform)
	_, err = tr.FindConflicts()
	assert.ErrorIs(t, err, ErrReusingTransform)
}

func TestApplyRefusesConflicted(t *testing.T) {
	tr, wt := setupTransform(t)

	_, err := tr.NewFile("same.txt", tr.Root(), []byte("a"), "", false)
	require.NoError(t, err)
	_, err = tr.NewFile("same.txt", tr.Root(), []byte("b"), "", false)
	require.NoError(t, err)

	_, err = tr.Apply(nil)
	var malformed *MalformedTransformError
	require.ErrorAs(t, err, &malformed)
	require.Len(t, malformed.Conflicts, 1)

	_, err = ResolveConflicts(tr, nil)
	require.NoError(t, err)
	_, err = tr.Apply(nil)
	require.NoError(t, err)

	data, err := os.ReadFile(wt.Abs("same.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
	data, err = os.ReadFile(wt.Abs("same.txt.moved"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	base := tree.NewMemoryTree()
	require.NoError(t, base.AddFile("a.txt", "fid-a", []byte("a"), false))
	require.NoError(t, base.AddFile("b.txt", "fid-b", []byte("b"), false))

	tr, wt := setupTransformWithBase(t, base)
	writeTree(t, wt, map[string]string{"a.txt": "a", "b.txt": "b"})

	require.NoError(t, tr.AdjustPath("a-renamed.txt", tr.Root(), tr.TreePathID("a.txt")))
	require.NoError(t, tr.AdjustPath("b-renamed.txt", tr.Root(), tr.TreePathID("b.txt")))

	calls := 0
	tr.moverRename = func(from, to string) error {
		calls++
		if calls == 3 {
			return errors.New("disk full")
		}
		return os.Rename(from, to)
	}

	_, err := tr.Apply(nil)
	require.Error(t, err)

	// Both files are back at their original paths.
	data, err := os.ReadFile(wt.Abs("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
	data, err = os.ReadFile(wt.Abs("b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
	assert.Equal(t, tree.KindAbsent, wt.Kind("a-renamed.txt"))
	assert.Equal(t, tree.KindAbsent, wt.Kind("b-renamed.txt"))
}

func TestApplyCollisionRollsBack(t *testing.T) {
	tr, wt := setupTransform(t)
	writeTree(t, wt, map[string]string{"d/existing.txt": "keep"})

	dir, err := tr.NewDirectory("d", tr.Root(), "")
	require.NoError(t, err)
	_, err = tr.NewFile("new.txt", dir, []byte("n"), "", false)
	require.NoError(t, err)

	_, err = tr.Apply(&ApplyOptions{SkipConflictCheck: true})
	var exists *FileExistsError
	require.ErrorAs(t, err, &exists)

	data, err := os.ReadFile(wt.Abs("d/existing.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
	assert.Equal(t, tree.KindAbsent, wt.Kind("d/new.txt"))
}

func TestApplyExecutabilityChange(t *testing.T) {
	tr, wt := setupTransform(t)
	writeTree(t, wt, map[string]string{"tool.sh": "#!/bin/sh\n"})

	require.NoError(t, tr.SetExecutability(tr.TreePathID("tool.sh"), true))
	_, err := tr.Apply(nil)
	require.NoError(t, err)
	assert.True(t, wt.IsExecutable("tool.sh"))

	tr2, err := New(wt, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tr2.SetExecutability(tr2.TreePathID("tool.sh"), false))
	_, err = tr2.Apply(nil)
	require.NoError(t, err)
	assert.False(t, wt.IsExecutable("tool.sh"))
}

func TestFinalizeCleansScratch(t *testing.T) {
	wt, err := worktree.Init(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	tr, err := New(wt, nil, zap.NewNop())
	require.NoError(t, err)
	_, err = tr.NewFile("staged.txt", tr.Root(), []byte("x"), "", false)
	require.NoError(t, err)
	require.NoError(t, tr.Finalize())

	_, err = os.Stat(wt.LimboDir())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(wt.PendingDeletionDir())
	assert.True(t, os.IsNotExist(err))

	// Abandoning one transform must not block the next.
	tr2, err := New(wt, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tr2.Finalize())
}

func TestNewRefusesLeftoverScratch(t *testing.T) {
	wt, err := worktree.Init(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(wt.LimboDir(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(wt.LimboDir(), "leftover"), []byte("x"), 0644))

	_, err = New(wt, nil, zap.NewNop())
	var existing *ExistingLimboError
	assert.ErrorAs(t, err, &existing)
}

func TestFinalizeImmortalLimbo(t *testing.T) {
	wt, err := worktree.Init(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	tr, err := New(wt, nil, zap.NewNop())
	require.NoError(t, err)

	intruder := filepath.Join(wt.LimboDir(), "intruder")
	require.NoError(t, os.WriteFile(intruder, []byte("x"), 0644))

	err = tr.Finalize()
	var immortal *ImmortalLimboError
	require.ErrorAs(t, err, &immortal)

	// Once the blockage is gone the cleanup goes through.
	require.NoError(t, os.Remove(intruder))
	require.NoError(t, tr.Finalize())
}
