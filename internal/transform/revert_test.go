package transform

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"twig/internal/tree"
	"twig/internal/worktree"
)

func setupRevertTree(t *testing.T, files map[string]string) (*worktree.WorkTree, *tree.MemoryTree) {
	t.Helper()
	wt, err := worktree.Init(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	base := tree.NewMemoryTree()
	for p, content := range files {
		require.NoError(t, base.AddFile(p, "fid-"+p, []byte(content), false))
	}
	writeTree(t, wt, files)
	return wt, base
}

func TestRevertRestoresDeletedFile(t *testing.T) {
	wt, base := setupRevertTree(t, map[string]string{"a.txt": "v1"})
	require.NoError(t, os.Remove(wt.Abs("a.txt")))

	conflicts, err := Revert(wt, base, base, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	data, err := os.ReadFile(wt.Abs("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestRevertUndoesModification(t *testing.T) {
	wt, base := setupRevertTree(t, map[string]string{"a.txt": "v1"})
	require.NoError(t, os.WriteFile(wt.Abs("a.txt"), []byte("locally changed"), 0644))

	conflicts, err := Revert(wt, base, base, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	data, err := os.ReadFile(wt.Abs("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.Equal(t, tree.KindAbsent, wt.Kind("a.txt.~1~"))
}

func TestRevertBacksUpModifiedFile(t *testing.T) {
	wt, base := setupRevertTree(t, map[string]string{"a.txt": "v1"})
	require.NoError(t, os.WriteFile(wt.Abs("a.txt"), []byte("locally changed"), 0644))

	conflicts, err := Revert(wt, base, base, zap.NewNop(), &RevertOptions{Backups: true})
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	data, err := os.ReadFile(wt.Abs("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	data, err = os.ReadFile(wt.Abs("a.txt.~1~"))
	require.NoError(t, err)
	assert.Equal(t, "locally changed", string(data))
}

func TestRevertKeepsModifiedFileTargetDeletes(t *testing.T) {
	wt, base := setupRevertTree(t, map[string]string{
		"modified.txt": "v1",
		"pristine.txt": "v1",
	})
	require.NoError(t, os.WriteFile(wt.Abs("modified.txt"), []byte("local work"), 0644))

	target := tree.NewMemoryTree()
	conflicts, err := Revert(wt, base, target, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	// The clean file goes; the locally modified one is left behind.
	assert.Equal(t, tree.KindAbsent, wt.Kind("pristine.txt"))
	data, err := os.ReadFile(wt.Abs("modified.txt"))
	require.NoError(t, err)
	assert.Equal(t, "local work", string(data))
}

func TestRevertRename(t *testing.T) {
	wt, base := setupRevertTree(t, map[string]string{"old.txt": "same content"})

	target := tree.NewMemoryTree()
	require.NoError(t, target.AddFile("new.txt", "fid-old.txt", []byte("same content"), false))

	conflicts, err := Revert(wt, base, target, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	assert.Equal(t, tree.KindAbsent, wt.Kind("old.txt"))
	data, err := os.ReadFile(wt.Abs("new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "same content", string(data))
}

func TestRevertCreatesMissingParents(t *testing.T) {
	wt, err := worktree.Init(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	target := tree.NewMemoryTree()
	require.NoError(t, target.AddDir("d", "fid-d"))
	require.NoError(t, target.AddDir("d/sub", "fid-sub"))
	require.NoError(t, target.AddFile("d/sub/f.txt", "fid-f", []byte("deep"), false))

	conflicts, err := Revert(wt, nil, target, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	data, err := os.ReadFile(wt.Abs("d/sub/f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deep", string(data))
}

func TestRevertPathsFilter(t *testing.T) {
	wt, base := setupRevertTree(t, map[string]string{
		"a.txt": "v1",
		"b.txt": "v2",
	})
	require.NoError(t, os.WriteFile(wt.Abs("a.txt"), []byte("mod-a"), 0644))
	require.NoError(t, os.WriteFile(wt.Abs("b.txt"), []byte("mod-b"), 0644))

	conflicts, err := Revert(wt, base, base, zap.NewNop(), &RevertOptions{Paths: []string{"a.txt"}})
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	data, err := os.ReadFile(wt.Abs("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	data, err = os.ReadFile(wt.Abs("b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mod-b", string(data))
}

func TestRevertExecutabilityOnly(t *testing.T) {
	wt, err := worktree.Init(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	writeTree(t, wt, map[string]string{"run.sh": "#!/bin/sh\n"})

	base := tree.NewMemoryTree()
	require.NoError(t, base.AddFile("run.sh", "fid-r", []byte("#!/bin/sh\n"), true))

	conflicts, err := Revert(wt, base, base, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	assert.True(t, wt.IsExecutable("run.sh"))
	data, err := os.ReadFile(wt.Abs("run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))
}

func TestRevertSymlinkChange(t *testing.T) {
	wt, err := worktree.Init(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, os.Symlink("old-target", wt.Abs("link")))

	base := tree.NewMemoryTree()
	require.NoError(t, base.AddSymlink("link", "fid-l", "new-target"))

	conflicts, err := Revert(wt, base, base, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	got, err := os.Readlink(wt.Abs("link"))
	require.NoError(t, err)
	assert.Equal(t, "new-target", got)
}

func TestRevertOrphanPolicyMovesStray(t *testing.T) {
	wt, err := worktree.Init(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	base := tree.NewMemoryTree()
	require.NoError(t, base.AddDir("d", "fid-d"))
	require.NoError(t, base.AddFile("d/keep.txt", "fid-keep", []byte("k"), false))
	writeTree(t, wt, map[string]string{
		"d/keep.txt":      "k",
		"d/straggler.txt": "scratch",
	})

	target := tree.NewMemoryTree()
	conflicts, err := Revert(wt, base, target, zap.NewNop(), &RevertOptions{
		OrphanPolicy: MoveOrphan,
	})
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	assert.Equal(t, tree.KindAbsent, wt.Kind("d"))
	data, err := wt.ReadFile("brz-orphans/straggler.txt.~1~")
	require.NoError(t, err)
	assert.Equal(t, "scratch", string(data))
}
