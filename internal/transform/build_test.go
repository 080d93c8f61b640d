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

func setupBuildTarget(t *testing.T) *worktree.WorkTree {
	t.Helper()
	wt, err := worktree.Init(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return wt
}

func TestBuildTreeIntoEmptyWorktree(t *testing.T) {
	src := tree.NewMemoryTree()
	require.NoError(t, src.AddDir("docs", "fid-docs"))
	require.NoError(t, src.AddFile("docs/guide.md", "fid-guide", []byte("# Guide\n"), false))
	require.NoError(t, src.AddFile("setup.sh", "fid-setup", []byte("#!/bin/sh\n"), true))
	require.NoError(t, src.AddSymlink("latest", "fid-latest", "docs/guide.md"))

	wt := setupBuildTarget(t)
	_, conflicts, err := BuildTree(src, wt, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	data, err := os.ReadFile(wt.Abs("docs/guide.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Guide\n", string(data))
	assert.True(t, wt.IsExecutable("setup.sh"))

	target, err := os.Readlink(wt.Abs("latest"))
	require.NoError(t, err)
	assert.Equal(t, "docs/guide.md", target)

	_, err = os.Stat(wt.LimboDir())
	assert.True(t, os.IsNotExist(err))
}

func TestBuildTreeReplacesMatchingContent(t *testing.T) {
	src := tree.NewMemoryTree()
	require.NoError(t, src.AddFile("README.md", "fid-readme", []byte("hello\n"), false))

	wt := setupBuildTarget(t)
	writeTree(t, wt, map[string]string{
		"README.md":   "hello\n",
		"scratch.txt": "untracked",
	})

	result, conflicts, err := BuildTree(src, wt, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, []string{"README.md"}, result.ModifiedPaths)

	data, err := os.ReadFile(wt.Abs("README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	// Files the source knows nothing about are left alone.
	data, err = os.ReadFile(wt.Abs("scratch.txt"))
	require.NoError(t, err)
	assert.Equal(t, "untracked", string(data))
}

func TestBuildTreePreservesMatchingDirContents(t *testing.T) {
	src := tree.NewMemoryTree()
	require.NoError(t, src.AddDir("lib", "fid-lib"))
	require.NoError(t, src.AddFile("lib/util.go", "fid-util", []byte("package lib\n"), false))

	wt := setupBuildTarget(t)
	writeTree(t, wt, map[string]string{"lib/notes.txt": "keep me"})

	_, conflicts, err := BuildTree(src, wt, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	data, err := os.ReadFile(wt.Abs("lib/util.go"))
	require.NoError(t, err)
	assert.Equal(t, "package lib\n", string(data))

	// The on-disk directory matched, so its stray children moved into
	// the rebuilt one.
	data, err = os.ReadFile(wt.Abs("lib/notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestBuildTreeMovesCollidingFiles(t *testing.T) {
	src := tree.NewMemoryTree()
	require.NoError(t, src.AddFile("f.txt", "fid-f", []byte("source"), false))

	wt := setupBuildTarget(t)
	writeTree(t, wt, map[string]string{"f.txt": "local edit"})

	_, conflicts, err := BuildTree(src, wt, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "Moved existing file to", conflicts[0].Action)
	assert.Equal(t, "f.txt.moved", conflicts[0].Path)
	assert.Equal(t, "f.txt", conflicts[0].ConflictPath)

	data, err := os.ReadFile(wt.Abs("f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "source", string(data))
	data, err = os.ReadFile(wt.Abs("f.txt.moved"))
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(data))
}

func TestBuildTreeDivertsControlDirs(t *testing.T) {
	src := tree.NewMemoryTree()
	require.NoError(t, src.AddDir("proj", "fid-proj"))
	require.NoError(t, src.AddFile("proj/app.txt", "fid-app", []byte("from snapshot"), false))

	wt := setupBuildTarget(t)
	writeTree(t, wt, map[string]string{"proj/.twig/config.yaml": "nested: true"})

	_, conflicts, err := BuildTree(src, wt, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "Diverted to", conflicts[0].Action)
	assert.Equal(t, "proj.diverted", conflicts[0].Path)
	assert.Equal(t, "proj", conflicts[0].ConflictPath)

	// The nested tree keeps its place; the incoming one lands beside it.
	data, err := os.ReadFile(wt.Abs("proj/.twig/config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "nested: true", string(data))
	data, err = os.ReadFile(wt.Abs("proj.diverted/app.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from snapshot", string(data))
}

func TestBuildTreeRefusesPopulatedBase(t *testing.T) {
	src := tree.NewMemoryTree()
	require.NoError(t, src.AddFile("f.txt", "fid-f", []byte("x"), false))

	base := tree.NewMemoryTree()
	require.NoError(t, base.AddFile("tracked.txt", "fid-t", []byte("x"), false))

	wt := setupBuildTarget(t)
	_, _, err := BuildTree(src, wt, base, zap.NewNop(), nil)
	assert.ErrorIs(t, err, ErrTreeAlreadyPopulated)
}

func TestBuildTreeAcceleratorHardlinks(t *testing.T) {
	src := tree.NewMemoryTree()
	require.NoError(t, src.AddFile("big.bin", "fid-big", []byte("payload"), false))
	require.NoError(t, src.AddFile("changed.txt", "fid-ch", []byte("new version"), false))

	accel := setupBuildTarget(t)
	writeTree(t, accel, map[string]string{
		"big.bin":     "payload",
		"changed.txt": "old version",
	})

	wt := setupBuildTarget(t)
	_, conflicts, err := BuildTree(src, wt, nil, zap.NewNop(), &BuildOptions{Accelerator: accel, Hardlink: true})
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	accelInfo, err := os.Stat(accel.Abs("big.bin"))
	require.NoError(t, err)
	builtInfo, err := os.Stat(wt.Abs("big.bin"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(accelInfo, builtInfo))

	// A stale accelerator copy is ignored in favor of the source.
	data, err := os.ReadFile(wt.Abs("changed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new version", string(data))
}

func TestBuildTreeAcceleratorCopies(t *testing.T) {
	src := tree.NewMemoryTree()
	require.NoError(t, src.AddFile("big.bin", "fid-big", []byte("payload"), false))

	accel := setupBuildTarget(t)
	writeTree(t, accel, map[string]string{"big.bin": "payload"})

	wt := setupBuildTarget(t)
	_, _, err := BuildTree(src, wt, nil, zap.NewNop(), &BuildOptions{Accelerator: accel})
	require.NoError(t, err)

	data, err := os.ReadFile(wt.Abs("big.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	accelInfo, err := os.Stat(accel.Abs("big.bin"))
	require.NoError(t, err)
	builtInfo, err := os.Stat(wt.Abs("big.bin"))
	require.NoError(t, err)
	assert.False(t, os.SameFile(accelInfo, builtInfo))
}
