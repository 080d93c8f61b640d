package transform

import (
	"sort"

	"twig/internal/tree"
)

// FinalPaths computes the path each id will occupy once the transform
// is applied, memoizing results. The transform must not be mutated
// between calls.
type FinalPaths struct {
	t     *Transform
	known map[TransID]string
}

func NewFinalPaths(t *Transform) *FinalPaths {
	return &FinalPaths{t: t, known: make(map[TransID]string)}
}

// Path returns the final tree-relative path for an id; the root is the
// empty path.
func (fp *FinalPaths) Path(id TransID) (string, error) {
	if p, ok := fp.known[id]; ok {
		return p, nil
	}
	p, err := fp.determine(id)
	if err != nil {
		return "", err
	}
	fp.known[id] = p
	return p, nil
}

func (fp *FinalPaths) determine(id TransID) (string, error) {
	if id == fp.t.root || id == RootParent {
		return "", nil
	}
	name, err := fp.t.FinalName(id)
	if err != nil {
		return "", err
	}
	parent, err := fp.t.FinalParent(id)
	if err != nil {
		return "", err
	}
	if parent == fp.t.root {
		return name, nil
	}
	parentDir, err := fp.Path(parent)
	if err != nil {
		return "", err
	}
	return tree.JoinPath(parentDir, name), nil
}

type pathEntry struct {
	Path string
	ID   TransID
}

// newPaths lists the final paths of every id the apply phase must
// visit, sorted by path. With filesystemOnly set, only ids needing a
// rename or an executability change are included; ids whose staged
// rename went stale after cancellation are filtered out.
func (t *Transform) newPaths(filesystemOnly bool) ([]pathEntry, error) {
	include := make(map[TransID]bool)
	n := len(t.entries)
	for i := 0; i < n; i++ {
		id := TransID{idx: int32(i), gen: t.gen}
		e := &t.entries[i]
		if filesystemOnly {
			if e.needsRename {
				stale := !e.hasName && !e.hasParent && !e.hasContent && !e.hasFileID
				if !stale {
					include[id] = true
				}
			}
			if e.hasExec {
				include[id] = true
			}
		} else if e.hasName || e.hasParent || e.hasContent || e.hasFileID || e.hasExec {
			include[id] = true
		}
	}

	fp := NewFinalPaths(t)
	out := make([]pathEntry, 0, len(include))
	for i := 0; i < n; i++ {
		id := TransID{idx: int32(i), gen: t.gen}
		if !include[id] {
			continue
		}
		p, err := fp.Path(id)
		if err != nil {
			return nil, err
		}
		out = append(out, pathEntry{Path: p, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
