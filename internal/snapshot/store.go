// Package snapshot persists whole-tree snapshots of a working tree: a
// badger database holds one JSON manifest per snapshot plus a head
// pointer, and a content-addressed vault holds the file blobs. Snapshots
// are flat and timestamped; there is no ancestry graph and no merging.
// Recorded snapshots are served back as tree.Tree values.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"twig/internal/tree"
	"twig/internal/worktree"
)

// ErrNotFound reports a snapshot id with no manifest in the store.
var ErrNotFound = errors.New("snapshot not found")

const (
	manifestPrefix = "snap:"
	headKey        = "head"
)

// Manifest is the stored record of one snapshot: every versioned path in
// the tree at the moment it was recorded. File entries carry the vault
// hash of their content.
type Manifest struct {
	ID        string       `json:"id"`
	Message   string       `json:"message,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	Entries   []tree.Entry `json:"entries"`
}

// Store reads and writes snapshot manifests.
type Store struct {
	db     *badger.DB
	vault  *Vault
	logger *zap.Logger
}

func NewStore(db *badger.DB, vault *Vault, logger *zap.Logger) *Store {
	return &Store{db: db, vault: vault, logger: logger}
}

func manifestKey(id string) []byte {
	return []byte(manifestPrefix + id)
}

func (s *Store) put(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(manifestKey(m.ID), data)
	})
}

// Get loads the manifest stored under id.
func (s *Store) Get(id string) (*Manifest, error) {
	var m Manifest
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", id, err)
	}
	return &m, nil
}

// Head returns the id of the most recently recorded snapshot, or the
// empty string when nothing has been recorded yet.
func (s *Store) Head() (string, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(headKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading head: %w", err)
	}
	return id, nil
}

// SetHead points head at an existing snapshot.
func (s *Store) SetHead(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(headKey), []byte(id))
	})
}

// List returns every stored manifest, newest first.
func (s *Store) List() ([]*Manifest, error) {
	var out []*Manifest
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(manifestPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m Manifest
				if err := json.Unmarshal(val, &m); err != nil {
					return err
				}
				out = append(out, &m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Record snapshots the current state of the working tree: blobs go into
// the vault, the manifest into the store, and head moves to the new
// snapshot. File identities are reused by path from the head snapshot;
// paths not present there get fresh ones. Unsupported node types
// (sockets, devices) are skipped with a warning.
func (s *Store) Record(wt *worktree.WorkTree, message string) (*Manifest, error) {
	prev := make(map[string]string)
	headID, err := s.Head()
	if err != nil {
		return nil, err
	}
	if headID != "" {
		head, err := s.Get(headID)
		if err != nil {
			return nil, fmt.Errorf("loading head manifest: %w", err)
		}
		for _, e := range head.Entries {
			prev[e.Path] = e.FileID
		}
	}

	idFor := func(p string) string {
		if id, ok := prev[p]; ok && id != "" {
			return id
		}
		return uuid.New().String()
	}

	entries := []tree.Entry{{Path: "", FileID: tree.RootID, Kind: tree.KindDir}}
	err = wt.Walk(func(treePath string, info os.FileInfo) error {
		switch worktree.KindOf(info.Mode()) {
		case tree.KindDir:
			entries = append(entries, tree.Entry{
				Path:   treePath,
				FileID: idFor(treePath),
				Kind:   tree.KindDir,
			})
		case tree.KindFile:
			content, err := wt.ReadFile(treePath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", treePath, err)
			}
			hash, err := s.vault.Put(content)
			if err != nil {
				return fmt.Errorf("storing %s: %w", treePath, err)
			}
			entries = append(entries, tree.Entry{
				Path:       treePath,
				FileID:     idFor(treePath),
				Kind:       tree.KindFile,
				Executable: info.Mode()&0100 != 0,
				Size:       int64(len(content)),
				Hash:       hash,
			})
		case tree.KindSymlink:
			target, err := wt.SymlinkTarget(treePath)
			if err != nil {
				return fmt.Errorf("reading link %s: %w", treePath, err)
			}
			entries = append(entries, tree.Entry{
				Path:   treePath,
				FileID: idFor(treePath),
				Kind:   tree.KindSymlink,
				Target: target,
			})
		default:
			s.logger.Warn("skipping unsupported node", zap.String("path", treePath))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking worktree: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	m := &Manifest{
		ID:        uuid.New().String(),
		Message:   message,
		CreatedAt: time.Now().UTC(),
		Entries:   entries,
	}
	if err := s.put(m); err != nil {
		return nil, err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(headKey), []byte(m.ID))
	}); err != nil {
		return nil, fmt.Errorf("moving head: %w", err)
	}

	s.logger.Info("recorded snapshot",
		zap.String("id", m.ID),
		zap.Int("entries", len(m.Entries)))
	return m, nil
}

// Tree returns a read-only tree view of the snapshot stored under id.
// File content is fetched lazily from the vault.
func (s *Store) Tree(id string) (tree.Tree, error) {
	m, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return newSnapshotTree(m, s.vault), nil
}

// HeadTree returns the tree of the head snapshot, or nil when nothing
// has been recorded yet.
func (s *Store) HeadTree() (tree.Tree, error) {
	id, err := s.Head()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return s.Tree(id)
}
