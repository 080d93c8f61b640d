// Package repo assembles an on-disk repository: the working tree, its
// config, the badger database, the content vault and the snapshot store,
// opened together and closed together.
package repo

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"twig/internal/config"
	"twig/internal/logging"
	"twig/internal/snapshot"
	"twig/internal/transform"
	"twig/internal/worktree"
)

// Repository bundles the open handles a command works with.
type Repository struct {
	WorkTree  *worktree.WorkTree
	Snapshots *snapshot.Store
	Config    *config.Config
	Logger    *zap.Logger

	db *badger.DB
}

// Init creates a repository at root: the control dir, a default config
// file, the database and the content vault. The written config holds the
// defaults; environment overrides apply to the session only.
func Init(root string) (*Repository, error) {
	wt, err := worktree.Init(root, zap.NewNop())
	if err != nil {
		return nil, err
	}
	if err := config.Default().Save(wt.ConfigPath()); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}
	cfg, err := config.Load(wt.ConfigPath())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	wt.Logger = logger.Component("worktree")
	return open(wt, cfg, logger)
}

// Open locates the repository containing startDir and opens it.
func Open(startDir string) (*Repository, error) {
	wt, err := worktree.Open(startDir, zap.NewNop())
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(wt.ConfigPath())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	wt.Logger = logger.Component("worktree")
	return open(wt, cfg, logger)
}

func open(wt *worktree.WorkTree, cfg *config.Config, logger *logging.Logger) (*Repository, error) {
	opts := badger.DefaultOptions(wt.DBPath())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	vault, err := snapshot.NewVault(wt.ContentDir(), snapshot.VaultOptions{
		CompressionMinSize: cfg.Vault.CompressionMinSize,
		CompressionLevel:   cfg.Vault.CompressionLevel,
		CacheSize:          cfg.Vault.CacheSize,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening vault: %w", err)
	}

	return &Repository{
		WorkTree:  wt,
		Snapshots: snapshot.NewStore(db, vault, logger.Component("snapshot")),
		Config:    cfg,
		Logger:    logger.Logger,
		db:        db,
	}, nil
}

// OrphanPolicy resolves the configured orphan policy, falling back to
// the refusing default for names validation let through.
func (r *Repository) OrphanPolicy() transform.OrphanPolicy {
	policy, ok := transform.OrphanPolicyByName(r.Config.OrphanPolicy)
	if !ok {
		return transform.RefuseOrphan
	}
	return policy
}

// Close releases the database. A held worktree lock is released
// separately.
func (r *Repository) Close() error {
	if r == nil {
		return nil
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			return fmt.Errorf("closing database: %w", err)
		}
	}
	return nil
}
