package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"twig/internal/tree"
)

// ErrContentNotFound reports a content hash with no blob in the vault.
var ErrContentNotFound = errors.New("content not found")

// Blobs at or above the compression threshold are stored zstd-framed
// under this extension; everything else is stored raw.
const compressedExt = ".zst"

// VaultOptions tunes the content vault. Zero values select defaults.
type VaultOptions struct {
	CompressionMinSize int // compress blobs of at least this many bytes
	CompressionLevel   int // zstd level, 1-19
	CacheSize          int // decoded blobs kept in memory
}

// Vault is a content-addressed blob store: blobs are keyed by the hex
// sha256 of their uncompressed content and sharded two hex digits deep.
type Vault struct {
	root    string
	minSize int
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	cache   *lru.Cache[string, []byte]
}

// NewVault opens (creating if needed) the vault rooted at root.
func NewVault(root string, opts VaultOptions) (*Vault, error) {
	if opts.CompressionMinSize <= 0 {
		opts.CompressionMinSize = 1024
	}
	if opts.CompressionLevel <= 0 {
		opts.CompressionLevel = 3
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}

	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.CompressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Vault{
		root:    root,
		minSize: opts.CompressionMinSize,
		enc:     enc,
		dec:     dec,
		cache:   cache,
	}, nil
}

func (v *Vault) blobPath(hash string) string {
	return filepath.Join(v.root, hash[:2], hash[2:])
}

// Put stores content and returns its hash. Storing the same content
// twice is a no-op.
func (v *Vault) Put(content []byte) (string, error) {
	hash := tree.HashContent(content)
	if v.Has(hash) {
		return hash, nil
	}

	path := v.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating vault shard: %w", err)
	}

	data := content
	if len(content) >= v.minSize {
		path += compressedExt
		data = v.enc.EncodeAll(content, make([]byte, 0, len(content)/2))
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", hash, err)
	}
	return hash, nil
}

// Get returns the uncompressed content stored under hash. Decoded blobs
// are kept in an LRU cache; callers must not modify the returned slice.
func (v *Vault) Get(hash string) ([]byte, error) {
	if len(hash) < 3 {
		return nil, fmt.Errorf("malformed content hash %q", hash)
	}
	if content, ok := v.cache.Get(hash); ok {
		return content, nil
	}

	path := v.blobPath(hash)
	data, err := os.ReadFile(path)
	if err == nil {
		v.cache.Add(hash, data)
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading blob %s: %w", hash, err)
	}

	data, err = os.ReadFile(path + compressedExt)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrContentNotFound, hash)
		}
		return nil, fmt.Errorf("reading blob %s: %w", hash, err)
	}
	content, err := v.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing blob %s: %w", hash, err)
	}
	v.cache.Add(hash, content)
	return content, nil
}

// Has reports whether a blob for hash exists.
func (v *Vault) Has(hash string) bool {
	if len(hash) < 3 {
		return false
	}
	if v.cache.Contains(hash) {
		return true
	}
	path := v.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return true
	}
	_, err := os.Stat(path + compressedExt)
	return err == nil
}
