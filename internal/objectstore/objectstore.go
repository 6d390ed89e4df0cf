// Package objectstore copies unloaded table files to a bucket and checks,
// before a table is loaded, that its files arrived intact.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/config"
)

// Object is one remote object.
type Object struct {
	Key  string
	Size int64
}

// Store is the subset of a bucket API the orchestrator needs.
type Store interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	PutFile(ctx context.Context, key, localPath string) error
	GetFile(ctx context.Context, key, localPath string) error
}

// New builds the store for the configured provider.
func New(ctx context.Context, cfg config.ObjectStoreConfig) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object_store.bucket is required")
	}
	switch cfg.Provider {
	case "", "s3":
		return NewS3Store(ctx, cfg)
	case "minio":
		return NewMinioStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported object store provider %q", cfg.Provider)
	}
}

// UnitPrefix is where the files of one table live in the bucket.
func UnitPrefix(prefix, unitID string) string {
	return path.Join(prefix, unitID) + "/"
}

// Validator answers whether a table's files are fully uploaded.
type Validator interface {
	Uploaded(ctx context.Context, it catalog.WorkItem, localDir string) (bool, error)
}

// NopValidator accepts every table. It is used when validation is disabled.
type NopValidator struct{}

// Uploaded implements Validator.
func (NopValidator) Uploaded(context.Context, catalog.WorkItem, string) (bool, error) {
	return true, nil
}

// StoreValidator compares local file sizes against the objects under the
// table's prefix.
type StoreValidator struct {
	Store  Store
	Prefix string
}

// Uploaded implements Validator. Every local file must exist remotely with
// the same size. Files removed after copying are checked against the sizes
// in the unit's manifest.
func (v *StoreValidator) Uploaded(ctx context.Context, it catalog.WorkItem, localDir string) (bool, error) {
	local, err := Sizes(localDir)
	if err != nil {
		return false, err
	}
	if len(local) == 0 {
		return false, nil
	}

	prefix := UnitPrefix(v.Prefix, it.UnitID)
	remote, err := v.Store.List(ctx, prefix)
	if err != nil {
		return false, fmt.Errorf("listing %s: %w", prefix, err)
	}
	sizes := make(map[string]int64, len(remote))
	for _, o := range remote {
		sizes[o.Key] = o.Size
	}
	for name, size := range local {
		got, ok := sizes[prefix+name]
		if !ok || got != size {
			return false, nil
		}
	}
	return true, nil
}

func localSizes(dir string) (map[string]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	out := make(map[string]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() || hidden(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", filepath.Join(dir, e.Name()), err)
		}
		out[e.Name()] = info.Size()
	}
	return out, nil
}
