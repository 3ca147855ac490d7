package dfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/ristretto"
	"github.com/pingcap/errors"
)

// LocalFS stores table files in a single directory. Prefetched files are
// pinned in an in-memory cache so the Open that follows during change-set
// application does not touch the disk again.
type LocalFS struct {
	dir   string
	cache *ristretto.Cache
}

func NewLocalFS(dir string, cacheSize int64) (*LocalFS, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheSize / 64 / 1024 * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.AddStack(err)
	}
	return &LocalFS{dir: dir, cache: cache}, nil
}

// Filename returns the path of a table file in dir.
func Filename(id uint64, dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%08x.sst", id))
}

func (fs *LocalFS) Open(id uint64, opts Options) (File, error) {
	if val, ok := fs.cache.Get(id); ok {
		return &memFile{id: id, data: val.([]byte)}, nil
	}
	data, err := os.ReadFile(Filename(id, fs.dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.AddStack(ErrFileNotFound)
		}
		return nil, errors.AddStack(err)
	}
	return &memFile{id: id, data: data}, nil
}

func (fs *LocalFS) Prefetch(id uint64, opts Options) error {
	if _, ok := fs.cache.Get(id); ok {
		return nil
	}
	data, err := os.ReadFile(Filename(id, fs.dir))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.AddStack(ErrFileNotFound)
		}
		return errors.AddStack(err)
	}
	fs.cache.Set(id, data, int64(len(data)))
	return nil
}

func (fs *LocalFS) Remove(id uint64, opts Options) error {
	fs.cache.Del(id)
	err := os.Remove(Filename(id, fs.dir))
	if err != nil && !os.IsNotExist(err) {
		return errors.AddStack(err)
	}
	return nil
}
