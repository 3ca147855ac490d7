// Package dfs abstracts the store that holds shard table files. The
// engine core only opens, prefetches and removes whole files by id; the
// file contents are opaque to it.
package dfs

// Options carries the shard scope of a file operation, used by
// multi-tenant stores for addressing and caching.
type Options struct {
	ShardID  uint64
	ShardVer uint64
}

func NewOptions(shardID, shardVer uint64) Options {
	return Options{ShardID: shardID, ShardVer: shardVer}
}

// File is an opened, immutable table file.
type File interface {
	// ID is the file id the file was opened with.
	ID() uint64
	// Size is the file length in bytes.
	Size() int64
	// ReadAt reads len(b) bytes starting at off.
	ReadAt(b []byte, off int64) (int, error)
}

// DFS is the backing file store.
type DFS interface {
	// Open opens an existing file.
	Open(id uint64, opts Options) (File, error)
	// Prefetch makes a following Open cheap. It is issued concurrently
	// for all files of a change-set before the shard structure is
	// mutated, so a failed fetch aborts the change-set before any
	// mutation happened.
	Prefetch(id uint64, opts Options) error
	// Remove deletes the file. It is only called after the reclamation
	// barrier guarantees no reader still walks a snapshot that
	// references the file.
	Remove(id uint64, opts Options) error
}
