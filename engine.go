// Package kvengine applies structural change-sets to the shards of an
// LSM-tree key-value store: flushes of write buffers into level-0 tables,
// compactions that merge and replace tables across levels, and the
// completion phase of shard splits. Readers keep walking the shard
// structure lock-free while change-sets are applied; replaced snapshots
// and their backing files are reclaimed only after no reader can still
// observe them.
package kvengine

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvengine/dfs"
	"github.com/pingcap/kvengine/epoch"
	"github.com/pingcap/kvengine/y"
	"github.com/pingcap/log"
)

// CFConfig configures one column family.
type CFConfig struct {
	MaxLevels int
}

type Options struct {
	// Dir is the label under which the engine reports metrics, usually
	// the local data directory.
	Dir string
	CFs []CFConfig
	// NumPrefetchers bounds the concurrent prefetch requests issued
	// against the backing store before a change-set is applied.
	NumPrefetchers int
}

func checkOptions(opt *Options) error {
	if len(opt.CFs) == 0 {
		return errors.New("no column family configured")
	}
	for i := range opt.CFs {
		if opt.CFs[i].MaxLevels <= 0 {
			return errors.Errorf("cf %d max levels must be positive", i)
		}
	}
	if opt.NumPrefetchers <= 0 {
		opt.NumPrefetchers = 8
	}
	return nil
}

// Engine holds the shards of one store and applies change-sets to them.
// The file contents behind the tables live in the backing store, the
// engine only manipulates the table structure.
type Engine struct {
	opts        Options
	numCFs      int
	fs          dfs.DFS
	loader      *dfs.Scheduler
	resourceMgr *epoch.ResourceManager
	shardMap    sync.Map
	metrics     *MetricsSet
	closers     struct {
		resourceManager *y.Closer
	}
}

func NewEngine(opts Options, fs dfs.DFS) (*Engine, error) {
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}
	en := &Engine{
		opts:    opts,
		numCFs:  len(opts.CFs),
		fs:      fs,
		loader:  dfs.NewScheduler(opts.NumPrefetchers),
		metrics: NewMetricsSet(opts.Dir),
	}
	en.closers.resourceManager = y.NewCloser(1)
	en.resourceMgr = epoch.NewResourceManager(en.closers.resourceManager)
	return en, nil
}

func (en *Engine) Close() error {
	log.S().Info("closing engine")
	en.closers.resourceManager.SignalAndWait()
	return nil
}

// GetShard returns the shard or nil if the id is unknown.
func (en *Engine) GetShard(shardID uint64) *Shard {
	val, ok := en.shardMap.Load(shardID)
	if !ok {
		return nil
	}
	return val.(*Shard)
}

// CreateShard registers an empty shard, used when the store opens a shard
// whose data will arrive through change-sets.
func (en *Engine) CreateShard(shardID, ver uint64, start, end []byte) (*Shard, error) {
	shard := newShard(shardID, ver, start, end, en.opts)
	if _, loaded := en.shardMap.LoadOrStore(shardID, shard); loaded {
		return nil, errors.AddStack(ErrShardExists)
	}
	return shard, nil
}

// RemoveShard unregisters the shard and schedules removal of all its
// files once no reader can observe them.
func (en *Engine) RemoveShard(shardID uint64, removeFiles bool) error {
	val, ok := en.shardMap.Load(shardID)
	if !ok {
		return errors.AddStack(ErrShardNotFound)
	}
	shard := val.(*Shard)
	en.shardMap.Delete(shardID)
	if !removeFiles {
		return nil
	}
	guard := en.resourceMgr.Acquire()
	defer guard.Done()
	delFiles := map[uint64]struct{}{}
	for _, tbl := range shard.loadL0Tables().tables {
		delFiles[tbl.ID()] = struct{}{}
	}
	for cf := 0; cf < en.numCFs; cf++ {
		for _, handler := range shard.loadCF(cf).levels {
			for _, tbl := range handler.tables {
				delFiles[tbl.ID()] = struct{}{}
			}
		}
	}
	en.removeFiles(shard, guard, delFiles)
	return nil
}

func (en *Engine) foreachShard(f func(shard *Shard)) {
	en.shardMap.Range(func(key, value interface{}) bool {
		f(value.(*Shard))
		return true
	})
}

// GetAllShardSizes sums the estimated sizes of all shards, it backs the
// estimated-size gauge and the scheduler's balance decisions.
func (en *Engine) GetAllShardSizes() int64 {
	var total int64
	en.foreachShard(func(shard *Shard) {
		total += shard.GetEstimatedSize()
	})
	return total
}
