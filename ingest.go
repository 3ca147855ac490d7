package kvengine

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/kvengine/dfs"
	"github.com/pingcap/kvengine/sstable"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// IngestShard builds a brand-new shard from a Snapshot change-set, e.g.
// one received from a remote peer, and registers it. The shard is
// assembled off to the side and published in one step, so no reader ever
// observes it half-built.
func (en *Engine) IngestShard(cs *ChangeSet) (*Shard, error) {
	if cs.Snapshot == nil {
		return nil, errors.New("change set has no snapshot")
	}
	if err := en.preLoadFiles(cs); err != nil {
		return nil, err
	}
	snap := cs.Snapshot
	shard := newShard(cs.ShardID, cs.ShardVer, snap.Start, snap.End, en.opts)
	fsOpts := dfs.NewOptions(shard.ID, shard.Ver)
	l0s := &l0Tables{tables: make([]*sstable.L0Table, 0, len(snap.L0Creates))}
	for _, l0 := range snap.L0Creates {
		file, err := en.fs.Open(l0.ID, fsOpts)
		if err != nil {
			return nil, err
		}
		l0Tbl, err := sstable.OpenL0Table(file)
		if err != nil {
			return nil, err
		}
		l0s.tables = append(l0s.tables, l0Tbl)
	}
	sortL0Tables(l0s.tables)
	newCFs := make([]*shardCF, en.numCFs)
	for cf := 0; cf < en.numCFs; cf++ {
		newCFs[cf] = newShardCF(en.opts.CFs[cf].MaxLevels)
	}
	for _, create := range snap.TableCreates {
		file, err := en.fs.Open(create.ID, fsOpts)
		if err != nil {
			return nil, err
		}
		tbl, err := sstable.OpenSSTable(file)
		if err != nil {
			return nil, err
		}
		handler := newCFs[create.CF].levels[create.Level-1]
		handler.totalSize += tbl.Size()
		handler.tables = append(handler.tables, tbl)
	}
	for cf := 0; cf < en.numCFs; cf++ {
		for _, handler := range newCFs[cf].levels {
			sortTables(handler.tables)
			assertTablesOrder(handler.level, handler.tables)
		}
	}
	// The shard is unpublished, plain stores are fine here.
	shard.storeL0Tables(l0s)
	for cf := 0; cf < en.numCFs; cf++ {
		shard.storeCF(cf, newCFs[cf])
	}
	shard.properties.apply(snap.Properties)
	shard.storeMetaSequence(cs.Sequence)
	shard.setSplitStage(cs.Stage)
	shard.markInitialFlushed()
	shard.refreshEstimatedSize()
	if _, loaded := en.shardMap.LoadOrStore(shard.ID, shard); loaded {
		return nil, errors.AddStack(ErrShardExists)
	}
	log.Info("ingested shard", zap.Uint64("shard", shard.ID), zap.Uint64("version", shard.Ver),
		zap.Int("l0", len(l0s.tables)), zap.Int("tables", len(snap.TableCreates)))
	return shard, nil
}
