package kvengine

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/kvengine/dfs"
	"github.com/pingcap/kvengine/epoch"
	"github.com/pingcap/kvengine/sstable"
	"github.com/pingcap/kvengine/y"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ApplyChangeSet validates the change-set against the shard and installs
// its structural mutation. Referenced files are prefetched before any
// state is touched, so an unreachable file fails the operation without a
// partial mutation. Redelivered change-sets (sequence not greater than
// the last applied one) are dropped and reported as success.
//
// The caller guarantees at most one in-flight change-set per shard; a
// losing CAS inside the application is therefore a programming error and
// panics instead of retrying.
func (en *Engine) ApplyChangeSet(cs *ChangeSet) error {
	if err := en.preLoadFiles(cs); err != nil {
		return err
	}
	guard := en.resourceMgr.Acquire()
	defer guard.Done()
	shard := en.GetShard(cs.ShardID)
	if shard == nil {
		return errors.AddStack(ErrShardNotFound)
	}
	if shard.Ver != cs.ShardVer {
		log.Info("shard not match", zap.Uint64("current", shard.Ver), zap.Uint64("request", cs.ShardVer))
		return errors.AddStack(ErrShardNotMatch)
	}
	seq := shard.loadMetaSequence()
	if seq >= cs.Sequence {
		log.S().Warnf("%d:%d skip duplicated change set seq:%d, meta seq:%d",
			shard.ID, shard.Ver, cs.Sequence, seq)
		en.metrics.Skipped.Inc()
		return nil
	}
	// Record the sequence before applying the body so a redelivery after
	// a crash mid-apply cannot reprocess it against half-applied state.
	shard.storeMetaSequence(cs.Sequence)
	switch {
	case cs.Flush != nil:
		if err := en.applyFlush(shard, cs); err != nil {
			return err
		}
		en.metrics.AppliedFlush.Inc()
	case cs.Compaction != nil:
		err := en.applyCompaction(shard, guard, cs)
		shard.SetCompacting(false)
		if err != nil {
			return err
		}
		en.metrics.AppliedCompaction.Inc()
	case cs.SplitFiles != nil:
		if err := en.applySplitFiles(shard, guard, cs); err != nil {
			return err
		}
		en.metrics.AppliedSplitFiles.Inc()
	}
	shard.refreshEstimatedSize()
	en.metrics.EstimatedSize.Set(float64(en.GetAllShardSizes()))
	return nil
}

func (en *Engine) applyFlush(shard *Shard, cs *ChangeSet) error {
	flush := cs.Flush
	if flush.L0Create != nil {
		opts := dfs.NewOptions(shard.ID, shard.Ver)
		file, err := en.fs.Open(flush.L0Create.ID, opts)
		if err != nil {
			return err
		}
		l0Tbl, err := sstable.OpenL0Table(file)
		if err != nil {
			return err
		}
		shard.atomicAddL0Table(l0Tbl)
		shard.atomicRemoveMemTable()
	}
	shard.properties.apply(flush.Properties)
	shard.setSplitStage(cs.Stage)
	shard.markInitialFlushed()
	return nil
}

func (en *Engine) applyCompaction(shard *Shard, guard *epoch.Guard, cs *ChangeSet) error {
	comp := cs.Compaction
	delFiles := make(map[uint64]struct{})
	if comp.Conflicted {
		en.metrics.CompactionConflicted.Inc()
		if isMoveDown(comp) {
			return nil
		}
		// No snapshot will ever reference the conflicted compaction's
		// output, its files are orphans.
		for _, create := range comp.TableCreates {
			delFiles[create.ID] = struct{}{}
		}
		en.removeFiles(shard, guard, delFiles)
		return nil
	}
	if comp.Level == 0 {
		l0Tbls := shard.loadL0Tables()
		for _, tbl := range l0Tbls.tables {
			if containsUint64(comp.TopDeletes, tbl.ID()) {
				delFiles[tbl.ID()] = struct{}{}
			}
		}
		for cf := 0; cf < en.numCFs; cf++ {
			err := en.compactionUpdateLevelHandler(shard, cf, 1,
				comp.TableCreates, comp.BottomDeletes, delFiles)
			if err != nil {
				return err
			}
		}
		shard.atomicRemoveL0Tables(len(comp.TopDeletes))
	} else {
		cf := comp.CF
		err := en.compactionUpdateLevelHandler(shard, cf, comp.Level+1,
			comp.TableCreates, comp.BottomDeletes, delFiles)
		if err != nil {
			return err
		}
		err = en.compactionUpdateLevelHandler(shard, cf, comp.Level,
			nil, comp.TopDeletes, delFiles)
		if err != nil {
			return err
		}
		// For a move-down the TableCreates may contain TopDeletes, those
		// tables are relocated, not destroyed.
		for _, create := range comp.TableCreates {
			delete(delFiles, create.ID)
		}
	}
	en.removeFiles(shard, guard, delFiles)
	return nil
}

func (en *Engine) compactionUpdateLevelHandler(shard *Shard, cf, level int,
	creates []*TableCreate, delIDs []uint64, delFiles map[uint64]struct{}) error {
	opts := dfs.NewOptions(shard.ID, shard.Ver)
	oldSCF := shard.loadCF(cf)
	levelIdx := level - 1
	oldLevel := oldSCF.levels[levelIdx]
	newLevel := newLevelHandler(level)
	needUpdate := false
	for _, create := range creates {
		if create.CF != cf {
			continue
		}
		file, err := en.fs.Open(create.ID, opts)
		if err != nil {
			return err
		}
		tbl, err := sstable.OpenSSTable(file)
		if err != nil {
			return err
		}
		newLevel.totalSize += tbl.Size()
		newLevel.tables = append(newLevel.tables, tbl)
		needUpdate = true
	}
	for _, oldTbl := range oldLevel.tables {
		if containsUint64(delIDs, oldTbl.ID()) {
			delFiles[oldTbl.ID()] = struct{}{}
			needUpdate = true
		} else {
			newLevel.totalSize += oldTbl.Size()
			newLevel.tables = append(newLevel.tables, oldTbl)
		}
	}
	if !needUpdate {
		// Nothing changed on this level, skip the swap to avoid needless
		// reclamation churn.
		return nil
	}
	sortTables(newLevel.tables)
	assertTablesOrder(level, newLevel.tables)
	if !shard.casCF(cf, oldSCF, oldSCF.replaceLevel(levelIdx, newLevel)) {
		log.Error("there maybe concurrent apply compaction",
			zap.Uint64("shard", shard.ID), zap.Int("cf", cf), zap.Int("level", level))
		panic("failed to update level handler")
	}
	return nil
}

func (en *Engine) applySplitFiles(shard *Shard, guard *epoch.Guard, cs *ChangeSet) error {
	if shard.GetSplitStage() != SplitStagePreSplitFlushDone {
		log.Error("wrong split stage for apply split files",
			zap.Uint64("shard", shard.ID), zap.Stringer("stage", shard.GetSplitStage()))
		return errors.AddStack(ErrWrongSplitStage)
	}
	splitFiles := cs.SplitFiles
	fsOpts := dfs.NewOptions(shard.ID, shard.Ver)
	delFiles := make(map[uint64]struct{})
	oldL0s := shard.loadL0Tables()
	newL0s := &l0Tables{tables: make([]*sstable.L0Table, 0, len(oldL0s.tables)+len(splitFiles.L0Creates))}
	for _, l0 := range splitFiles.L0Creates {
		file, err := en.fs.Open(l0.ID, fsOpts)
		if err != nil {
			return err
		}
		l0Tbl, err := sstable.OpenL0Table(file)
		if err != nil {
			return err
		}
		newL0s.tables = append(newL0s.tables, l0Tbl)
	}
	for _, oldL0 := range oldL0s.tables {
		if containsUint64(splitFiles.TableDeletes, oldL0.ID()) {
			delFiles[oldL0.ID()] = struct{}{}
		} else {
			newL0s.tables = append(newL0s.tables, oldL0)
		}
	}
	sortL0Tables(newL0s.tables)
	y.Assert(shard.casL0Tables(oldL0s, newL0s))

	// A split repartitions every level, so the per-CF snapshots are
	// rebuilt from scratch instead of incrementally.
	newCFs := make([]*shardCF, en.numCFs)
	for cf := 0; cf < en.numCFs; cf++ {
		newCFs[cf] = newShardCF(en.opts.CFs[cf].MaxLevels)
	}
	for _, create := range splitFiles.TableCreates {
		file, err := en.fs.Open(create.ID, fsOpts)
		if err != nil {
			// Earlier slots of this apply are already committed, see the
			// method comment.
			return err
		}
		tbl, err := sstable.OpenSSTable(file)
		if err != nil {
			return err
		}
		handler := newCFs[create.CF].levels[create.Level-1]
		handler.totalSize += tbl.Size()
		handler.tables = append(handler.tables, tbl)
	}
	for cf := 0; cf < en.numCFs; cf++ {
		newCF := newCFs[cf]
		oldCF := shard.loadCF(cf)
		for levelIdx, oldHandler := range oldCF.levels {
			newHandler := newCF.levels[levelIdx]
			for _, oldTbl := range oldHandler.tables {
				if containsUint64(splitFiles.TableDeletes, oldTbl.ID()) {
					delFiles[oldTbl.ID()] = struct{}{}
				} else {
					newHandler.totalSize += oldTbl.Size()
					newHandler.tables = append(newHandler.tables, oldTbl)
				}
			}
			sortTables(newHandler.tables)
			assertTablesOrder(newHandler.level, newHandler.tables)
		}
		y.Assert(shard.casCF(cf, oldCF, newCF))
	}
	en.removeFiles(shard, guard, delFiles)
	shard.setSplitStage(cs.Stage)
	return nil
}

// removeFiles schedules physical removal of the files behind the guard's
// reclamation barrier: no reader that could still walk a snapshot
// referencing them remains when the removal runs.
func (en *Engine) removeFiles(shard *Shard, guard *epoch.Guard, delFiles map[uint64]struct{}) {
	if len(delFiles) == 0 {
		return
	}
	ids := make([]uint64, 0, len(delFiles))
	for id := range delFiles {
		ids = append(ids, id)
	}
	guard.Delete([]epoch.Resource{&deletedFiles{
		fs:   en.fs,
		ids:  ids,
		opts: dfs.NewOptions(shard.ID, shard.Ver),
	}})
}

type deletedFiles struct {
	fs   dfs.DFS
	ids  []uint64
	opts dfs.Options
}

func (d *deletedFiles) Delete() error {
	for _, id := range d.ids {
		if err := d.fs.Remove(id, d.opts); err != nil {
			log.Error("failed to remove file", zap.Uint64("id", id), zap.Error(err))
		}
	}
	return nil
}

// preLoadFiles prefetches every file the change-set creates, bounded by
// the prefetch worker pool, failing fast on the first error. A move-down
// compaction renames tables without new physical files, so its creates
// are skipped.
func (en *Engine) preLoadFiles(cs *ChangeSet) error {
	var ids []uint64
	if cs.Flush != nil && cs.Flush.L0Create != nil {
		ids = append(ids, cs.Flush.L0Create.ID)
	}
	if cs.Compaction != nil && !isMoveDown(cs.Compaction) {
		for _, tbl := range cs.Compaction.TableCreates {
			ids = append(ids, tbl.ID)
		}
	}
	if cs.SplitFiles != nil {
		for _, l0 := range cs.SplitFiles.L0Creates {
			ids = append(ids, l0.ID)
		}
		for _, tbl := range cs.SplitFiles.TableCreates {
			ids = append(ids, tbl.ID)
		}
	}
	if cs.Snapshot != nil {
		for _, l0 := range cs.Snapshot.L0Creates {
			ids = append(ids, l0.ID)
		}
		for _, tbl := range cs.Snapshot.TableCreates {
			ids = append(ids, tbl.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	opts := dfs.NewOptions(cs.ShardID, cs.ShardVer)
	batch := dfs.NewBatchTasks()
	for i := range ids {
		id := ids[i]
		batch.AppendTask(func() error {
			return en.fs.Prefetch(id, opts)
		})
	}
	return en.loader.BatchSchedule(batch)
}
