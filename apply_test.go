package kvengine

import (
	"testing"
	"time"

	"github.com/pingcap/kvengine/dfs"
	"github.com/pingcap/kvengine/sstable"
	"github.com/stretchr/testify/require"
)

func getTestOptions() Options {
	return Options{
		Dir: "test",
		CFs: []CFConfig{
			{MaxLevels: 3},
			{MaxLevels: 3},
		},
		NumPrefetchers: 4,
	}
}

type applyTester struct {
	t  *testing.T
	en *Engine
	fs *dfs.InMemFS
}

func newApplyTester(t *testing.T) *applyTester {
	fs := dfs.NewInMemFS()
	en, err := NewEngine(getTestOptions(), fs)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, en.Close())
	})
	return &applyTester{t: t, en: en, fs: fs}
}

func (tr *applyTester) createShard(id, ver uint64) *Shard {
	shard, err := tr.en.CreateShard(id, ver, nil, []byte{255, 255})
	require.NoError(tr.t, err)
	return shard
}

func (tr *applyTester) newTableFile(id uint64, smallest, biggest string) {
	b := sstable.NewBuilder(id, 0)
	b.Add([]byte(smallest), []byte("value"))
	if biggest != smallest {
		b.Add([]byte(biggest), []byte("value"))
	}
	tr.fs.Create(id, b.Finish().FileData)
}

func (tr *applyTester) newL0File(id, commitTS uint64, smallest, biggest string) {
	b := sstable.NewBuilder(id, commitTS)
	b.Add([]byte(smallest), []byte("value"))
	if biggest != smallest {
		b.Add([]byte(biggest), []byte("value"))
	}
	tr.fs.Create(id, b.Finish().FileData)
}

func (tr *applyTester) l0IDs(shard *Shard) []uint64 {
	var ids []uint64
	for _, tbl := range shard.loadL0Tables().tables {
		ids = append(ids, tbl.ID())
	}
	return ids
}

func (tr *applyTester) levelIDs(shard *Shard, cf, level int) []uint64 {
	var ids []uint64
	for _, tbl := range shard.loadCF(cf).levels[level-1].tables {
		ids = append(ids, tbl.ID())
	}
	return ids
}

func (tr *applyTester) requireRemoved(ids ...uint64) {
	require.Eventually(tr.t, func() bool {
		for _, id := range ids {
			if tr.fs.Exists(id) {
				return false
			}
		}
		return true
	}, time.Second*3, time.Millisecond*10)
}

func TestApplyFlush(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	shard.atomicAddMemTable(128)
	tr.newL0File(100, 10, "key0001", "key0009")
	err := tr.en.ApplyChangeSet(&ChangeSet{
		ShardID:  1,
		ShardVer: 1,
		Sequence: 1,
		Flush: &Flush{
			L0Create:   &L0Create{ID: 100},
			CommitTS:   10,
			Properties: map[string][]byte{"applied_index": {1}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{100}, tr.l0IDs(shard))
	require.True(t, shard.IsInitialFlushed())
	require.EqualValues(t, 1, shard.loadMetaSequence())
	require.Len(t, shard.loadMemTables().tables, 0)
	require.Greater(t, shard.GetEstimatedSize(), int64(0))
	val, ok := shard.GetProperty("applied_index")
	require.True(t, ok)
	require.Equal(t, []byte{1}, val)
}

func TestApplyDuplicatedSequence(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	tr.newL0File(100, 10, "key0001", "key0009")
	cs := &ChangeSet{
		ShardID:  1,
		ShardVer: 1,
		Sequence: 1,
		Flush:    &Flush{L0Create: &L0Create{ID: 100}},
	}
	require.NoError(t, tr.en.ApplyChangeSet(cs))
	require.Equal(t, []uint64{100}, tr.l0IDs(shard))
	// Redelivery of the same sequence is dropped without side effects.
	require.NoError(t, tr.en.ApplyChangeSet(cs))
	require.Equal(t, []uint64{100}, tr.l0IDs(shard))
}

func TestApplyShardNotFound(t *testing.T) {
	tr := newApplyTester(t)
	err := tr.en.ApplyChangeSet(&ChangeSet{ShardID: 42, ShardVer: 1, Sequence: 1, Flush: &Flush{}})
	require.ErrorIs(t, err, ErrShardNotFound)
}

func TestApplyVersionMismatch(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 2)
	err := tr.en.ApplyChangeSet(&ChangeSet{ShardID: 1, ShardVer: 1, Sequence: 1, Flush: &Flush{}})
	require.ErrorIs(t, err, ErrShardNotMatch)
	require.EqualValues(t, 0, shard.loadMetaSequence())
}

func TestApplyCompactionL0(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	tr.newL0File(50, 2, "key0001", "key0009")
	tr.newL0File(51, 1, "key0002", "key0008")
	for seq, id := range []uint64{51, 50} {
		require.NoError(t, tr.en.ApplyChangeSet(&ChangeSet{
			ShardID: 1, ShardVer: 1, Sequence: uint64(seq + 1),
			Flush: &Flush{L0Create: &L0Create{ID: id}},
		}))
	}
	require.Equal(t, []uint64{50, 51}, tr.l0IDs(shard))
	tr.newTableFile(60, "key0001", "key0005")
	tr.newTableFile(61, "key0006", "key0009")
	shard.SetCompacting(true)
	err := tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 3,
		Compaction: &Compaction{
			Level:      0,
			TopDeletes: []uint64{50, 51},
			TableCreates: []*TableCreate{
				{ID: 60, CF: 0, Level: 1},
				{ID: 61, CF: 1, Level: 1},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, tr.l0IDs(shard), 0)
	require.Equal(t, []uint64{60}, tr.levelIDs(shard, 0, 1))
	require.Equal(t, []uint64{61}, tr.levelIDs(shard, 1, 1))
	require.False(t, shard.IsCompacting())
	tr.requireRemoved(50, 51)
}

func TestApplyCompactionLn(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	tr.newTableFile(70, "key0001", "key0004")
	tr.newTableFile(71, "key0005", "key0009")
	require.NoError(t, tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 1,
		Compaction: &Compaction{
			Level: 0,
			TableCreates: []*TableCreate{
				{ID: 70, CF: 0, Level: 1},
				{ID: 71, CF: 0, Level: 1},
			},
		},
	}))
	require.Equal(t, []uint64{70, 71}, tr.levelIDs(shard, 0, 1))
	tr.newTableFile(75, "key0001", "key0006")
	err := tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 2,
		Compaction: &Compaction{
			CF:            0,
			Level:         1,
			TopDeletes:    []uint64{70},
			BottomDeletes: []uint64{},
			TableCreates:  []*TableCreate{{ID: 75, CF: 0, Level: 2}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{71}, tr.levelIDs(shard, 0, 1))
	require.Equal(t, []uint64{75}, tr.levelIDs(shard, 0, 2))
	tr.requireRemoved(70)
}

func TestApplyCompactionBottomDeletes(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	tr.newTableFile(70, "key0001", "key0004")
	require.NoError(t, tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 1,
		Compaction: &Compaction{
			Level:        0,
			TableCreates: []*TableCreate{{ID: 70, CF: 0, Level: 1}},
		},
	}))
	tr.newTableFile(80, "key0001", "key0003")
	require.NoError(t, tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 2,
		Compaction: &Compaction{
			CF:           0,
			Level:        1,
			TableCreates: []*TableCreate{{ID: 80, CF: 0, Level: 2}},
		},
	}))
	require.Equal(t, []uint64{70}, tr.levelIDs(shard, 0, 1))
	require.Equal(t, []uint64{80}, tr.levelIDs(shard, 0, 2))
	// Compact 70 into level 2, rewriting the overlapping table 80: level 2
	// ends up with the create minus the bottom delete.
	tr.newTableFile(81, "key0001", "key0004")
	err := tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 3,
		Compaction: &Compaction{
			CF:            0,
			Level:         1,
			TopDeletes:    []uint64{70},
			BottomDeletes: []uint64{80},
			TableCreates:  []*TableCreate{{ID: 81, CF: 0, Level: 2}},
		},
	})
	require.NoError(t, err)
	require.Len(t, tr.levelIDs(shard, 0, 1), 0)
	require.Equal(t, []uint64{81}, tr.levelIDs(shard, 0, 2))
	tr.requireRemoved(70, 80)
}

func TestApplyMoveDownKeepsFiles(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	tr.newTableFile(70, "key0001", "key0004")
	require.NoError(t, tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 1,
		Compaction: &Compaction{
			Level:        0,
			TableCreates: []*TableCreate{{ID: 70, CF: 0, Level: 1}},
		},
	}))
	// Relocate table 70 from level 1 to level 2: the id appears in both
	// the creates and the top deletes, its file must survive.
	err := tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 2,
		Compaction: &Compaction{
			CF:           0,
			Level:        1,
			TopDeletes:   []uint64{70},
			TableCreates: []*TableCreate{{ID: 70, CF: 0, Level: 2}},
		},
	})
	require.NoError(t, err)
	require.Len(t, tr.levelIDs(shard, 0, 1), 0)
	require.Equal(t, []uint64{70}, tr.levelIDs(shard, 0, 2))
	time.Sleep(time.Millisecond * 400)
	require.True(t, tr.fs.Exists(70))
}

func TestApplyConflictedCompaction(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	tr.newTableFile(70, "key0001", "key0004")
	require.NoError(t, tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 1,
		Compaction: &Compaction{
			Level:        0,
			TableCreates: []*TableCreate{{ID: 70, CF: 0, Level: 1}},
		},
	}))
	tr.newTableFile(80, "key0001", "key0009")
	err := tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 2,
		Compaction: &Compaction{
			CF:            0,
			Level:         1,
			Conflicted:    true,
			TopDeletes:    []uint64{70},
			TableCreates:  []*TableCreate{{ID: 80, CF: 0, Level: 2}},
			BottomDeletes: []uint64{},
		},
	})
	require.NoError(t, err)
	// Existing levels untouched, the conflicted output is orphaned.
	require.Equal(t, []uint64{70}, tr.levelIDs(shard, 0, 1))
	require.Len(t, tr.levelIDs(shard, 0, 2), 0)
	tr.requireRemoved(80)
	require.True(t, tr.fs.Exists(70))
}

func TestApplyConflictedMoveDown(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	tr.newTableFile(70, "key0001", "key0004")
	require.NoError(t, tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 1,
		Compaction: &Compaction{
			Level:        0,
			TableCreates: []*TableCreate{{ID: 70, CF: 0, Level: 1}},
		},
	}))
	// A conflicted move-down is a pure no-op, it owns no new files.
	err := tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 2,
		Compaction: &Compaction{
			CF:           0,
			Level:        1,
			Conflicted:   true,
			TopDeletes:   []uint64{70},
			TableCreates: []*TableCreate{{ID: 70, CF: 0, Level: 2}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{70}, tr.levelIDs(shard, 0, 1))
	time.Sleep(time.Millisecond * 400)
	require.True(t, tr.fs.Exists(70))
}

func TestApplySplitFilesWrongStage(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	require.Equal(t, SplitStageInitial, shard.GetSplitStage())
	err := tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 1,
		SplitFiles: &SplitFiles{},
	})
	require.ErrorIs(t, err, ErrWrongSplitStage)
	require.Equal(t, SplitStageInitial, shard.GetSplitStage())
}

func TestApplySplitFiles(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	tr.newL0File(90, 5, "key0001", "key0009")
	require.NoError(t, tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 1,
		Flush: &Flush{L0Create: &L0Create{ID: 90}},
	}))
	tr.newTableFile(91, "key0001", "key0009")
	require.NoError(t, tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 2,
		Compaction: &Compaction{
			Level:        0,
			TopDeletes:   []uint64{90},
			TableCreates: []*TableCreate{{ID: 91, CF: 0, Level: 1}},
		},
	}))
	// Reach the stage a split-files change-set requires: a flush that
	// carries the stage transition.
	require.NoError(t, tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 3,
		Stage: SplitStagePreSplitFlushDone,
		Flush: &Flush{},
	}))
	require.Equal(t, SplitStagePreSplitFlushDone, shard.GetSplitStage())
	tr.newL0File(95, 7, "key0001", "key0004")
	tr.newTableFile(96, "key0001", "key0004")
	tr.newTableFile(97, "key0005", "key0009")
	err := tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 4,
		Stage: SplitStageSplitFileDone,
		SplitFiles: &SplitFiles{
			L0Creates: []*L0Create{{ID: 95}},
			TableCreates: []*TableCreate{
				{ID: 96, CF: 0, Level: 1},
				{ID: 97, CF: 0, Level: 1},
			},
			TableDeletes: []uint64{91},
		},
	})
	require.NoError(t, err)
	require.Equal(t, SplitStageSplitFileDone, shard.GetSplitStage())
	require.Equal(t, []uint64{95}, tr.l0IDs(shard))
	require.Equal(t, []uint64{96, 97}, tr.levelIDs(shard, 0, 1))
	tr.requireRemoved(91)
}

func TestApplyPrefetchFailure(t *testing.T) {
	tr := newApplyTester(t)
	shard := tr.createShard(1, 1)
	err := tr.en.ApplyChangeSet(&ChangeSet{
		ShardID: 1, ShardVer: 1, Sequence: 1,
		Flush: &Flush{L0Create: &L0Create{ID: 12345}},
	})
	require.ErrorIs(t, err, dfs.ErrFileNotFound)
	require.EqualValues(t, 0, shard.loadMetaSequence())
	require.Len(t, tr.l0IDs(shard), 0)
}

func TestLevelOrderAssertion(t *testing.T) {
	tr := newApplyTester(t)
	tr.createShard(1, 1)
	tr.newTableFile(70, "key0001", "key0005")
	tr.newTableFile(71, "key0004", "key0009")
	require.Panics(t, func() {
		_ = tr.en.ApplyChangeSet(&ChangeSet{
			ShardID: 1, ShardVer: 1, Sequence: 1,
			Compaction: &Compaction{
				Level: 0,
				TableCreates: []*TableCreate{
					{ID: 70, CF: 0, Level: 1},
					{ID: 71, CF: 0, Level: 1},
				},
			},
		})
	})
}
