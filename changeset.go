package kvengine

import "fmt"

// SplitStage is the totally ordered stage of an ongoing shard split. It
// only advances through applied change-sets.
type SplitStage int32

const (
	SplitStageInitial SplitStage = iota
	SplitStagePreSplit
	SplitStagePreSplitFlushDone
	SplitStageSplitFileDone
)

func (s SplitStage) String() string {
	switch s {
	case SplitStageInitial:
		return "initial"
	case SplitStagePreSplit:
		return "pre-split"
	case SplitStagePreSplitFlushDone:
		return "pre-split-flush-done"
	case SplitStageSplitFileDone:
		return "split-file-done"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// ChangeSet is a decoded descriptor of one structural mutation of a
// shard. It is produced by the flush/compaction/split jobs and delivered
// at least once, so application must be idempotent on Sequence.
// Exactly one of the payload fields is set.
type ChangeSet struct {
	ShardID  uint64
	ShardVer uint64
	Sequence uint64
	Stage    SplitStage

	Flush      *Flush
	Compaction *Compaction
	SplitFiles *SplitFiles
	Snapshot   *Snapshot
}

// L0Create references a new level-0 table file. The key range and
// commit-ts are read from the file itself on open.
type L0Create struct {
	ID uint64
}

// TableCreate references a new leveled table file and its placement.
type TableCreate struct {
	ID    uint64
	CF    int
	Level int
}

// Flush turns a flushed write buffer into a level-0 table. A flush
// without an L0 create is a pure stage transition (empty mem-table
// flushed during a split sequence).
type Flush struct {
	L0Create   *L0Create
	CommitTS   uint64
	Properties map[string][]byte
}

// Compaction replaces tables of one level pair.
//
// For Level == 0 the top deletes are level-0 table ids and the creates go
// to level 1 of every column family. For Level > 0 only CF is affected:
// creates and bottom deletes apply to Level+1, top deletes to Level.
type Compaction struct {
	CF         int
	Level      int
	Conflicted bool

	TableCreates  []*TableCreate
	TopDeletes    []uint64
	BottomDeletes []uint64
}

// SplitFiles repartitions the tables of a shard that finished its
// pre-split flush. Deletes apply to both the L0 list and all levels.
type SplitFiles struct {
	L0Creates    []*L0Create
	TableCreates []*TableCreate
	TableDeletes []uint64
}

// Snapshot carries the complete table set of a shard, used to ingest a
// shard received from a remote peer.
type Snapshot struct {
	Start        []byte
	End          []byte
	L0Creates    []*L0Create
	TableCreates []*TableCreate
	Properties   map[string][]byte
}

// A move-down compaction relocates tables to the next level without
// rewriting them, so its creates reference the same file ids as its top
// deletes and must never be treated as new physical files.
func isMoveDown(comp *Compaction) bool {
	if len(comp.TableCreates) == 0 || len(comp.TableCreates) != len(comp.TopDeletes) {
		return false
	}
	for _, create := range comp.TableCreates {
		if !containsUint64(comp.TopDeletes, create.ID) {
			return false
		}
	}
	return true
}

func containsUint64(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
