package kvengine

import (
	"bytes"
	"sort"

	"github.com/pingcap/kvengine/sstable"
	"github.com/pingcap/log"
)

// levelHandler is the ordered, non-overlapping table set of one level of
// one column family. It is immutable once published in a shardCF.
type levelHandler struct {
	level     int
	tables    []*sstable.SSTable
	totalSize int64
}

func newLevelHandler(level int) *levelHandler {
	return &levelHandler{level: level}
}

func sortTables(tables []*sstable.SSTable) {
	sort.Slice(tables, func(i, j int) bool {
		return bytes.Compare(tables[i].Smallest(), tables[j].Smallest()) < 0
	})
}

// assertTablesOrder panics if the tables are not strictly ordered and
// mutually non-overlapping. A violation here means a compaction or split
// produced garbage, continuing would corrupt reads silently.
func assertTablesOrder(level int, tables []*sstable.SSTable) {
	for i := 0; i+1 < len(tables); i++ {
		ti, tj := tables[i], tables[i+1]
		if bytes.Compare(ti.Smallest(), ti.Biggest()) > 0 ||
			bytes.Compare(ti.Biggest(), tj.Smallest()) >= 0 {
			log.S().Errorf("level %d table order invalid, ti:%d[%x,%x] tj:%d[%x,%x]",
				level, ti.ID(), ti.Smallest(), ti.Biggest(), tj.ID(), tj.Smallest(), tj.Biggest())
			panic("the order of tables is invalid")
		}
	}
}

// shardCF is the immutable per-column-family snapshot, one level handler
// per level, replaced wholesale through the shard's CF slot.
type shardCF struct {
	levels []*levelHandler
}

func newShardCF(maxLevels int) *shardCF {
	scf := &shardCF{levels: make([]*levelHandler, maxLevels)}
	for i := range scf.levels {
		scf.levels[i] = newLevelHandler(i + 1)
	}
	return scf
}

// replaceLevel returns a copy of the snapshot with one level swapped.
// The untouched levels are shared, not copied.
func (scf *shardCF) replaceLevel(idx int, h *levelHandler) *shardCF {
	newSCF := &shardCF{levels: make([]*levelHandler, len(scf.levels))}
	copy(newSCF.levels, scf.levels)
	newSCF.levels[idx] = h
	return newSCF
}

func (scf *shardCF) totalSize() int64 {
	var size int64
	for _, h := range scf.levels {
		size += h.totalSize
	}
	return size
}
