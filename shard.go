package kvengine

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pingcap/kvengine/sstable"
	"github.com/pingcap/kvengine/y"
)

// Shard is one horizontally partitioned unit of the keyspace. Its table
// structure is mutated only by replacing whole snapshots through atomic
// slots, readers walk the snapshots lock-free under an epoch guard.
//
// Identity is (ID, Ver); a split produces new Shard objects with a bumped
// version, the old object is never reused.
type Shard struct {
	ID    uint64
	Ver   uint64
	Start []byte
	End   []byte

	// cfs[i] holds a *shardCF, l0s holds a *l0Tables, memTbls holds a
	// *memTables. All are replaced by CAS, never mutated in place.
	cfs     []unsafe.Pointer
	l0s     unsafe.Pointer
	memTbls unsafe.Pointer

	properties *properties

	// metaSeq is the sequence of the last applied change-set, it gates
	// idempotent re-application of redelivered change-sets.
	metaSeq        uint64
	splitStage     int32
	compacting     uint32
	initialFlushed uint32
	estimatedSize  int64
}

func newShard(id, ver uint64, start, end []byte, opt Options) *Shard {
	shard := &Shard{
		ID:         id,
		Ver:        ver,
		Start:      start,
		End:        end,
		cfs:        make([]unsafe.Pointer, len(opt.CFs)),
		properties: newProperties(),
	}
	for i := range opt.CFs {
		scf := newShardCF(opt.CFs[i].MaxLevels)
		atomic.StorePointer(&shard.cfs[i], unsafe.Pointer(scf))
	}
	atomic.StorePointer(&shard.l0s, unsafe.Pointer(&l0Tables{}))
	atomic.StorePointer(&shard.memTbls, unsafe.Pointer(&memTables{}))
	return shard
}

func (s *Shard) loadCF(cf int) *shardCF {
	return (*shardCF)(atomic.LoadPointer(&s.cfs[cf]))
}

func (s *Shard) casCF(cf int, old, new *shardCF) bool {
	return atomic.CompareAndSwapPointer(&s.cfs[cf], unsafe.Pointer(old), unsafe.Pointer(new))
}

func (s *Shard) loadL0Tables() *l0Tables {
	return (*l0Tables)(atomic.LoadPointer(&s.l0s))
}

func (s *Shard) casL0Tables(old, new *l0Tables) bool {
	return atomic.CompareAndSwapPointer(&s.l0s, unsafe.Pointer(old), unsafe.Pointer(new))
}

func (s *Shard) storeCF(cf int, scf *shardCF) {
	atomic.StorePointer(&s.cfs[cf], unsafe.Pointer(scf))
}

func (s *Shard) storeL0Tables(l0s *l0Tables) {
	atomic.StorePointer(&s.l0s, unsafe.Pointer(l0s))
}

func (s *Shard) loadMemTables() *memTables {
	return (*memTables)(atomic.LoadPointer(&s.memTbls))
}

// atomicAddL0Table prepends the freshly flushed table, it is the most
// recent one. The flush worker is the only producer, so the CAS must
// succeed.
func (s *Shard) atomicAddL0Table(l0 *sstable.L0Table) {
	oldL0s := s.loadL0Tables()
	newL0s := &l0Tables{tables: make([]*sstable.L0Table, 0, len(oldL0s.tables)+1)}
	newL0s.tables = append(newL0s.tables, l0)
	newL0s.tables = append(newL0s.tables, oldL0s.tables...)
	y.Assert(s.casL0Tables(oldL0s, newL0s))
}

// atomicRemoveL0Tables drops the cnt oldest tables, the ones a level-0
// compaction just consumed. A flush may prepend concurrently, only to the
// front, so retrying with the latest list is safe.
func (s *Shard) atomicRemoveL0Tables(cnt int) {
	for {
		oldL0s := s.loadL0Tables()
		newL0s := &l0Tables{tables: make([]*sstable.L0Table, len(oldL0s.tables)-cnt)}
		copy(newL0s.tables, oldL0s.tables)
		if s.casL0Tables(oldL0s, newL0s) {
			return
		}
	}
}

// atomicAddMemTable registers a pending write buffer, called by the write
// path when it seals a mem-table for flushing.
func (s *Shard) atomicAddMemTable(size int64) {
	for {
		oldMemTbls := s.loadMemTables()
		newMemTbls := &memTables{tables: make([]*memTable, 0, len(oldMemTbls.tables)+1)}
		newMemTbls.tables = append(newMemTbls.tables, &memTable{size: size})
		newMemTbls.tables = append(newMemTbls.tables, oldMemTbls.tables...)
		if atomic.CompareAndSwapPointer(&s.memTbls, unsafe.Pointer(oldMemTbls), unsafe.Pointer(newMemTbls)) {
			return
		}
	}
}

// atomicRemoveMemTable drops the oldest pending write buffer after its
// level-0 table has been installed.
func (s *Shard) atomicRemoveMemTable() {
	for {
		oldMemTbls := s.loadMemTables()
		if len(oldMemTbls.tables) == 0 {
			return
		}
		newMemTbls := &memTables{tables: make([]*memTable, len(oldMemTbls.tables)-1)}
		copy(newMemTbls.tables, oldMemTbls.tables)
		if atomic.CompareAndSwapPointer(&s.memTbls, unsafe.Pointer(oldMemTbls), unsafe.Pointer(newMemTbls)) {
			return
		}
	}
}

func (s *Shard) GetSplitStage() SplitStage {
	return SplitStage(atomic.LoadInt32(&s.splitStage))
}

func (s *Shard) setSplitStage(stage SplitStage) {
	atomic.StoreInt32(&s.splitStage, int32(stage))
}

func (s *Shard) IsInitialFlushed() bool {
	return atomic.LoadUint32(&s.initialFlushed) == 1
}

// markInitialFlushed is one-way, the flag never reverts.
func (s *Shard) markInitialFlushed() {
	atomic.StoreUint32(&s.initialFlushed, 1)
}

func (s *Shard) SetCompacting(b bool) {
	var v uint32
	if b {
		v = 1
	}
	atomic.StoreUint32(&s.compacting, v)
}

func (s *Shard) IsCompacting() bool {
	return atomic.LoadUint32(&s.compacting) == 1
}

func (s *Shard) loadMetaSequence() uint64 {
	return atomic.LoadUint64(&s.metaSeq)
}

func (s *Shard) storeMetaSequence(seq uint64) {
	atomic.StoreUint64(&s.metaSeq, seq)
}

// refreshEstimatedSize recomputes the shard size from the current table
// totals. It is an estimate: concurrent flushes may land between the
// loads, the next application refreshes it again.
func (s *Shard) refreshEstimatedSize() {
	size := s.loadL0Tables().totalSize()
	for cf := range s.cfs {
		size += s.loadCF(cf).totalSize()
	}
	atomic.StoreInt64(&s.estimatedSize, size)
}

func (s *Shard) GetEstimatedSize() int64 {
	return atomic.LoadInt64(&s.estimatedSize)
}

// l0Tables is the immutable level-0 table list, most recent first. L0
// tables may overlap in key range, their order is recency.
type l0Tables struct {
	tables []*sstable.L0Table
}

func (l *l0Tables) totalSize() int64 {
	var size int64
	for _, tbl := range l.tables {
		size += tbl.Size()
	}
	return size
}

func sortL0Tables(tables []*sstable.L0Table) {
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].CommitTS() > tables[j].CommitTS()
	})
}

// memTable marks a sealed write buffer that still waits for its flush
// change-set. The buffer contents live in the write path, this core only
// tracks that a flush is pending.
type memTable struct {
	size int64
}

type memTables struct {
	tables []*memTable
}

type properties struct {
	mu   sync.Mutex
	vals map[string][]byte
}

func newProperties() *properties {
	return &properties{vals: map[string][]byte{}}
}

func (p *properties) apply(vals map[string][]byte) {
	if len(vals) == 0 {
		return
	}
	p.mu.Lock()
	for k, v := range vals {
		p.vals[k] = v
	}
	p.mu.Unlock()
}

// GetProperty returns the last flushed value of a shard property.
func (s *Shard) GetProperty(key string) ([]byte, bool) {
	s.properties.mu.Lock()
	defer s.properties.mu.Unlock()
	val, ok := s.properties.vals[key]
	return val, ok
}
