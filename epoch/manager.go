// Package epoch provides epoch-based deferred reclamation for resources
// shared between lock-free readers and a single writer.
//
// A reader acquires a Guard before it dereferences any resource obtained
// from an atomically swapped slot, and releases it with Done. A writer
// that replaces a resource registers the replaced resource on its own
// guard with Delete; the resource's Delete method runs only after every
// guard that was active at registration time has been released, so no
// reader can observe a reclaimed resource.
package epoch

import (
	"time"
	"unsafe"

	"github.com/pingcap/kvengine/y"
)

// Resource is anything whose destruction must be deferred past the
// current epoch, e.g. the backing file of a replaced table.
type Resource interface {
	Delete() error
}

// Guard bounds the window in which its owner may dereference shared
// resources. It is valid from Acquire until Done.
type Guard struct {
	localEpoch atomicEpoch
	mgr        *ResourceManager
	deletions  []deletion

	next unsafe.Pointer
}

// Delete schedules the resources for destruction once no guard that was
// active at the time of the call remains pinned.
func (g *Guard) Delete(resources []Resource) {
	globalEpoch := g.mgr.currentEpoch.load()
	g.deletions = append(g.deletions, deletion{
		epoch:     globalEpoch,
		resources: resources,
	})
}

// Done unpins the guard. The guard must not be used afterwards.
func (g *Guard) Done() {
	g.localEpoch.store(g.localEpoch.load().deactivate())
}

type deletion struct {
	epoch     epoch
	resources []Resource
}

func (d *deletion) destroy() {
	for _, r := range d.resources {
		r.Delete()
	}
	d.resources = nil
}

// ResourceManager tracks all guards and advances the global epoch,
// destroying resources whose registration epoch is at least two behind.
type ResourceManager struct {
	currentEpoch atomicEpoch

	// TODO: cache line size for non x86
	cachePad [64]byte
	guards   guardList
}

func NewResourceManager(c *y.Closer) *ResourceManager {
	rm := &ResourceManager{
		currentEpoch: atomicEpoch{epoch: 1 << 1},
	}
	go rm.collectLoop(c)
	return rm
}

// Acquire pins a new guard at the current global epoch.
func (rm *ResourceManager) Acquire() *Guard {
	g := &Guard{mgr: rm}
	rm.guards.add(g)
	g.localEpoch.store(rm.currentEpoch.load().activate())
	return g
}

func (rm *ResourceManager) collectLoop(c *y.Closer) {
	defer c.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rm.collect()
		case <-c.HasBeenClosed():
			rm.collectAll()
			return
		}
	}
}

func (rm *ResourceManager) collect() {
	it := rm.guards.newIterator()
	canAdvance := true
	globalEpoch := rm.currentEpoch.load()
	remain := 0

	for it.rewind(); it.valid(); it.next() {
		remain++
		guard := it.guard()
		localEpoch := guard.localEpoch.load()
		if localEpoch == 0 {
			// ignore newly added guard
			continue
		}

		if localEpoch.isActive() {
			canAdvance = canAdvance && localEpoch.sub(globalEpoch) == 0
			continue
		}

		ds := guard.deletions[:0]
		for _, d := range guard.deletions {
			if globalEpoch.sub(d.epoch) < 2 {
				ds = append(ds, d)
				continue
			}
			d.destroy()
		}
		guard.deletions = ds
		if len(guard.deletions) == 0 {
			it.delete()
			remain--
		}
	}

	if canAdvance && remain != 0 {
		rm.currentEpoch.store(globalEpoch.successor())
	}
}

// collectAll runs on shutdown, all readers are gone by then.
func (rm *ResourceManager) collectAll() {
	it := rm.guards.newIterator()
	for it.rewind(); it.valid(); it.next() {
		guard := it.guard()
		for i := range guard.deletions {
			guard.deletions[i].destroy()
		}
		guard.deletions = nil
		it.delete()
	}
}
