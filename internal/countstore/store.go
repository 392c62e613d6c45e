// Package countstore implements the sparse, page-table-shaped counter
// store from spec.md §3/§4.B: a 3-level radix tree over 48-bit code
// addresses, with lock-free atomic increment on the hot path and
// concurrent, CAS-installed node creation off it.
package countstore

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const (
	level2Bits = 16
	level1Bits = 16
	leafBits   = 16
	level2Size = 1 << level2Bits
	level1Size = 1 << level1Bits
	leafSlots  = (1 << leafBits) / 8 // 8192 eight-byte counters per leaf page
)

type leafPage struct {
	counters [leafSlots]uint64
}

type level1Node struct {
	leaves [level1Size]atomic.Pointer[leafPage]
}

// Store is one shard of the counter store. Construct it with NewStore: the
// zero value has no spare-node pool constructors, so Preallocate panics on it.
type Store struct {
	top     [level2Size]atomic.Pointer[level1Node]
	unknown uint64 // atomic

	spareLeaves sync.Pool
	spareLevel1 sync.Pool
}

// NewStore constructs a single, unsharded counter store.
func NewStore() *Store { return newStore() }

func newStore() *Store {
	s := &Store{}
	s.spareLeaves.New = func() any { return &leafPage{} }
	s.spareLevel1.New = func() any { return &level1Node{} }
	return s
}

func split(addr uint64) (hi, mid, lo uint32) {
	return uint32(addr>>32) & (level2Size - 1),
		uint32(addr>>16) & (level1Size - 1),
		uint32(addr) & 0xffff
}

// ensureLevel1 returns the level1 node for slot hi, installing one via CAS
// if none exists yet. A losing installer keeps its freshly allocated node in
// a pool for the next call instead of discarding it, matching spec.md's
// thread-local-spare-node reuse (adapted: a sync.Pool stands in for a true
// per-thread slot, since Go does not expose cheap thread-local storage).
func (s *Store) ensureLevel1(hi uint32) *level1Node {
	if n := s.top[hi].Load(); n != nil {
		return n
	}
	candidate := s.spareLevel1.Get().(*level1Node)
	if s.top[hi].CompareAndSwap(nil, candidate) {
		return candidate
	}
	s.spareLevel1.Put(candidate)
	return s.top[hi].Load()
}

func (s *Store) ensureLeaf(n *level1Node, mid uint32) *leafPage {
	if p := n.leaves[mid].Load(); p != nil {
		return p
	}
	candidate := s.spareLeaves.Get().(*leafPage)
	if n.leaves[mid].CompareAndSwap(nil, candidate) {
		return candidate
	}
	s.spareLeaves.Put(candidate)
	return n.leaves[mid].Load()
}

// Preallocate materializes every leaf page covering [base, base+size). It is
// intended to run at startup and on every dynamic library load, over a
// small, known set of segments; it is not required to be concurrent with
// itself, though it is safe to call from multiple goroutines since every
// node it creates is installed by CAS. Increment never installs nodes.
func (s *Store) Preallocate(base, size uint64) {
	if size == 0 {
		return
	}
	end := base + size
	const leafSpan = 8 * leafSlots
	for addr := base &^ (leafSpan - 1); addr < end; addr += leafSpan {
		hi, mid, _ := split(addr)
		s.ensureLeaf(s.ensureLevel1(hi), mid)
	}
}

// Increment atomically adds 1 to the counter for addr. When the covering
// page was preallocated this is three array loads and one atomic add; when
// it was not, the event is charged to the shard's unknown counter rather
// than allocating on the hot path.
func (s *Store) Increment(addr uint64) {
	hi, mid, lo := split(addr)
	n := s.top[hi].Load()
	if n == nil {
		atomic.AddUint64(&s.unknown, 1)
		return
	}
	leaf := n.leaves[mid].Load()
	if leaf == nil {
		atomic.AddUint64(&s.unknown, 1)
		return
	}
	atomic.AddUint64(&leaf.counters[lo/8], 1)
}

// Unknown returns the number of increments charged to addresses with no
// preallocated leaf.
func (s *Store) Unknown() uint64 {
	return atomic.LoadUint64(&s.unknown)
}

// VisitNonzero invokes cb(addr, count) for every populated counter, in
// ascending address order.
func (s *Store) VisitNonzero(cb func(addr uint64, count uint64)) {
	for hi := 0; hi < level2Size; hi++ {
		n := s.top[hi].Load()
		if n == nil {
			continue
		}
		for mid := 0; mid < level1Size; mid++ {
			leaf := n.leaves[mid].Load()
			if leaf == nil {
				continue
			}
			for lo := 0; lo < leafSlots; lo++ {
				count := atomic.LoadUint64(&leaf.counters[lo])
				if count == 0 {
					continue
				}
				addr := uint64(hi)<<32 | uint64(mid)<<16 | uint64(lo*8)
				cb(addr, count)
			}
		}
	}
}

// ShardedStore partitions counting across N independent Stores to cut
// contention on hot addresses, summing them at dump time.
type ShardedStore struct {
	shards []*Store
}

// NewShardedStore builds a store with n independent shards. n < 1 is
// treated as 1.
func NewShardedStore(n int) *ShardedStore {
	if n < 1 {
		n = 1
	}
	ss := &ShardedStore{shards: make([]*Store, n)}
	for i := range ss.shards {
		ss.shards[i] = newStore()
	}
	return ss
}

func (ss *ShardedStore) shardFor(threadKey uint64) *Store {
	if len(ss.shards) == 1 {
		return ss.shards[0]
	}
	h := xxhash.Sum64(uint64Bytes(threadKey))
	return ss.shards[h%uint64(len(ss.shards))]
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b[:]
}

// Preallocate materializes the covering pages across every shard, since any
// shard may end up charged for an address in this range.
func (ss *ShardedStore) Preallocate(base, size uint64) {
	for _, s := range ss.shards {
		s.Preallocate(base, size)
	}
}

// Increment routes to the shard selected by threadKey (typically the
// calling thread's id), a cheap per-thread hash that only needs to spread
// writers across shards, not to address a specific counter.
func (ss *ShardedStore) Increment(threadKey, addr uint64) {
	ss.shardFor(threadKey).Increment(addr)
}

// Unknown sums the unknown counters across all shards.
func (ss *ShardedStore) Unknown() uint64 {
	var total uint64
	for _, s := range ss.shards {
		total += s.Unknown()
	}
	return total
}

// VisitNonzero merges counts for the same address across shards by
// addition and invokes cb in ascending address order.
func (ss *ShardedStore) VisitNonzero(cb func(addr uint64, count uint64)) {
	if len(ss.shards) == 1 {
		ss.shards[0].VisitNonzero(cb)
		return
	}
	merged := make(map[uint64]uint64)
	for _, s := range ss.shards {
		s.VisitNonzero(func(addr, count uint64) {
			merged[addr] += count
		})
	}
	addrs := make([]uint64, 0, len(merged))
	for a := range merged {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		cb(a, merged[a])
	}
}
