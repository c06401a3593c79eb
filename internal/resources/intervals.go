package resources

import (
	"github.com/google/btree"

	"github.com/tinyrange/vmdevice/internal/hv"
)

type interval struct {
	base uint64
	size uint64
}

func (i interval) last() uint64 { return i.base + i.size - 1 }

func intervalLess(a, b interval) bool { return a.base < b.base }

// intervalSet is a set of disjoint intervals ordered by base address.
// Adjacent intervals are merged on insert.
type intervalSet struct {
	tree *btree.BTreeG[interval]
}

func newIntervalSet() *intervalSet {
	return &intervalSet{tree: btree.NewG(8, intervalLess)}
}

// containing returns the interval that holds addr, if any.
func (s *intervalSet) containing(addr uint64) (interval, bool) {
	var (
		found interval
		ok    bool
	)
	s.tree.DescendLessOrEqual(interval{base: addr}, func(iv interval) bool {
		found, ok = iv, addr <= iv.last()
		return false
	})
	return found, ok
}

// overlaps reports whether any interval in the set intersects [base, base+size).
func (s *intervalSet) overlaps(base, size uint64) bool {
	if _, ok := s.containing(base); ok {
		return true
	}
	last := base + size - 1
	hit := false
	s.tree.AscendGreaterOrEqual(interval{base: base}, func(iv interval) bool {
		hit = iv.base <= last
		return false
	})
	return hit
}

// insert adds a free interval that must not overlap the set, coalescing it
// with its neighbours.
func (s *intervalSet) insert(iv interval) {
	if iv.base > 0 {
		if prev, ok := s.containing(iv.base - 1); ok && prev.size+iv.size > prev.size {
			s.tree.Delete(prev)
			iv = interval{base: prev.base, size: prev.size + iv.size}
		}
	}
	if iv.last() != ^uint64(0) {
		if next, ok := s.tree.Get(interval{base: iv.last() + 1}); ok && iv.size+next.size > iv.size {
			s.tree.Delete(next)
			iv = interval{base: iv.base, size: iv.size + next.size}
		}
	}
	s.tree.ReplaceOrInsert(iv)
}

// carve removes [base, base+size) from iv, which must contain it.
func (s *intervalSet) carve(iv interval, base, size uint64) {
	s.tree.Delete(iv)
	if base > iv.base {
		s.tree.ReplaceOrInsert(interval{base: iv.base, size: base - iv.base})
	}
	end := base + size - 1
	if end < iv.last() {
		s.tree.ReplaceOrInsert(interval{base: end + 1, size: iv.last() - end})
	}
}

// firstFit carves the lowest size-byte block aligned to align.
func (s *intervalSet) firstFit(size, align uint64) (uint64, bool) {
	var (
		found interval
		base  uint64
		ok    bool
	)
	s.tree.Ascend(func(iv interval) bool {
		start := hv.AlignUp(iv.base, align)
		if start < iv.base || start > iv.last() {
			return true
		}
		if size-1 > iv.last()-start {
			return true
		}
		found, base, ok = iv, start, true
		return false
	})
	if !ok {
		return 0, false
	}
	s.carve(found, base, size)
	return base, true
}

// claim carves exactly [base, base+size) if it is entirely free.
func (s *intervalSet) claim(base, size uint64) bool {
	iv, ok := s.containing(base)
	if !ok || size-1 > iv.last()-base {
		return false
	}
	s.carve(iv, base, size)
	return true
}

// total returns the number of addresses in the set, saturating at 2^64-1.
func (s *intervalSet) total() uint64 {
	var sum uint64
	s.tree.Ascend(func(iv interval) bool {
		if sum+iv.size < sum {
			sum = ^uint64(0)
			return false
		}
		sum += iv.size
		return true
	})
	return sum
}

func (s *intervalSet) ranges(space hv.IoSpace) []hv.IoRange {
	out := make([]hv.IoRange, 0, s.tree.Len())
	s.tree.Ascend(func(iv interval) bool {
		out = append(out, hv.IoRange{Space: space, Base: iv.base, Size: iv.size})
		return true
	})
	return out
}
