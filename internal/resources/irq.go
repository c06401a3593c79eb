package resources

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// IrqPool configures the interrupt lines handed out by the allocator:
// lines [First, First+Count).
type IrqPool struct {
	First uint32 `yaml:"first"`
	Count uint32 `yaml:"count"`
}

func (p IrqPool) validate() error {
	if uint64(p.First)+uint64(p.Count) > 1<<32 {
		return fmt.Errorf("irq pool %d+%d overflows", p.First, p.Count)
	}
	return nil
}

// irqSet tracks in-use lines of an IrqPool. Bit i stands for line First+i.
type irqSet struct {
	pool IrqPool
	used bitmap.Bitmap
}

func newIrqSet(pool IrqPool) *irqSet {
	s := &irqSet{pool: pool}
	if pool.Count > 0 {
		s.used = bitmap.New(pool.Count)
	}
	return s
}

func (s *irqSet) contains(line uint32) bool {
	return line >= s.pool.First && line-s.pool.First < s.pool.Count
}

// firstFree returns the lowest free bit at or above from.
func (s *irqSet) firstFree(from uint32) (uint32, bool) {
	if from >= s.pool.Count {
		return 0, false
	}
	bit, err := s.used.FirstZero(from)
	if err != nil || bit >= s.pool.Count {
		return 0, false
	}
	return bit, true
}

func (s *irqSet) isFree(line uint32) bool {
	if !s.contains(line) {
		return false
	}
	bit, ok := s.firstFree(line - s.pool.First)
	return ok && bit == line-s.pool.First
}

// allocate claims the lowest free line.
func (s *irqSet) allocate() (uint32, bool) {
	bit, ok := s.firstFree(0)
	if !ok {
		return 0, false
	}
	s.used.Add(bit)
	return s.pool.First + bit, true
}

// allocateBlock claims count contiguous lines at the lowest possible base.
func (s *irqSet) allocateBlock(count uint32) (uint32, bool) {
	if count == 0 || count > s.pool.Count {
		return 0, false
	}
	from := uint32(0)
	for {
		start, ok := s.firstFree(from)
		if !ok || count > s.pool.Count-start {
			return 0, false
		}
		next, err := s.used.FirstOne(start)
		if err != nil || next >= start+count {
			for bit := start; bit < start+count; bit++ {
				s.used.Add(bit)
			}
			return s.pool.First + start, true
		}
		from = next + 1
	}
}

// claim marks a specific line as used.
func (s *irqSet) claim(line uint32) {
	s.used.Add(line - s.pool.First)
}

func (s *irqSet) release(line, count uint32) {
	for i := uint32(0); i < count; i++ {
		s.used.Remove(line - s.pool.First + i)
	}
}

func (s *irqSet) free() uint32 {
	if s.pool.Count == 0 {
		return 0
	}
	return s.pool.Count - s.used.GetNumOnes()
}
