package kernel

import "fmt"

// StackPoison fills fresh stacks so use can be measured later.
const StackPoison uint32 = 0xFFFFFFFF

// Stack is a task's exclusively owned stack region in port memory.
type Stack struct {
	Base  uint32 // address of the lowest word
	Words uint32
}

// Top is the address of the highest word, where the initial frame starts.
func (s Stack) Top() uint32 {
	return s.Base + 4*(s.Words-1)
}

// Bytes is the size of the region.
func (s Stack) Bytes() uint64 {
	return uint64(s.Words) * 4
}

// StackPool hands out stacks from a fixed region. Nothing is ever freed except
// by rolling back the most recent allocation.
type StackPool struct {
	base uint32
	mem  []uint32
	used uint32
	last Stack
}

func NewStackPool(base uint32, mem []uint32) *StackPool {
	return &StackPool{base: base, mem: mem}
}

// Alloc carves words from the pool.
func (p *StackPool) Alloc(words uint32) (Stack, error) {
	if words == 0 || words > p.Free() {
		return Stack{}, fmt.Errorf("alloc %d words, %d free: %w", words, p.Free(), ErrStackPoolExhausted)
	}
	s := Stack{Base: p.base + 4*p.used, Words: words}
	p.used += words
	p.last = s
	return s, nil
}

// Release undoes the last Alloc. It reports false for any other stack.
func (p *StackPool) Release(s Stack) bool {
	if s.Words == 0 || s != p.last {
		return false
	}
	p.used -= s.Words
	p.last = Stack{}
	return true
}

// Free is the number of words left.
func (p *StackPool) Free() uint32 {
	return uint32(len(p.mem)) - p.used
}

// Used is the number of words handed out.
func (p *StackPool) Used() uint32 { return p.used }

// Poison fills the stack with StackPoison.
func (p *StackPool) Poison(s Stack) {
	w := p.words(s)
	for i := range w {
		w[i] = StackPoison
	}
}

// HighWater is the number of words, counted from the top, that have held
// something other than the poison pattern.
func (p *StackPool) HighWater(s Stack) uint32 {
	w := p.words(s)
	var untouched uint32
	for _, v := range w {
		if v != StackPoison {
			break
		}
		untouched++
	}
	return s.Words - untouched
}

func (p *StackPool) words(s Stack) []uint32 {
	off := (s.Base - p.base) / 4
	return p.mem[off : off+s.Words]
}
