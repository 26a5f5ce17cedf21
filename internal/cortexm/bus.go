// internal/cortexm/bus.go

package cortexm

import (
	"fmt"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"

	"uthread/internal/kernel"
)

// Memory map.
const (
	FlashBase   uint32 = 0x0800_0000 // linked task entry points
	TokenBase   uint32 = 0x0810_0000 // resume addresses of suspended threads
	LiteralBase uint32 = 0x0820_0000 // task arguments
	SRAMBase    uint32 = 0x2000_0000

	regionSpan uint32 = 0x0010_0000

	// The main stack lives in core-coupled memory, which is not on the bus.
	mspTop uint32 = 0x1001_0000
)

// RegionKind classifies an address range.
type RegionKind int

const (
	RegionFlash RegionKind = iota
	RegionTokens
	RegionLiterals
	RegionSRAM
)

func (k RegionKind) String() string {
	switch k {
	case RegionFlash:
		return "flash"
	case RegionTokens:
		return "tokens"
	case RegionLiterals:
		return "literals"
	case RegionSRAM:
		return "sram"
	default:
		return "unknown"
	}
}

// Region is one mapped address range.
type Region struct {
	Kind RegionKind
	Base uint32
	Size uint32 // bytes
}

func (r Region) contains(addr uint32) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// BusError is a failed data access.
type BusError struct {
	Addr  uint32
	Write bool
}

func (e *BusError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("bus fault: %s at %#08x", op, e.Addr)
}

// Bus decodes addresses into regions. Only SRAM holds data words; the other
// regions give identities to Go values so they can travel through registers
// and stack frames.
type Bus struct {
	regions *redblacktree.Tree // base address -> Region
	code    []kernel.Entry
	lits    []any
	sram    []uint32
}

// NewBus maps sramWords of SRAM plus the code and literal regions.
func NewBus(sramWords int) *Bus {
	b := &Bus{
		regions: redblacktree.NewWith(utils.UInt32Comparator),
		sram:    make([]uint32, sramWords),
	}
	b.mapRegion(Region{Kind: RegionFlash, Base: FlashBase, Size: regionSpan})
	b.mapRegion(Region{Kind: RegionTokens, Base: TokenBase, Size: regionSpan})
	b.mapRegion(Region{Kind: RegionLiterals, Base: LiteralBase, Size: regionSpan})
	b.mapRegion(Region{Kind: RegionSRAM, Base: SRAMBase, Size: uint32(sramWords) * 4})
	return b
}

func (b *Bus) mapRegion(r Region) {
	b.regions.Put(r.Base, r)
}

// Region returns the region containing addr.
func (b *Bus) Region(addr uint32) (Region, bool) {
	node, found := b.regions.Floor(addr)
	if !found {
		return Region{}, false
	}
	r := node.Value.(Region)
	if !r.contains(addr) {
		return Region{}, false
	}
	return r, true
}

// Regions lists the memory map in address order.
func (b *Bus) Regions() []Region {
	out := make([]Region, 0, b.regions.Size())
	for _, v := range b.regions.Values() {
		out = append(out, v.(Region))
	}
	return out
}

// Link places entry in flash and returns its address with the Thumb bit set.
func (b *Bus) Link(entry kernel.Entry) uint32 {
	b.code = append(b.code, entry)
	return FlashBase + 4*uint32(len(b.code)-1) | 1
}

// EntryAt resolves a branch target to a linked entry point.
func (b *Bus) EntryAt(addr uint32) (kernel.Entry, bool) {
	r, ok := b.Region(addr)
	if !ok || r.Kind != RegionFlash {
		return nil, false
	}
	i := (addr&^1 - FlashBase) / 4
	if i >= uint32(len(b.code)) {
		return nil, false
	}
	return b.code[i], true
}

// Box stores arg in the literal pool and returns its address. nil is 0.
func (b *Bus) Box(arg any) uint32 {
	if arg == nil {
		return 0
	}
	b.lits = append(b.lits, arg)
	return LiteralBase + 4*uint32(len(b.lits)-1)
}

// Unbox returns the value Box stored at addr, or nil.
func (b *Bus) Unbox(addr uint32) any {
	r, ok := b.Region(addr)
	if !ok || r.Kind != RegionLiterals {
		return nil
	}
	i := (addr - LiteralBase) / 4
	if i >= uint32(len(b.lits)) {
		return nil
	}
	return b.lits[i]
}

// Load reads an SRAM word.
func (b *Bus) Load(addr uint32) (uint32, error) {
	i, ok := b.sramIndex(addr)
	if !ok {
		return 0, &BusError{Addr: addr}
	}
	return b.sram[i], nil
}

// Store writes an SRAM word.
func (b *Bus) Store(addr, v uint32) error {
	i, ok := b.sramIndex(addr)
	if !ok {
		return &BusError{Addr: addr, Write: true}
	}
	b.sram[i] = v
	return nil
}

// Words returns a view of n SRAM words starting at addr.
func (b *Bus) Words(addr uint32, n int) ([]uint32, error) {
	i, ok := b.sramIndex(addr)
	if !ok || n < 0 || int(i)+n > len(b.sram) {
		return nil, &BusError{Addr: addr}
	}
	return b.sram[i : int(i)+n], nil
}

// SRAM is the backing store of the SRAM region.
func (b *Bus) SRAM() []uint32 { return b.sram }

func (b *Bus) sramIndex(addr uint32) (uint32, bool) {
	if addr&3 != 0 || addr < SRAMBase {
		return 0, false
	}
	i := (addr - SRAMBase) / 4
	return i, i < uint32(len(b.sram))
}
