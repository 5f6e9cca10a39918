package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"
)

// ErrBadAddress is returned for raw accesses outside any live block.
var ErrBadAddress = errors.New("memory: bad raw address")

type block struct {
	addr int64
	data []byte
}

func blockLess(a, b *block) bool { return a.addr < b.addr }

// Arena is raw memory addressed by integers. Live blocks are kept in a
// B-tree ordered by start address so that an interior pointer resolves to
// its block with one descent.
type Arena struct {
	mu     sync.Mutex
	blocks *btree.BTreeG[*block]
	next   int64
	live   int64
}

// NewArena returns an empty arena. Addresses start above zero so that 0
// stays the NULL raw pointer.
func NewArena() *Arena {
	return &Arena{blocks: btree.NewG[*block](8, blockLess), next: 0x10000}
}

// Malloc allocates size bytes, zero-filled, and returns the address.
func (a *Arena) Malloc(size int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size <= 0 {
		size = 1
	}
	addr := a.next
	a.next += (size + 15) &^ 15
	a.blocks.ReplaceOrInsert(&block{addr: addr, data: make([]byte, size)})
	a.live += size
	return addr
}

// Free releases the block starting at addr.
func (a *Arena) Free(addr int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.blocks.Delete(&block{addr: addr})
	if !ok {
		return fmt.Errorf("free %#x: %w", addr, ErrBadAddress)
	}
	a.live -= int64(len(b.data))
	return nil
}

// Live returns the number of allocated bytes.
func (a *Arena) Live() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// slice returns the n bytes at addr.
func (a *Arena) slice(addr int64, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var found *block
	a.blocks.DescendLessOrEqual(&block{addr: addr}, func(b *block) bool {
		found = b
		return false
	})
	if found == nil {
		return nil, fmt.Errorf("%#x: %w", addr, ErrBadAddress)
	}
	off := addr - found.addr
	if off < 0 || off+int64(n) > int64(len(found.data)) {
		return nil, fmt.Errorf("%#x+%d: %w", addr, n, ErrBadAddress)
	}
	return found.data[off : off+int64(n)], nil
}

// LoadInt reads a size-byte little-endian integer.
func (a *Arena) LoadInt(addr int64, size int, signed bool) (int64, error) {
	buf, err := a.slice(addr, size)
	if err != nil {
		return 0, err
	}
	var u uint64
	switch size {
	case 1:
		u = uint64(buf[0])
	case 2:
		u = uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		u = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		u = binary.LittleEndian.Uint64(buf)
	default:
		return 0, fmt.Errorf("load of %d bytes: %w", size, ErrBadAddress)
	}
	return narrow(int64(u), size, signed), nil
}

// StoreInt writes the low size bytes of v little-endian.
func (a *Arena) StoreInt(addr int64, size int, v int64) error {
	buf, err := a.slice(addr, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	default:
		return fmt.Errorf("store of %d bytes: %w", size, ErrBadAddress)
	}
	return nil
}

// LoadFloat reads a float64.
func (a *Arena) LoadFloat(addr int64) (float64, error) {
	buf, err := a.slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil
}

// StoreFloat writes a float64.
func (a *Arena) StoreFloat(addr int64, f float64) error {
	buf, err := a.slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
	return nil
}

// narrow truncates v to size bytes and sign- or zero-extends it back.
func narrow(v int64, size int, signed bool) int64 {
	if size >= 8 || size <= 0 {
		return v
	}
	bits := uint(size * 8)
	if signed {
		return v << (64 - bits) >> (64 - bits)
	}
	return int64(uint64(v) & (1<<bits - 1))
}
