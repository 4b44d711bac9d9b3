package pool

import (
	"unsafe"

	"agrama/internal/errors"
)

// vectorAlignment is the byte alignment for embedding blocks, chosen
// so the semantic index's inner loops can use wide SIMD loads.
const vectorAlignment = 32

// VectorBlock is an aligned []float32 buffer sized to hold one
// embedding. Data is a sub-slice of an over-allocated backing array,
// sliced so its first element sits on a 32-byte boundary.
type VectorBlock struct {
	Data    []float32
	backing []float32
}

func newVectorBlock(dim int) *VectorBlock {
	// Over-allocate by up to vectorAlignment/4 float32s (8 elements)
	// to guarantee room for an aligned sub-slice.
	pad := vectorAlignment / 4
	backing := make([]float32, dim+pad)
	addr := uintptr(unsafe.Pointer(&backing[0]))
	offset := (vectorAlignment - int(addr%vectorAlignment)) % vectorAlignment
	start := offset / 4
	return &VectorBlock{Data: backing[start : start+dim : start+dim], backing: backing}
}

func (b *VectorBlock) reset() {
	for i := range b.Data {
		b.Data[i] = 0
	}
}

// VectorPool is a fixed-capacity pool of VectorBlock. The blocks live
// outside the slot pool, indexed by handle, so a released slot's
// payload zeroing never discards a pre-allocated aligned block.
type VectorPool struct {
	pool   *Pool[struct{}]
	blocks []*VectorBlock
	dim    int
}

// NewVectorPool builds a pool of capacity blocks, each able to hold a
// vector of the configured embedding dimension. All blocks are
// allocated up front so Acquire never allocates.
func NewVectorPool(capacity, dim int) *VectorPool {
	blocks := make([]*VectorBlock, capacity)
	for i := range blocks {
		blocks[i] = newVectorBlock(dim)
	}
	return &VectorPool{pool: NewPool[struct{}](capacity), blocks: blocks, dim: dim}
}

// Acquire obtains a VectorBlock, or PoolExhausted.
func (vp *VectorPool) Acquire() (Handle, *VectorBlock, error) {
	h, err := vp.pool.Acquire()
	if err != nil {
		return 0, nil, err
	}
	blk := vp.blocks[h]
	blk.reset()
	return h, blk, nil
}

// Release returns a block to the pool.
func (vp *VectorPool) Release(h Handle) {
	vp.pool.Release(h)
}

// Stats reports pool occupancy.
func (vp *VectorPool) Stats() Stats { return vp.pool.Stats() }

// Pools aggregates the pool set every core carries: request buffers,
// response buffers, JSON-like objects, and vector blocks, plus the
// arena source for per-request scratch space.
type Pools struct {
	Arenas    *Arenas
	Requests  *Pool[[]byte]
	Responses *Pool[[]byte]
	Objects   *Pool[map[string]any]
	Vectors   *VectorPool
}

// PoolSizes names the pool size keys consumed by New.
type PoolSizes struct {
	Requests  int
	Responses int
	Objects   int
	Vectors   int
}

// New builds the mandatory pool set.
func New(sizes PoolSizes, arenaSize, embeddingDim int) (*Pools, error) {
	if sizes.Requests <= 0 || sizes.Responses <= 0 || sizes.Objects <= 0 || sizes.Vectors <= 0 {
		return nil, errors.New(errors.InvalidInput, "pool.New", "all pool sizes must be positive")
	}
	return &Pools{
		Arenas:    NewArenas(arenaSize),
		Requests:  NewPool[[]byte](sizes.Requests),
		Responses: NewPool[[]byte](sizes.Responses),
		Objects:   NewPool[map[string]any](sizes.Objects),
		Vectors:   NewVectorPool(sizes.Vectors, embeddingDim),
	}, nil
}
