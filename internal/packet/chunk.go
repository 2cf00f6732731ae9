package packet

import (
	"fmt"

	"firestige.xyz/vswitch/internal/core"
)

// Chunk is a fixed-size region of an interface-owned pool. Frames received
// into a chunk are processed in place.
type Chunk struct {
	pool *Pool
	id   int
	data []byte
}

func (c *Chunk) ID() int       { return c.id }
func (c *Chunk) Pool() *Pool   { return c.pool }
func (c *Chunk) Bytes() []byte { return c.data }

// Release returns the chunk to its pool.
func (c *Chunk) Release() { c.pool.put(c) }

// Pool is a fixed set of chunks with a lock-free free list. Get never blocks.
type Pool struct {
	name      string
	chunkSize int
	free      chan *Chunk
	total     int
}

// NewPool allocates count chunks of chunkSize bytes.
func NewPool(name string, count, chunkSize int) (*Pool, error) {
	if count <= 0 || chunkSize <= 0 {
		return nil, fmt.Errorf("pool %s: count and chunk size must be positive: %w", name, core.ErrConfigInvalid)
	}
	p := &Pool{
		name:      name,
		chunkSize: chunkSize,
		free:      make(chan *Chunk, count),
		total:     count,
	}
	region := make([]byte, count*chunkSize)
	for i := 0; i < count; i++ {
		p.free <- &Chunk{pool: p, id: i, data: region[i*chunkSize : (i+1)*chunkSize : (i+1)*chunkSize]}
	}
	return p, nil
}

func (p *Pool) Name() string   { return p.name }
func (p *Pool) ChunkSize() int { return p.chunkSize }
func (p *Pool) Available() int { return len(p.free) }
func (p *Pool) Total() int     { return p.total }

// Get returns a free chunk or core.ErrNoFreeChunk.
func (p *Pool) Get() (*Chunk, error) {
	select {
	case c := <-p.free:
		return c, nil
	default:
		return nil, fmt.Errorf("pool %s: %w", p.name, core.ErrNoFreeChunk)
	}
}

func (p *Pool) put(c *Chunk) {
	select {
	case p.free <- c:
	default:
		// more puts than gets, the chunk was released twice
	}
}
