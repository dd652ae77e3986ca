// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package blockcache puts a TinyLFU block cache in front of an [io.ReaderAt],
// so that directory walks over an image re-read hot sectors from memory.
package blockcache

import (
	"hash/maphash"
	"io"
	"sync"

	"github.com/dgryski/go-tinylfu"
)

type ckey struct {
	src uint64 // distinguishes readers sharing a Pool
	blk int64
}

// A Pool shares a bounded number of cached blocks among many readers.
// A Pool is safe for concurrent use by multiple goroutines.
type Pool struct {
	shift int
	mu    sync.Mutex
	cache *tinylfu.T[ckey, []byte]
	next  uint64

	hits, misses uint64
}

var seed = maphash.MakeSeed()

func hasher(k ckey) uint64 {
	return maphash.Comparable(seed, k)
}

// New returns a Pool of nBlock blocks of 1<<blockShift bytes.
func New(blockShift int, nBlock int) *Pool {
	return &Pool{
		shift: blockShift,
		cache: tinylfu.New[ckey, []byte](nBlock, nBlock*10, hasher),
	}
}

// Stats reports cache hits and misses so far.
func (p *Pool) Stats() (hits, misses uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}

// ReaderAt wraps r. Reads are served block by block through the Pool.
func (p *Pool) ReaderAt(r io.ReaderAt) *ReaderAt {
	p.mu.Lock()
	p.next++
	id := p.next
	p.mu.Unlock()
	return &ReaderAt{pool: p, r: r, id: id}
}

type ReaderAt struct {
	pool *Pool
	r    io.ReaderAt
	id   uint64
}

func (c *ReaderAt) block(b int64) ([]byte, error) {
	p := c.pool
	k := ckey{c.id, b}
	p.mu.Lock()
	blk, ok := p.cache.Get(k)
	if ok {
		p.hits++
	} else {
		p.misses++
	}
	p.mu.Unlock()
	if ok {
		return blk, nil
	}

	blk = make([]byte, 1<<p.shift)
	n, err := c.r.ReadAt(blk, b<<p.shift)
	blk = blk[:n]
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	p.mu.Lock()
	p.cache.Add(k, blk)
	p.mu.Unlock()
	return blk, nil
}

func (c *ReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.EOF
	}
	shift := c.pool.shift
	mask := int64(1)<<shift - 1
	for n < len(p) {
		pos := off + int64(n)
		blk, err := c.block(pos >> shift)
		if err != nil {
			return n, err
		}
		within := int(pos & mask)
		if within >= len(blk) {
			return n, io.EOF
		}
		n += copy(p[n:], blk[within:])
		if len(blk) < 1<<shift && n < len(p) {
			return n, io.EOF // short final block
		}
	}
	return n, nil
}

// Size passes through the wrapped reader's size when it has one.
func (c *ReaderAt) Size() int64 {
	if s, ok := c.r.(interface{ Size() int64 }); ok {
		return s.Size()
	}
	return -1
}
