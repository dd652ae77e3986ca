// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package lzmatch finds greedy longest matches in a sliding window,
// for the LZSS-family encoders.
package lzmatch

const (
	hashBits = 16 // a two-byte key indexes head directly
	hashSize = 1 << hashBits
	maxChain = 4096
)

// Token is a literal byte when Len is zero, otherwise a back-reference
// Dist bytes behind the current position.
type Token struct {
	Lit  byte
	Len  int
	Dist int
}

type Finder struct {
	window, minMatch, maxMatch int
	keyLen                     int

	buf  []byte // buf[0] is at absolute position base
	base int64
	cur  int // next byte to encode, an index into buf

	head []int64 // newest absolute position with each hash, or -1
	prev []int64 // previous position with the same hash, indexed by position mod len(prev)
}

// New returns a Finder for back-references up to window bytes behind,
// at least minMatch and at most maxMatch bytes long.
func New(window, minMatch, maxMatch int) *Finder {
	ring := 1
	for ring < window {
		ring <<= 1
	}
	f := &Finder{
		window:   window,
		minMatch: max(minMatch, 1),
		maxMatch: maxMatch,
		keyLen:   min(max(minMatch, 1), 3),
		head:     make([]int64, hashSize),
		prev:     make([]int64, ring),
	}
	for i := range f.head {
		f.head[i] = -1
	}
	return f
}

// Write queues bytes to be encoded.
func (f *Finder) Write(p []byte) {
	f.buf = append(f.buf, p...)
}

// Buffered reports the bytes queued but not yet returned as tokens.
func (f *Finder) Buffered() int { return len(f.buf) - f.cur }

// Next returns the next token. Unless final is set, it holds back
// until a full maxMatch of lookahead is queued, so that matches are never cut short.
//
// Matching is lazy by one byte: when the match starting at the following
// byte is longer, the current byte goes out as a literal instead.
func (f *Finder) Next(final bool) (Token, bool) {
	avail := len(f.buf) - f.cur
	if avail == 0 || (!final && avail < f.maxMatch) {
		return Token{}, false
	}

	limit := min(avail, f.maxMatch)
	n, dist := f.longest(f.cur, limit)
	if n < f.minMatch {
		return f.literal(), true
	}

	f.insert(f.cur)
	if n < limit {
		if next, _ := f.longest(f.cur+1, min(avail-1, f.maxMatch)); next > n {
			lit := f.buf[f.cur]
			f.cur++
			f.slide()
			return Token{Lit: lit}, true
		}
	}
	for i := 1; i < n; i++ {
		f.insert(f.cur + i)
	}
	f.cur += n
	f.slide()
	return Token{Len: n, Dist: dist}, true
}

func (f *Finder) literal() Token {
	tok := Token{Lit: f.buf[f.cur]}
	f.insert(f.cur)
	f.cur++
	f.slide()
	return tok
}

// longest searches the hash chain for the longest match at buf[i:],
// at most limit bytes long. Every position before i must already be inserted.
func (f *Finder) longest(i, limit int) (bestLen, bestDist int) {
	if len(f.buf)-i < f.keyLen || limit < f.minMatch {
		return 0, 0
	}
	pos := f.base + int64(i)
	cand := f.head[f.hash(i)]
	for chain := 0; cand >= 0 && chain < maxChain; chain++ {
		dist := pos - cand
		if dist > int64(f.window) || dist <= 0 {
			break
		}
		n := f.matchLen(int(cand-f.base), i, limit)
		if n > bestLen {
			bestLen, bestDist = n, int(dist)
			if n == limit {
				break
			}
		}
		next := f.prev[cand&int64(len(f.prev)-1)]
		if next >= cand {
			break
		}
		cand = next
	}
	return bestLen, bestDist
}

func (f *Finder) matchLen(a, b, limit int) int {
	n := 0
	for n < limit && f.buf[a+n] == f.buf[b+n] {
		n++
	}
	return n
}

func (f *Finder) hash(i int) int {
	b := f.buf[i:]
	switch f.keyLen {
	case 1:
		return int(b[0])
	case 2:
		return int(b[0])<<8 | int(b[1])
	}
	x := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return int((x * 0x9e3779b1) >> (32 - hashBits))
}

func (f *Finder) insert(i int) {
	if len(f.buf)-i < f.keyLen {
		return
	}
	h := f.hash(i)
	pos := f.base + int64(i)
	f.prev[pos&int64(len(f.prev)-1)] = f.head[h]
	f.head[h] = pos
}

// slide drops history that can no longer be referenced.
func (f *Finder) slide() {
	if f.cur < 2*f.window+f.maxMatch {
		return
	}
	drop := f.cur - f.window
	n := copy(f.buf, f.buf[drop:])
	f.buf = f.buf[:n]
	f.base += int64(drop)
	f.cur -= drop
}
