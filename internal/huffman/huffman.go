// Package huffman builds canonical Huffman codes from code-length tables,
// for decoding (as an array-backed tree) and for encoding.
package huffman

import (
	"container/heap"
	"fmt"
	"slices"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

const MaxBits = 24

var (
	ErrOversubscribed = fmt.Errorf("%w: huffman: over-subscribed code lengths", arcerr.ErrCodec)
	ErrIncomplete     = fmt.Errorf("%w: huffman: incomplete code lengths", arcerr.ErrCodec)
	ErrLength         = fmt.Errorf("%w: huffman: code length out of range", arcerr.ErrCodec)
)

// node children are node indices when positive, ^symbol when negative,
// and zero when unset (the root is never a child).
type node struct {
	zero, one int32
}

type Tree struct {
	nodes  []node
	single int // the only symbol of a zero-bit code, or -1
}

// Single returns the tree for an alphabet with one symbol in use,
// which takes no bits to decode.
func Single(sym int) *Tree { return &Tree{single: sym} }

// New builds the canonical code for lengths, where lengths[sym] is
// the code length of sym and zero means unused. The lengths must describe
// a complete prefix code: every bit sequence must lead to exactly one symbol.
func New(lengths []uint8) (*Tree, error) {
	var count [MaxBits + 1]int
	maxLen := 0
	for _, l := range lengths {
		if l > MaxBits {
			return nil, fmt.Errorf("%w: %d bits", ErrLength, l)
		}
		count[l]++
		maxLen = max(maxLen, int(l))
	}
	count[0] = 0
	if maxLen == 0 {
		return nil, fmt.Errorf("%w: no symbols", ErrIncomplete)
	}

	left := 1
	for l := 1; l <= maxLen; l++ {
		left <<= 1
		left -= count[l]
		if left < 0 {
			return nil, ErrOversubscribed
		}
	}
	if left > 0 {
		return nil, ErrIncomplete
	}

	codes := Codes(lengths)
	t := &Tree{nodes: make([]node, 1, 2*len(lengths)), single: -1}
	for sym, l := range lengths {
		if l == 0 {
			continue
		}
		cur := int32(0)
		for i := int(l) - 1; i >= 0; i-- {
			bit := codes[sym] >> uint(i) & 1
			next := t.child(cur, bit)
			if i == 0 {
				t.setChild(cur, bit, ^int32(sym))
				break
			}
			if next == 0 {
				t.nodes = append(t.nodes, node{})
				next = int32(len(t.nodes) - 1)
				t.setChild(cur, bit, next)
			}
			cur = next
		}
	}
	return t, nil
}

func (t *Tree) child(n int32, bit uint32) int32 {
	if bit == 0 {
		return t.nodes[n].zero
	}
	return t.nodes[n].one
}

func (t *Tree) setChild(n int32, bit uint32, v int32) {
	if bit == 0 {
		t.nodes[n].zero = v
	} else {
		t.nodes[n].one = v
	}
}

// Codes returns the canonical code of every symbol: shorter codes first,
// then in symbol order within a length. Bits are right-aligned.
func Codes(lengths []uint8) []uint32 {
	var count [MaxBits + 2]uint32
	for _, l := range lengths {
		if l <= MaxBits {
			count[l]++
		}
	}
	count[0] = 0
	var next [MaxBits + 2]uint32
	code := uint32(0)
	for l := 1; l <= MaxBits; l++ {
		code = (code + count[l-1]) << 1
		next[l] = code
	}
	codes := make([]uint32, len(lengths))
	for sym, l := range lengths {
		if l != 0 && l <= MaxBits {
			codes[sym] = next[l]
			next[l]++
		}
	}
	return codes
}

// BitReader is satisfied by *bitstream.Reader.
type BitReader interface {
	ReadBit() (uint, error)
}

// Decode reads one symbol.
func (t *Tree) Decode(br BitReader) (int, error) {
	if t.single >= 0 {
		return t.single, nil
	}
	cur := int32(0)
	for {
		bit, err := br.ReadBit()
		if err != nil {
			return -1, arcerr.Truncated(err)
		}
		next := t.nodes[cur].zero
		if bit != 0 {
			next = t.nodes[cur].one
		}
		switch {
		case next < 0:
			return int(^next), nil
		case next == 0:
			return -1, ErrIncomplete
		}
		cur = next
	}
}

type item struct {
	freq  uint64
	order int // ties broken by creation order, for deterministic output
	sym   int // -1 for internal nodes
	left  *item
	right *item
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].freq != h[j].freq {
		return h[i].freq < h[j].freq
	}
	return h[i].order < h[j].order
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// Lengths computes code lengths no longer than maxLen for the given symbol frequencies.
// Unused symbols get length zero. With exactly one symbol in use it gets length 1,
// which New rejects: such alphabets are coded with Single instead.
func Lengths(freq []uint32, maxLen int) []uint8 {
	lengths := make([]uint8, len(freq))
	var used []int
	for sym, f := range freq {
		if f > 0 {
			used = append(used, sym)
		}
	}
	switch len(used) {
	case 0:
		return lengths
	case 1:
		lengths[used[0]] = 1
		return lengths
	}

	h := make(itemHeap, 0, len(used))
	order := 0
	for _, sym := range used {
		h = append(h, &item{freq: uint64(freq[sym]), order: order, sym: sym})
		order++
	}
	heap.Init(&h)
	for h.Len() > 1 {
		a := heap.Pop(&h).(*item)
		b := heap.Pop(&h).(*item)
		heap.Push(&h, &item{freq: a.freq + b.freq, order: order, sym: -1, left: a, right: b})
		order++
	}

	// depth of every leaf, clamped, tallied per length
	count := make([]int, maxLen+1)
	var walk func(it *item, depth int)
	walk = func(it *item, depth int) {
		if it.sym >= 0 {
			count[min(depth, maxLen)]++
			return
		}
		walk(it.left, depth+1)
		walk(it.right, depth+1)
	}
	walk(h[0], 0)

	// Clamping shortened some codes, so the Kraft sum may exceed one.
	// Move leaves deeper until it is exact again.
	kraft := 0
	for l := 1; l <= maxLen; l++ {
		kraft += count[l] << uint(maxLen-l)
	}
	for kraft > 1<<uint(maxLen) && count[maxLen] > 0 {
		count[maxLen]--
		for l := maxLen - 1; l > 0; l-- {
			if count[l] != 0 {
				count[l]--
				count[l+1] += 2
				break
			}
		}
		kraft--
	}

	// most frequent symbols take the shortest codes
	slices.SortStableFunc(used, func(a, b int) int {
		switch {
		case freq[a] > freq[b]:
			return -1
		case freq[a] < freq[b]:
			return 1
		}
		return a - b
	})
	i := 0
	for l := 1; l <= maxLen; l++ {
		for range count[l] {
			lengths[used[i]] = uint8(l)
			i++
		}
	}
	return lengths
}
