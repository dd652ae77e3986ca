package lzmatch

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

func expand(toks []Token) []byte {
	var out []byte
	for _, t := range toks {
		if t.Len == 0 {
			out = append(out, t.Lit)
			continue
		}
		for range t.Len {
			out = append(out, out[len(out)-t.Dist])
		}
	}
	return out
}

func collect(f *Finder, final bool) (toks []Token) {
	for {
		t, ok := f.Next(final)
		if !ok {
			return
		}
		toks = append(toks, t)
	}
}

// The three-byte match at "bab" gives way to the five-byte match one byte later.
func TestLazy(t *testing.T) {
	f := New(1<<13, 3, 258)
	f.Write([]byte("ababcbababc"))
	got := collect(f, true)
	want := []Token{
		{Lit: 'a'}, {Lit: 'b'}, {Lit: 'a'}, {Lit: 'b'}, {Lit: 'c'}, {Lit: 'b'},
		{Len: 5, Dist: 6},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestOverlap(t *testing.T) {
	f := New(4096, 2, 100)
	f.Write(bytes.Repeat([]byte{'z'}, 50))
	got := collect(f, true)
	if len(got) != 2 || got[1].Dist != 1 || got[1].Len != 49 {
		t.Errorf("run of z: %+v", got)
	}
}

func TestHighBytePairs(t *testing.T) {
	for _, minMatch := range []int{1, 2, 3} {
		src := []byte{0xff, 0xff, 0xff, 0x80, 0xfe, 0x80, 0xfe, 0x80, 0xfe, 0x01}
		f := New(4096, minMatch, 18)
		f.Write(src)
		if got := expand(collect(f, true)); !bytes.Equal(got, src) {
			t.Errorf("minMatch %d: tokens give % x", minMatch, got)
		}
	}
}

func TestHoldsBackLookahead(t *testing.T) {
	f := New(4096, 3, 18)
	f.Write([]byte("0123456789"))
	if _, ok := f.Next(false); ok {
		t.Error("emitted a token without a full lookahead")
	}
	if f.Buffered() != 10 {
		t.Errorf("Buffered = %d", f.Buffered())
	}
}

func TestStreamingSlide(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	src := make([]byte, 100000)
	for i := range src {
		src[i] = "abcdefgh"[rng.IntN(8)]
	}
	f := New(256, 3, 18)
	var toks []Token
	for p := src; len(p) > 0; {
		n := min(len(p), 1000)
		f.Write(p[:n])
		p = p[n:]
		toks = append(toks, collect(f, false)...)
	}
	toks = append(toks, collect(f, true)...)
	for _, tk := range toks {
		if tk.Len > 0 && (tk.Dist < 1 || tk.Dist > 256 || tk.Len < 3 || tk.Len > 18) {
			t.Fatalf("out of range token %+v", tk)
		}
	}
	if !bytes.Equal(expand(toks), src) {
		t.Error("tokens do not reproduce the input")
	}
}
