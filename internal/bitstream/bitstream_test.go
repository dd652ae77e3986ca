package bitstream

import (
	"bytes"
	"io"
	"math/rand/v2"
	"testing"
)

func TestKnownPacking(t *testing.T) {
	cases := []struct {
		order Order
		want  []byte
	}{
		{MSBFirst, []byte{0b1011_1111, 0b1111_1111, 0b0000_1000}},
		{LSBFirst, []byte{0b1111_0111, 0b1111_1111, 0b0001_0000}},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		w := NewWriter(&buf, c.order)
		w.WriteBit(1)
		w.WriteBits(0b011, 3)
		w.WriteBits(0xfff, 12)
		w.WriteBits(0, 4)
		w.WriteBits(1, 1)
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf.Bytes(), c.want) {
			t.Errorf("order %d: got %08b want %08b", c.order, buf.Bytes(), c.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, order := range []Order{MSBFirst, LSBFirst} {
		rng := rand.New(rand.NewPCG(1, uint64(order)))
		type field struct {
			v uint
			n int
		}
		var fields []field
		var buf bytes.Buffer
		w := NewWriter(&buf, order)
		for range 5000 {
			n := rng.IntN(33)
			v := uint(rng.Uint64()) & (1<<uint(n) - 1)
			fields = append(fields, field{v, n})
			if err := w.WriteBits(v, n); err != nil {
				t.Fatal(err)
			}
		}
		w.Flush()

		r := NewReader(bytes.NewReader(buf.Bytes()), order)
		for i, f := range fields {
			got, err := r.ReadBits(f.n)
			if err != nil {
				t.Fatalf("order %d field %d: %v", order, i, err)
			}
			if got != f.v {
				t.Fatalf("order %d field %d: got %#x want %#x (%d bits)", order, i, got, f.v, f.n)
			}
		}
	}
}

func TestEOF(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0xa5}), MSBFirst)
	if v, err := r.ReadBits(4); v != 0xa || err != nil {
		t.Fatalf("got %x, %v", v, err)
	}
	if _, err := r.ReadBits(8); err != io.ErrUnexpectedEOF {
		t.Errorf("mid-field: %v", err)
	}
	if bits, n := r.PendingBits(); bits != 0x5 || n != 4 {
		t.Errorf("pending %x/%d", bits, n)
	}
	r.Align()
	if _, err := r.ReadBits(1); err != io.EOF {
		t.Errorf("at boundary: %v", err)
	}
	if _, err := r.ReadBits(33); err != ErrTooWide {
		t.Errorf("too wide: %v", err)
	}
}

func TestUnalignedByte(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x0f, 0xf0}), MSBFirst)
	r.ReadBits(4)
	b, err := r.ReadByte()
	if b != 0xff || err != nil {
		t.Errorf("got %x, %v", b, err)
	}
}
