package huffman

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/bitstream"
)

func TestCanonicalCodes(t *testing.T) {
	// the worked example from RFC 1951 section 3.2.2
	lengths := []uint8{3, 3, 3, 3, 3, 2, 4, 4}
	want := []uint32{0b010, 0b011, 0b100, 0b101, 0b110, 0b00, 0b1110, 0b1111}
	got := Codes(lengths)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("symbol %d: code %b want %b", i, got[i], want[i])
		}
	}
}

func TestValidation(t *testing.T) {
	full15 := make([]uint8, 1<<15)
	for i := range full15 {
		full15[i] = 15
	}
	cases := []struct {
		name    string
		lengths []uint8
		want    error
	}{
		{"all 15-bit codes filling 2^15 leaves", full15, nil},
		{"one code too many", append(append([]uint8{}, full15...), 15), ErrOversubscribed},
		{"one code too few", full15[1:], ErrIncomplete},
		{"lone 1-bit code", []uint8{0, 1, 0}, ErrIncomplete},
		{"empty", []uint8{0, 0}, ErrIncomplete},
		{"three 1-bit codes", []uint8{1, 1, 1}, ErrOversubscribed},
		{"too long", []uint8{1, MaxBits + 1}, ErrLength},
		{"two 1-bit codes", []uint8{1, 0, 1}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := New(c.lengths)
			if c.want == nil {
				if err != nil {
					t.Fatalf("unexpected %v", err)
				}
				return
			}
			if !errors.Is(err, c.want) || !errors.Is(err, arcerr.ErrCodec) {
				t.Fatalf("got %v want %v", err, c.want)
			}
		})
	}
}

func encode(t *testing.T, syms []int, lengths []uint8) []byte {
	t.Helper()
	codes := Codes(lengths)
	var buf bytes.Buffer
	w := bitstream.NewWriter(&buf, bitstream.MSBFirst)
	for _, s := range syms {
		w.WriteBits(uint(codes[s]), int(lengths[s]))
	}
	w.Flush()
	return buf.Bytes()
}

func TestEncodeDecode(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	freq := make([]uint32, 300)
	var syms []int
	for range 20000 {
		// skewed distribution with a long tail
		s := int(rng.ExpFloat64()*20) % len(freq)
		freq[s]++
		syms = append(syms, s)
	}
	for _, maxLen := range []int{16, 12, 9} {
		lengths := Lengths(freq, maxLen)
		for s, l := range lengths {
			if int(l) > maxLen {
				t.Fatalf("maxLen %d: symbol %d got %d bits", maxLen, s, l)
			}
			if (l == 0) != (freq[s] == 0) {
				t.Fatalf("maxLen %d: symbol %d freq %d length %d", maxLen, s, freq[s], l)
			}
		}
		tree, err := New(lengths)
		if err != nil {
			t.Fatalf("maxLen %d: %v", maxLen, err)
		}
		br := bitstream.NewReader(bytes.NewReader(encode(t, syms, lengths)), bitstream.MSBFirst)
		for i, want := range syms {
			got, err := tree.Decode(br)
			if err != nil || got != want {
				t.Fatalf("maxLen %d symbol %d: got %d, %v want %d", maxLen, i, got, err, want)
			}
		}
	}
}

func TestLengthsSmall(t *testing.T) {
	if l := Lengths([]uint32{0, 5, 0}, 16); l[1] != 1 || l[0] != 0 || l[2] != 0 {
		t.Errorf("single symbol: %v", l)
	}
	if l := Lengths([]uint32{0, 0}, 16); l[0] != 0 || l[1] != 0 {
		t.Errorf("no symbols: %v", l)
	}
	l := Lengths([]uint32{1, 1}, 16)
	if l[0] != 1 || l[1] != 1 {
		t.Errorf("two symbols: %v", l)
	}
}

func TestSingle(t *testing.T) {
	tree := Single(7)
	br := bitstream.NewReader(bytes.NewReader(nil), bitstream.MSBFirst)
	for range 3 {
		if s, err := tree.Decode(br); s != 7 || err != nil {
			t.Fatalf("got %d, %v", s, err)
		}
	}
}

func TestTruncatedSymbol(t *testing.T) {
	tree, _ := New([]uint8{1, 2, 2})
	br := bitstream.NewReader(bytes.NewReader(nil), bitstream.MSBFirst)
	if _, err := tree.Decode(br); !errors.Is(err, arcerr.ErrTruncated) {
		t.Errorf("got %v", err)
	}
}
