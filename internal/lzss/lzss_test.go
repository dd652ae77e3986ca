package lzss

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"testing"
	"testing/iotest"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

var configs = []Params{
	Default,
	{WindowBits: 13, OffsetBits: 13, LengthBits: 8},
	{WindowBits: 16, OffsetBits: 16, LengthBits: 8},
	{WindowBits: 10, OffsetBits: 12, LengthBits: 4},
	{WindowBits: 8, OffsetBits: 4, LengthBits: 3},
}

func inputs() map[string][]byte {
	rng := rand.New(rand.NewPCG(1, 2))
	random := make([]byte, 70000)
	for i := range random {
		random[i] = byte(rng.Uint32())
	}
	text := make([]byte, 50000)
	for i := range text {
		text[i] = "the quick brown fox "[rng.IntN(20)]
	}
	return map[string][]byte{
		"empty":  nil,
		"one":    {42},
		"abab":   []byte("ababcbababc"),
		"8193":   bytes.Repeat([]byte{'x'}, 8193),
		"16385":  bytes.Repeat([]byte{0}, 16385),
		"random": random,
		"text":   text,
	}
}

func TestRoundTrip(t *testing.T) {
	for _, p := range configs {
		for name, in := range inputs() {
			t.Run(name, func(t *testing.T) {
				packed, err := Compress(in, p)
				if err != nil {
					t.Fatal(err)
				}
				out, err := Decompress(packed, p)
				if err != nil {
					t.Fatalf("%+v: %v", p, err)
				}
				if !bytes.Equal(out, in) {
					t.Fatalf("%+v: round trip mismatch (len %d vs %d)", p, len(out), len(in))
				}
			})
		}
	}
}

func TestEmptyIsEmpty(t *testing.T) {
	packed, _ := Compress(nil, Default)
	if len(packed) != 0 {
		t.Errorf("empty input packed to %d bytes", len(packed))
	}
}

// Six 9-bit literals and one 22-bit match make 76 bits.
func TestEncoderEfficiency(t *testing.T) {
	p := Params{WindowBits: 13, OffsetBits: 13, LengthBits: 8}
	packed, err := Compress([]byte("ababcbababc"), p)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) != 10 {
		t.Errorf("packed to %d bytes, want 10", len(packed))
	}
	out, err := Decompress(packed, p)
	if err != nil || string(out) != "ababcbababc" {
		t.Errorf("unpacked %q, %v", out, err)
	}
}

func TestHighBytes(t *testing.T) {
	for _, p := range []Params{Default, {WindowBits: 10, OffsetBits: 8, LengthBits: 4}} {
		for _, in := range [][]byte{{0xff, 0xff, 0xff}, bytes.Repeat([]byte{0x80, 0xc3}, 100)} {
			packed, err := Compress(in, p)
			if err != nil {
				t.Fatal(err)
			}
			out, err := Decompress(packed, p)
			if err != nil || !bytes.Equal(out, in) {
				t.Errorf("%+v % x: got % x, %v", p, in, out, err)
			}
		}
	}
}

func TestMinMatch(t *testing.T) {
	cases := []struct {
		p    Params
		want int
	}{
		{Params{13, 13, 8}, 3},
		{Params{12, 12, 4}, 2},
		{Params{8, 4, 3}, 1},
		{Params{16, 16, 8}, 3},
	}
	for _, c := range cases {
		if got := c.p.MinMatch(); got != c.want {
			t.Errorf("%+v: MinMatch %d want %d", c.p, got, c.want)
		}
		// the match token must beat the literals it stands for
		if 1+c.p.OffsetBits+c.p.LengthBits >= 9*c.p.MinMatch() {
			t.Errorf("%+v: minimum match does not pay for itself", c.p)
		}
	}
}

func TestStreamingWriter(t *testing.T) {
	in := inputs()["text"]
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, Default)
	for p := in; len(p) > 0; {
		n := min(len(p), 333)
		w.Write(p[:n])
		p = p[n:]
	}
	w.Close()
	if _, err := w.Write([]byte("x")); err != ErrClosed {
		t.Errorf("write after close: %v", err)
	}
	r, _ := NewReader(iotest.HalfReader(bytes.NewReader(buf.Bytes())), Default)
	out, err := io.ReadAll(iotest.OneByteReader(r))
	if err != nil || !bytes.Equal(out, in) {
		t.Errorf("streaming round trip: %v", err)
	}
}

func TestDistanceBeforeStart(t *testing.T) {
	// flag 1, distance 5, length minimum, with no history
	p := Params{WindowBits: 8, OffsetBits: 8, LengthBits: 4}
	src := []byte{0b1_0000010, 0b0_0000_000}
	_, err := Decompress(src, p)
	if !errors.Is(err, ErrDistance) || !errors.Is(err, arcerr.ErrCodec) {
		t.Errorf("got %v", err)
	}
}

func TestTruncatedMatch(t *testing.T) {
	p := Params{WindowBits: 13, OffsetBits: 13, LengthBits: 8}
	packed, _ := Compress([]byte("ababcbababc"), p)
	_, err := Decompress(packed[:8], p)
	if !errors.Is(err, arcerr.ErrTruncated) {
		t.Errorf("got %v", err)
	}
}

func TestBadParams(t *testing.T) {
	if _, err := Compress(nil, Params{}); !errors.Is(err, ErrParams) {
		t.Errorf("zero params: %v", err)
	}
}

func FuzzDecompress(f *testing.F) {
	packed, _ := Compress([]byte("ababcbababc"), Default)
	f.Add(packed)
	f.Add([]byte{0xff, 0xff, 0xff})
	f.Fuzz(func(t *testing.T, src []byte) {
		out, err := Decompress(src, Default)
		if err != nil && arcerr.Kind(err) == nil {
			t.Fatalf("error outside the taxonomy: %v", err)
		}
		if len(out) > len(src)*8*Default.MaxMatch() {
			t.Fatalf("implausible expansion %d from %d", len(out), len(src))
		}
	})
}

func TestVariantRoundTrip(t *testing.T) {
	for _, v := range []Variant{LZS, LZ5} {
		for name, in := range inputs() {
			t.Run(v.String()+name, func(t *testing.T) {
				packed, err := CompressVariant(in, v)
				if err != nil {
					t.Fatal(err)
				}
				out, err := DecompressVariant(packed, v, int64(len(in)))
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(out, in) {
					t.Fatalf("round trip mismatch (len %d vs %d)", len(out), len(in))
				}
				if name == "8193" && len(packed) >= len(in)/8 {
					t.Errorf("a run packed to %d of %d bytes", len(packed), len(in))
				}
			})
		}
	}
}

// Hand-assembled streams, some reaching into the prefilled ring.
func TestVariantStreams(t *testing.T) {
	cases := []struct {
		v    Variant
		src  []byte
		want string
	}{
		// literal x, then two bytes from its own position
		{LZS, []byte{0xbc, 0x3f, 0x78, 0x00}, "xxx"},
		// position 0 of the ring of spaces
		{LZS, []byte{0x00, 0x00, 0x00}, "  "},
		// three literals, then three bytes from the start position 0xfee
		{LZ5, []byte{0x07, 'a', 'b', 'c', 0xee, 0xf0}, "abcabc"},
		// thirteen copies of each byte value lead the ring
		{LZ5, []byte{0x00, 0x4d, 0x30}, "AAA"},
		{LZ5, []byte{0x00, 0x00, 0x02}, "\x00\x00\x00\x00\x00"},
	}
	for _, c := range cases {
		out, err := DecompressVariant(c.src, c.v, int64(len(c.want)))
		if err != nil || string(out) != c.want {
			t.Errorf("%v % x: got %q, %v", c.v, c.src, out, err)
		}
	}
}

func TestVariantTruncated(t *testing.T) {
	in := inputs()["text"]
	for _, v := range []Variant{LZS, LZ5} {
		packed, _ := CompressVariant(in, v)
		_, err := DecompressVariant(packed[:len(packed)/2], v, int64(len(in)))
		if !errors.Is(err, arcerr.ErrTruncated) {
			t.Errorf("%v: got %v", v, err)
		}
	}
	if _, err := NewVariantReader(bytes.NewReader(nil), Variant(9), 0); !errors.Is(err, ErrParams) {
		t.Errorf("bad variant: %v", err)
	}
}

func FuzzDecompressVariant(f *testing.F) {
	packed, _ := CompressVariant([]byte("ababcbababc"), LZ5)
	f.Add(packed, uint16(11))
	f.Fuzz(func(t *testing.T, src []byte, size uint16) {
		for _, v := range []Variant{LZS, LZ5} {
			out, err := DecompressVariant(src, v, int64(size))
			if err != nil && arcerr.Kind(err) == nil {
				t.Fatalf("error outside the taxonomy: %v", err)
			}
			if len(out) > int(size) {
				t.Fatalf("%d bytes from a declared %d", len(out), size)
			}
		}
	})
}
