package lzhuf

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

var methods = []Method{LH4, LH5, LH6, LH7}

func inputs() map[string][]byte {
	rng := rand.New(rand.NewPCG(5, 6))
	random := make([]byte, 100000)
	for i := range random {
		random[i] = byte(rng.Uint32())
	}
	text := make([]byte, 90000)
	for i := range text {
		text[i] = "lorem ipsum dolor sit amet "[rng.IntN(27)]
	}
	allBytes := make([]byte, 256)
	for i := range allBytes {
		allBytes[i] = byte(i)
	}
	far := append(append(append([]byte{}, random[:40000]...), text[:30000]...), random[:40000]...)
	return map[string][]byte{
		"empty":   nil,
		"one":     {7},
		"aaaa":    []byte("aaaa"),
		"zeros":   make([]byte, 70000),
		"allbyte": allBytes,
		"random":  random,
		"text":    text,
		"far":     far,
	}
}

func TestRoundTrip(t *testing.T) {
	for _, m := range methods {
		for name, in := range inputs() {
			t.Run(m.String()+name, func(t *testing.T) {
				packed, err := Compress(in, m)
				if err != nil {
					t.Fatal(err)
				}
				out, err := Decompress(packed, m, int64(len(in)))
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(out, in) {
					t.Fatalf("mismatch: %d bytes vs %d", len(out), len(in))
				}
			})
		}
	}
}

// Words drawn from a small vocabulary carry about half a bit per byte,
// well within reach of the matcher.
func TestCompresses(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	words := strings.Fields("lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et")
	var b strings.Builder
	for b.Len() < 90000 {
		b.WriteString(words[rng.IntN(len(words))])
		b.WriteByte(' ')
	}
	in := []byte(b.String())
	packed, _ := Compress(in, LH5)
	if len(packed) > len(in)/2 {
		t.Errorf("text packed to %d of %d bytes", len(packed), len(in))
	}
}

func TestStreaming(t *testing.T) {
	in := inputs()["far"]
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, LH6)
	for p := in; len(p) > 0; {
		n := min(len(p), 1000)
		w.Write(p[:n])
		p = p[n:]
	}
	w.Close()
	if _, err := w.Write([]byte{1}); err != ErrClosed {
		t.Errorf("write after close: %v", err)
	}
	r, _ := NewReader(iotest.HalfReader(bytes.NewReader(buf.Bytes())), LH6, int64(len(in)))
	out, err := io.ReadAll(iotest.OneByteReader(r))
	if err != nil || !bytes.Equal(out, in) {
		t.Errorf("streaming round trip: %v", err)
	}
}

func TestTruncated(t *testing.T) {
	in := inputs()["text"]
	packed, _ := Compress(in, LH5)
	_, err := Decompress(packed[:len(packed)/2], LH5, int64(len(in)))
	if !errors.Is(err, arcerr.ErrTruncated) {
		t.Errorf("got %v", err)
	}
}

func TestBadTable(t *testing.T) {
	// one code, then a T table claiming 20 lengths for 19 symbols
	src := []byte{0x00, 0x01, 0b10100_000}
	_, err := Decompress(src, LH5, 10)
	if !errors.Is(err, ErrTable) || !errors.Is(err, arcerr.ErrCodec) {
		t.Errorf("got %v", err)
	}
}

func TestBadMethod(t *testing.T) {
	if _, err := NewReader(nil, Method(9), 0); !errors.Is(err, arcerr.ErrUnsupported) {
		t.Errorf("got %v", err)
	}
}

func TestParseMethod(t *testing.T) {
	for s, want := range map[string]Method{"-lh5-": LH5, "lh7": LH7, "-LH4-": LH4} {
		if m, err := ParseMethod(s); err != nil || m != want {
			t.Errorf("%q: %v %v", s, m, err)
		}
	}
	if _, err := ParseMethod("-lh0-"); err == nil {
		t.Error("lh0 is not a Huffman method")
	}
}

func TestPosCode(t *testing.T) {
	cases := []struct{ dist, j, extra, n int }{
		{1, 0, 0, 0},
		{2, 1, 0, 0},
		{3, 2, 0, 1},
		{4, 2, 1, 1},
		{5, 3, 0, 2},
		{8192, 13, 4095, 12},
	}
	for _, c := range cases {
		j, extra, n := posCode(c.dist)
		if j != c.j || int(extra) != c.extra || n != c.n {
			t.Errorf("dist %d: got %d %d %d", c.dist, j, extra, n)
		}
	}
}

func FuzzDecompress(f *testing.F) {
	packed, _ := Compress([]byte("lorem ipsum lorem ipsum"), LH5)
	f.Add(packed)
	f.Add([]byte{0x00, 0x01, 0xff, 0xff})
	f.Fuzz(func(t *testing.T, src []byte) {
		_, err := Decompress(src, LH5, 4096)
		if err != nil && arcerr.Kind(err) == nil {
			t.Fatalf("error outside the taxonomy: %v", err)
		}
	})
}
