package blockcache

import (
	"bytes"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"testing"
)

type countingReader struct {
	r     io.ReaderAt
	reads atomic.Int64
}

func (c *countingReader) ReadAt(p []byte, off int64) (int, error) {
	c.reads.Add(1)
	return c.r.ReadAt(p, off)
}

func TestMatchesSource(t *testing.T) {
	data := make([]byte, 10000)
	rng := rand.New(rand.NewPCG(1, 1))
	for i := range data {
		data[i] = byte(rng.Uint32())
	}
	pool := New(9, 64)
	r := pool.ReaderAt(bytes.NewReader(data))
	for range 500 {
		off := rng.Int64N(int64(len(data)) + 100)
		n := 1 + rng.IntN(3000)
		got := make([]byte, n)
		gotn, gotErr := r.ReadAt(got, off)
		want := make([]byte, n)
		wantn, wantErr := bytes.NewReader(data).ReadAt(want, off)
		if gotn != wantn || !bytes.Equal(got[:gotn], want[:wantn]) {
			t.Fatalf("ReadAt(%d, %d): got %d bytes want %d", n, off, gotn, wantn)
		}
		if (gotErr == nil) != (wantErr == nil) {
			t.Fatalf("ReadAt(%d, %d): err %v want %v", n, off, gotErr, wantErr)
		}
	}
}

func TestHits(t *testing.T) {
	src := &countingReader{r: bytes.NewReader(make([]byte, 8192))}
	pool := New(11, 16)
	r := pool.ReaderAt(src)
	buf := make([]byte, 100)
	for range 10 {
		r.ReadAt(buf, 2048*2+7)
	}
	if src.reads.Load() != 1 {
		t.Errorf("source read %d times", src.reads.Load())
	}
	if hits, misses := pool.Stats(); hits != 9 || misses != 1 {
		t.Errorf("hits %d misses %d", hits, misses)
	}
}

func TestReadersDoNotShareBlocks(t *testing.T) {
	pool := New(4, 16)
	a := pool.ReaderAt(bytes.NewReader([]byte("aaaaaaaaaaaaaaaa")))
	b := pool.ReaderAt(bytes.NewReader([]byte("bbbbbbbbbbbbbbbb")))
	buf := make([]byte, 4)
	a.ReadAt(buf, 0)
	b.ReadAt(buf, 0)
	if string(buf) != "bbbb" {
		t.Errorf("got %q", buf)
	}
	if b.Size() != 16 {
		t.Errorf("size %d", b.Size())
	}
}
