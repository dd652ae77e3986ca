package archive

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/binstruct"
	"github.com/elliotnunn/multiarc/internal/cpio"
	"github.com/elliotnunn/multiarc/internal/iso9660"
	"github.com/elliotnunn/multiarc/internal/lha"
	"github.com/elliotnunn/multiarc/internal/zip"
)

var when = time.Unix(1600000000, 0).UTC()

type entry struct {
	h    Header
	data string
}

func noise(n int) string {
	r := rand.New(rand.NewPCG(3, 4))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return string(b)
}

var samples = []entry{
	{Header{Name: "docs", Mode: fs.ModeDir | 0o755, ModTime: when}, ""},
	{Header{Name: "docs/a.txt", Mode: 0o644, ModTime: when, Uid: 501, Gid: 20}, "hello, world\n"},
	{Header{Name: "big.txt", Mode: 0o600, ModTime: when}, strings.Repeat("all work and no play ", 4000)},
	{Header{Name: "noise.bin", Mode: 0o644, ModTime: when}, noise(20000)},
	{Header{Name: "empty", Mode: 0o644, ModTime: when}, ""},
	{Header{Name: "link", Mode: fs.ModeSymlink | 0o777, ModTime: when, Linkname: "docs/a.txt"}, ""},
}

// seekBuf is an in-memory io.WriteSeeker.
type seekBuf struct {
	b   []byte
	off int64
}

func (s *seekBuf) Write(p []byte) (int, error) {
	if end := s.off + int64(len(p)); end > int64(len(s.b)) {
		s.b = append(s.b, make([]byte, end-int64(len(s.b)))...)
	}
	n := copy(s.b[s.off:], p)
	s.off += int64(n)
	return n, nil
}

func (s *seekBuf) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		off += s.off
	case io.SeekEnd:
		off += int64(len(s.b))
	}
	s.off = off
	return off, nil
}

func build(t *testing.T, w io.Writer, f Format, entries []entry, opts ...Option) {
	t.Helper()
	aw, err := NewWriter(w, f, opts...)
	require.NoError(t, err)
	for _, e := range entries {
		h := e.h
		h.Size = int64(len(e.data))
		require.NoError(t, aw.Create(h), e.h.Name)
		_, err := io.WriteString(aw, e.data)
		require.NoError(t, err, e.h.Name)
		require.NoError(t, aw.CloseEntry(), e.h.Name)
	}
	require.NoError(t, aw.Close())
}

func readAll(t *testing.T, r *Reader) []entry {
	t.Helper()
	var got []entry
	for {
		ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		h := r.Header()
		body, err := io.ReadAll(r)
		require.NoError(t, err, h.Name)
		got = append(got, entry{h, string(body)})
	}
	for range 2 {
		ok, err := r.Next()
		require.NoError(t, err)
		require.False(t, ok, "Next after the end")
	}
	return got
}

func compare(t *testing.T, want, got []entry, ordered bool) {
	t.Helper()
	require.Len(t, got, len(want))
	byName := make(map[string]entry)
	for i, g := range got {
		byName[g.h.Name] = g
		if ordered {
			assert.Equal(t, want[i].h.Name, g.h.Name, "order")
		}
	}
	for _, w := range want {
		g, ok := byName[w.h.Name]
		if !assert.True(t, ok, "missing %s", w.h.Name) {
			continue
		}
		assert.Equal(t, w.h.Mode, g.h.Mode, w.h.Name)
		assert.Equal(t, w.h.Linkname, g.h.Linkname, w.h.Name)
		assert.Equal(t, int64(len(w.data)), g.h.Size, w.h.Name)
		assert.Equal(t, w.h.Uid, g.h.Uid, w.h.Name)
		assert.Equal(t, w.h.Gid, g.h.Gid, w.h.Name)
		assert.True(t, g.h.ModTime.Equal(when), "%s: mtime %v", w.h.Name, g.h.ModTime)
		assert.True(t, w.data == g.data, "%s: payload of %d bytes", w.h.Name, len(g.data))
		assert.NotNil(t, g.h.Sys)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		f    Format
		opts []Option
	}{
		{"tar", Tar, nil},
		{"cpio-newc", Cpio, []Option{WithCpioVariant(cpio.Newc)}},
		{"cpio-crc", Cpio, []Option{WithCpioVariant(cpio.CRC)}},
		{"cpio-odc", Cpio, []Option{WithCpioVariant(cpio.ODC)}},
		{"cpio-binle", Cpio, []Option{WithCpioVariant(cpio.BinaryLE)}},
		{"cpio-binbe", Cpio, []Option{WithCpioVariant(cpio.BinaryBE)}},
		{"zip-store", Zip, []Option{WithZipMethod(zip.Store)}},
		{"zip-deflate", Zip, []Option{WithZipMethod(zip.Deflate)}},
		{"zip-zstd", Zip, []Option{WithZipMethod(zip.Zstd)}},
		{"lha-lh0-0", LHA, []Option{WithLHAMethod(lha.LH0), WithLHALevel(0)}},
		{"lha-lh4-1", LHA, []Option{WithLHAMethod(lha.LH4), WithLHALevel(1)}},
		{"lha-lh5-2", LHA, []Option{WithLHAMethod(lha.LH5), WithLHALevel(2)}},
		{"lha-lh6-1", LHA, []Option{WithLHAMethod(lha.LH6), WithLHALevel(1)}},
		{"lha-lh7-2", LHA, []Option{WithLHAMethod(lha.LH7), WithLHALevel(2)}},
		{"iso9660", ISO9660, []Option{WithCreated(when), WithVolumeID("ROUNDTRIP")}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			build(t, &buf, c.f, samples, c.opts...)

			r, err := NewReader(FromBytes(buf.Bytes()), c.f, c.opts...)
			require.NoError(t, err)
			got := readAll(t, r)
			// ISO 9660 lists each directory's files after the directory
			compare(t, samples, got, c.f != ISO9660)
			require.NoError(t, r.Close())
		})
	}
}

func TestMixedMethods(t *testing.T) {
	methods := []Method{ZIPMethod(zip.Store), ZIPMethod(zip.Deflate), ZIPMethod(zip.Zstd)}
	var entries []entry
	for i, m := range methods {
		h := Header{Name: m.String() + ".txt", Mode: 0o644, ModTime: when, Method: m}
		entries = append(entries, entry{h, strings.Repeat("abcdefgh", 100*(i+1))})
	}
	var buf bytes.Buffer
	build(t, &buf, Zip, entries)

	r, err := NewReader(FromBytes(buf.Bytes()), Zip)
	require.NoError(t, err)
	got := readAll(t, r)
	compare(t, entries, got, true)
	for i, g := range got {
		assert.Equal(t, methods[i], g.h.Method)
		assert.True(t, g.h.HasChecksum)
	}

	entries = entries[:0]
	for _, code := range []string{lha.LH0, lha.LH5, lha.LH7} {
		h := Header{Name: code, Mode: 0o644, ModTime: when, Method: LZHMethod(code)}
		entries = append(entries, entry{h, strings.Repeat("lzh ", 1000)})
	}
	buf.Reset()
	build(t, &buf, LHA, entries)
	r, err = NewReader(&buf, LHA)
	require.NoError(t, err)
	got = readAll(t, r)
	compare(t, entries, got, true)
	for i, g := range got {
		assert.Equal(t, entries[i].h.Method, g.h.Method)
	}
}

func TestLHAMethodSpelling(t *testing.T) {
	for spelling, want := range map[string]string{"lh0": lha.LH0, "lh5": lha.LH5, "LH7": lha.LH7, "-lh6-": lha.LH6} {
		t.Run(spelling, func(t *testing.T) {
			var buf bytes.Buffer
			build(t, &buf, LHA, samples, WithLHAMethod(spelling))
			r, err := NewReader(&buf, LHA)
			require.NoError(t, err)
			got := readAll(t, r)
			compare(t, samples, got, true)
			for _, g := range got {
				if g.h.Name == "big.txt" {
					assert.Equal(t, want, g.h.Method.LZH)
				}
			}
		})
	}
}

func TestZipSinks(t *testing.T) {
	streamed := new(bytes.Buffer)
	build(t, streamed, Zip, samples)
	seekable := new(seekBuf)
	build(t, seekable, Zip, samples)

	for name, b := range map[string][]byte{"streamed": streamed.Bytes(), "seekable": seekable.b} {
		t.Run(name, func(t *testing.T) {
			r, err := NewReader(FromBytes(b), Zip)
			require.NoError(t, err)
			for {
				ok, err := r.Next()
				require.NoError(t, err)
				if !ok {
					break
				}
				h := r.Header()
				zh := h.Sys.(*zip.FileHeader)
				assert.Equal(t, name == "streamed", zh.HasDataDescriptor(), h.Name)
			}
		})
	}
	assert.Less(t, len(seekable.b), streamed.Len())
}

func TestZipPassword(t *testing.T) {
	password := []byte("open sesame")
	var buf bytes.Buffer
	build(t, &buf, Zip, samples, WithPassword(password))

	r, err := NewReader(FromBytes(buf.Bytes()), Zip, WithPassword(password))
	require.NoError(t, err)
	compare(t, samples, readAll(t, r), true)

	r, err = NewReader(FromBytes(buf.Bytes()), Zip)
	require.NoError(t, err)
	next(t, r, "docs")
	next(t, r, "docs/a.txt")
	assert.True(t, r.Header().Sys.(*zip.FileHeader).IsEncrypted())
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, zip.ErrNeedPassword)
	next(t, r, "big.txt") // the failed entry does not stop the walk

	r, err = NewReader(FromBytes(buf.Bytes()), Zip, WithPassword([]byte("wrong")))
	require.NoError(t, err)
	next(t, r, "docs")
	next(t, r, "docs/a.txt")
	_, err = io.ReadAll(r)
	require.Error(t, err)
	assert.Contains(t, []error{arcerr.ErrIntegrity, arcerr.ErrCodec}, arcerr.Kind(err))
}

func next(t *testing.T, r *Reader, name string) {
	t.Helper()
	ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, name, r.Header().Name)
}

func TestNeedsRandomAccess(t *testing.T) {
	var buf bytes.Buffer
	build(t, &buf, Zip, samples[:2])
	for _, f := range []Format{Zip, ISO9660} {
		_, err := NewReader(io.MultiReader(bytes.NewReader(buf.Bytes())), f)
		assert.ErrorIs(t, err, ErrNeedsRandomAccess, f.String())
		assert.ErrorIs(t, err, arcerr.ErrUnsupported, f.String())
	}

	// a bare ReadSeeker is adapted
	rs := struct{ io.ReadSeeker }{bytes.NewReader(buf.Bytes())}
	src, err := FromReadSeeker(rs)
	require.NoError(t, err)
	r, err := NewReader(src, Zip)
	require.NoError(t, err)
	compare(t, samples[:2], readAll(t, r), true)

	r, err = NewReader(rs, Zip)
	require.NoError(t, err)
	compare(t, samples[:2], readAll(t, r), true)
}

func TestReaderStates(t *testing.T) {
	var buf bytes.Buffer
	build(t, &buf, Tar, samples)
	r, err := NewReader(bytes.NewReader(buf.Bytes()), Tar)
	require.NoError(t, err)

	assert.Equal(t, Ready, r.State())
	assert.Equal(t, Header{}, r.Header())
	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrState)

	next(t, r, "docs")
	assert.Equal(t, EntryOpen, r.State())
	next(t, r, "docs/a.txt")

	// reading is bounded by the declared size
	p := make([]byte, 100)
	n, err := r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "hello, world\n", string(p[:n]))
	n, err = r.Read(p)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	// a partly read entry is skipped
	next(t, r, "big.txt")
	_, err = r.Read(p)
	require.NoError(t, err)
	next(t, r, "noise.bin")

	require.NoError(t, r.Close())
	assert.Equal(t, Closed, r.State())
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.Read(p)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Close(), ErrClosed)
}

func TestReaderEndIsTerminal(t *testing.T) {
	var buf bytes.Buffer
	build(t, &buf, Cpio, samples[:2])
	r, err := NewReader(bytes.NewReader(buf.Bytes()), Cpio)
	require.NoError(t, err)
	next(t, r, "docs")
	next(t, r, "docs/a.txt")

	for range 3 {
		ok, err := r.Next()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, Closed, r.State())
	}
	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, r.Close(), "the first Close after the end releases the archive")
	assert.ErrorIs(t, r.Close(), ErrClosed)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriterStates(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Tar)
	require.NoError(t, err)

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrState)
	assert.ErrorIs(t, w.CloseEntry(), ErrState)

	require.NoError(t, w.Create(Header{Name: "d", Mode: fs.ModeDir | 0o755}))
	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrState, "directories carry no payload")

	require.NoError(t, w.Create(Header{Name: "f", Mode: 0o644, Size: 3}))
	assert.Equal(t, EntryOpen, w.State())
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.CloseEntry())
	assert.Equal(t, Ready, w.State())

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Create(Header{Name: "g"}), ErrClosed)
	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Close(), ErrClosed)

	assert.Zero(t, buf.Len()%512)
}

func TestUndeclaredSize(t *testing.T) {
	for _, f := range []Format{Tar, Cpio} {
		t.Run(f.String(), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, f)
			require.NoError(t, err)
			require.NoError(t, w.Create(Header{Name: "spooled", Mode: 0o644, ModTime: when, Size: -1}))
			for range 10 {
				io.WriteString(w, "0123456789")
			}
			require.NoError(t, w.CloseEntry())
			assert.Equal(t, int64(100), w.Header().Size)
			require.NoError(t, w.Close())

			r, err := NewReader(&buf, f)
			require.NoError(t, err)
			got := readAll(t, r)
			require.Len(t, got, 1)
			assert.Equal(t, strings.Repeat("0123456789", 10), got[0].data)
		})
	}
}

func TestWriterChecksum(t *testing.T) {
	for _, c := range []struct {
		f    Format
		opts []Option
		want uint32
	}{
		{Zip, nil, 0x352441c2},                                // CRC-32 of "abc"
		{LHA, nil, 0x9738},                                    // CRC-16 of "abc"
		{Cpio, []Option{WithCpioVariant(cpio.CRC)}, 0x126}, // byte sum
	} {
		t.Run(c.f.String(), func(t *testing.T) {
			w, err := NewWriter(io.Discard, c.f, c.opts...)
			require.NoError(t, err)
			require.NoError(t, w.Create(Header{Name: "abc", Mode: 0o644, Size: 3}))
			io.WriteString(w, "abc")
			require.NoError(t, w.CloseEntry())
			h := w.Header()
			assert.True(t, h.HasChecksum)
			assert.Equal(t, c.want, h.Checksum)
			require.NoError(t, w.Close())
		})
	}
}

func TestHardLinks(t *testing.T) {
	entries := []entry{
		{Header{Name: "orig", Mode: 0o644, ModTime: when}, "shared"},
		{Header{Name: "again", Mode: 0o644, ModTime: when, Linkname: "orig", HardLink: true}, ""},
	}
	for _, f := range []Format{Tar, Cpio} {
		t.Run(f.String(), func(t *testing.T) {
			var buf bytes.Buffer
			build(t, &buf, f, entries)
			r, err := NewReader(&buf, f)
			require.NoError(t, err)
			got := readAll(t, r)
			require.Len(t, got, 2)
			assert.True(t, got[1].h.HardLink)
			assert.Equal(t, "orig", got[1].h.Linkname)
			assert.Zero(t, got[1].h.Size)
		})
	}

	t.Run("iso9660", func(t *testing.T) {
		var buf bytes.Buffer
		build(t, &buf, ISO9660, entries)
		r, err := NewReader(FromBytes(buf.Bytes()), ISO9660)
		require.NoError(t, err)
		for _, g := range readAll(t, r) {
			assert.Equal(t, "shared", g.data, g.h.Name)
		}
	})

	for _, f := range []Format{Zip, LHA} {
		w, err := NewWriter(io.Discard, f)
		require.NoError(t, err)
		require.NoError(t, w.Create(entries[0].h))
		assert.ErrorIs(t, w.Create(entries[1].h), ErrNotSupported, f.String())
	}
}

func TestDevices(t *testing.T) {
	dev := []entry{{Header{Name: "null", Mode: fs.ModeDevice | fs.ModeCharDevice | 0o666, ModTime: when, Devmajor: 1, Devminor: 3}, ""}}
	for _, f := range []Format{Tar, Cpio, ISO9660} {
		t.Run(f.String(), func(t *testing.T) {
			var buf bytes.Buffer
			build(t, &buf, f, dev)
			r, err := NewReader(FromBytes(buf.Bytes()), f)
			require.NoError(t, err)
			got := readAll(t, r)
			require.Len(t, got, 1)
			assert.Equal(t, dev[0].h.Mode, got[0].h.Mode)
			assert.Equal(t, int64(1), got[0].h.Devmajor)
			assert.Equal(t, int64(3), got[0].h.Devminor)
		})
	}
}

func TestCorruptPayload(t *testing.T) {
	entries := []entry{
		{Header{Name: "first", Mode: 0o644, ModTime: when}, "the first payload"},
		{Header{Name: "second", Mode: 0o644, ModTime: when}, "the second payload"},
		{Header{Name: "third", Mode: 0o644, ModTime: when}, "the third payload"},
	}
	var buf bytes.Buffer
	build(t, &buf, LHA, entries, WithLHAMethod(lha.LH0))
	b := buf.Bytes()
	i := bytes.Index(b, []byte("second payload"))
	require.Positive(t, i)
	b[i] ^= 0x20

	r, err := NewReader(bytes.NewReader(b), LHA)
	require.NoError(t, err)
	next(t, r, "first")
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "the first payload", string(body))

	next(t, r, "second")
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, arcerr.ErrIntegrity)

	next(t, r, "third")
	body, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "the third payload", string(body))
}

func TestTruncated(t *testing.T) {
	var buf bytes.Buffer
	build(t, &buf, Tar, samples)
	b := buf.Bytes()
	i := bytes.Index(b, []byte("all work"))
	require.Positive(t, i)

	r, err := NewReader(bytes.NewReader(b[:i+100]), Tar)
	require.NoError(t, err)
	next(t, r, "docs")
	next(t, r, "docs/a.txt")
	next(t, r, "big.txt")
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, arcerr.ErrTruncated)
}

func TestBadMagic(t *testing.T) {
	junk := bytes.Repeat([]byte("not an archive "), 4000)
	for _, f := range []Format{Tar, Cpio, Zip, LHA, ISO9660} {
		t.Run(f.String(), func(t *testing.T) {
			r, err := NewReader(FromBytes(junk), f)
			if err == nil {
				_, err = r.Next()
			}
			require.Error(t, err)
			assert.NotNil(t, arcerr.Kind(err), "%v", err)
		})
	}
}

func TestISOOptions(t *testing.T) {
	var buf bytes.Buffer
	build(t, &buf, ISO9660, samples[:3], WithVolumeID("OPTS"), WithCreated(when))

	var logged bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logged, &slog.HandlerOptions{Level: slog.LevelDebug}))
	for _, c := range []struct {
		opts []Option
		tree iso9660.Tree
		name string
	}{
		{nil, iso9660.RockRidge, "docs/a.txt"},
		{[]Option{WithRockRidge(false)}, iso9660.Joliet, "docs/a.txt"},
		{[]Option{WithRockRidge(false), WithJoliet(false)}, iso9660.Plain, "DOCS/A.TXT"},
	} {
		opts := append(c.opts, WithLogger(log), WithPolicy(binstruct.PreferLittle))
		r, err := NewReader(FromBytes(buf.Bytes()), ISO9660, opts...)
		require.NoError(t, err)
		_, tree, ok := r.Volume()
		require.True(t, ok)
		assert.Equal(t, c.tree, tree)
		var names []string
		for _, g := range readAll(t, r) {
			names = append(names, g.h.Name)
		}
		assert.Contains(t, names, c.name)
	}
	assert.Contains(t, logged.String(), "isoOpen")
}

func TestParse(t *testing.T) {
	for s, want := range map[string]Format{"tar": Tar, "CPIO": Cpio, "zip": Zip, "lzh": LHA, "iso": ISO9660, "iso9660": ISO9660} {
		got, err := ParseFormat(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := ParseFormat("rar")
	assert.ErrorIs(t, err, ErrFormatName)

	m, err := ParseMethod("lh5")
	require.NoError(t, err)
	assert.Equal(t, LZHMethod(lha.LH5), m)
	assert.Equal(t, "-lh5-", m.String())

	m, err = ParseMethod("deflate")
	require.NoError(t, err)
	assert.Equal(t, ZIPMethod(zip.Deflate), m)
	assert.Equal(t, "deflate", m.String())

	m, err = ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, "none", m.String())

	_, err = ParseMethod("lzma")
	assert.True(t, errors.Is(err, arcerr.ErrUnsupported))
}
