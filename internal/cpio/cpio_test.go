package cpio

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

var when = time.Unix(1600000000, 0)

type entry struct {
	h    Header
	data string
}

var entries = []entry{
	{Header{Name: "dir", Mode: modeDir | 0755, ModTime: when}, ""},
	{Header{Name: "dir/hello.txt", Mode: modeReg | 0644, Uid: 501, Gid: 20, ModTime: when, Size: 11}, "hello world"},
	{Header{Name: "dir/odd", Mode: modeReg | 0600, ModTime: when, Size: 3}, "abc"},
	{Header{Name: "dir/link", Mode: modeLink | 0777, ModTime: when, Linkname: "hello.txt"}, ""},
	{Header{Name: "dir/hard", Mode: modeReg | 0644, ModTime: when, Linkname: "dir/hello.txt"}, ""},
	{Header{Name: "dev/tty", Mode: modeChar | 0620, RDevMajor: 4, RDevMinor: 1, ModTime: when}, ""},
}

func build(t testing.TB, v Variant) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf, v)
	for _, e := range entries {
		if err := w.WriteHeader(&e.h); err != nil {
			t.Fatalf("%s: %v", e.h.Name, err)
		}
		if _, err := io.WriteString(w, e.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	for _, v := range []Variant{Newc, CRC, ODC, BinaryLE, BinaryBE} {
		t.Run(v.String(), func(t *testing.T) {
			archive := build(t, v)
			if len(archive)%blockSize != 0 {
				t.Errorf("archive is %d bytes", len(archive))
			}
			r := NewReader(bytes.NewReader(archive))
			for _, want := range entries {
				got, err := r.Next()
				if err != nil {
					t.Fatalf("%s: %v", want.h.Name, err)
				}
				if got.Variant != v {
					t.Errorf("%s: variant %v", got.Name, got.Variant)
				}
				if got.Name != want.h.Name || got.Mode != want.h.Mode || got.Uid != want.h.Uid ||
					got.Gid != want.h.Gid || !got.ModTime.Equal(want.h.ModTime) || got.Linkname != want.h.Linkname ||
					got.RDevMajor != want.h.RDevMajor || got.RDevMinor != want.h.RDevMinor {
					t.Errorf("header mismatch\n got: %+v\nwant: %+v", got, want.h)
				}
				body, err := io.ReadAll(r)
				if err != nil || string(body) != want.data {
					t.Errorf("%s: payload %q, %v", got.Name, body, err)
				}
			}
			for range 2 {
				if _, err := r.Next(); err != io.EOF {
					t.Errorf("after trailer: %v", err)
				}
			}
		})
	}
}

func TestMagic(t *testing.T) {
	for v, want := range map[Variant]string{
		Newc:     "070701",
		CRC:      "070702",
		ODC:      "070707",
		BinaryLE: "\xc7\x71",
		BinaryBE: "\x71\xc7",
	} {
		if got := build(t, v); !bytes.HasPrefix(got, []byte(want)) {
			t.Errorf("%v starts % x", v, got[:6])
		}
	}
}

func TestNewcLayout(t *testing.T) {
	var buf bytes.Buffer
	h := &Header{Name: "a", Mode: modeReg | 0644, Inode: 0x1234, Nlink: 1, Size: 2, ModTime: time.Unix(0x5f5e1000, 0)}
	if err := WriteHeader(&buf, h, Newc); err != nil {
		t.Fatal(err)
	}
	want := "070701" + "00001234" + "000081A4" + "00000000" + "00000000" + "00000001" + "5F5E1000" +
		"00000002" + "00000000" + "00000000" + "00000000" + "00000000" + "00000002" + "00000000" + "a\x00"
	if got := buf.String(); got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestChecksumMismatch(t *testing.T) {
	archive := build(t, CRC)
	i := bytes.Index(archive, []byte("hello world"))
	archive[i] ^= 0x20

	r := NewReader(bytes.NewReader(archive))
	r.Next()
	r.Next()
	_, err := io.ReadAll(r)
	if !errors.Is(err, arcerr.ErrIntegrity) {
		t.Errorf("got %v", err)
	}
}

// The newc variant has no payload sum, so the same damage goes unnoticed.
func TestNoChecksum(t *testing.T) {
	archive := build(t, Newc)
	i := bytes.Index(archive, []byte("hello world"))
	archive[i] ^= 0x20

	r := NewReader(bytes.NewReader(archive))
	r.Next()
	r.Next()
	if body, err := io.ReadAll(r); err != nil || string(body) != "Hello world" {
		t.Errorf("got %q, %v", body, err)
	}
}

func TestTruncated(t *testing.T) {
	archive := build(t, ODC)
	for _, n := range []int{1, 40, odcSize + 2, 200} {
		r := NewReader(bytes.NewReader(archive[:n]))
		var err error
		for err == nil {
			_, err = r.Next()
			if err == nil {
				_, err = io.ReadAll(r)
			}
		}
		if !errors.Is(err, arcerr.ErrTruncated) {
			t.Errorf("cut at %d: %v", n, err)
		}
	}
}

func TestBadMagic(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte("070799xxxxxxxxxxxx")))
	if !errors.Is(err, ErrMagic) || !errors.Is(err, arcerr.ErrFormat) {
		t.Errorf("got %v", err)
	}
}

func TestFieldTooLong(t *testing.T) {
	h := &Header{Name: "big", Mode: modeReg | 0644, Uid: 70000}
	if err := WriteHeader(io.Discard, h, BinaryLE); !errors.Is(err, ErrFieldTooLong) {
		t.Errorf("binary uid: %v", err)
	}
	if err := WriteHeader(io.Discard, h, Newc); err != nil {
		t.Errorf("newc uid: %v", err)
	}
	h = &Header{Name: "huge", Mode: modeReg | 0644, Size: 1 << 32}
	if err := WriteHeader(io.Discard, h, Newc); !errors.Is(err, ErrFieldTooLong) {
		t.Errorf("newc size: %v", err)
	}
	if err := WriteHeader(io.Discard, h, ODC); err != nil {
		t.Errorf("odc size: %v", err)
	}
}

func TestInodes(t *testing.T) {
	archive := build(t, Newc)
	r := NewReader(bytes.NewReader(archive))
	inodes := make(map[int64]string)
	for {
		h, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if h.Inode == 0 {
			t.Errorf("%s: zero inode", h.Name)
		}
		if prev, ok := inodes[h.Inode]; ok && h.Linkname != prev {
			t.Errorf("%s shares an inode with %s", h.Name, prev)
		}
		inodes[h.Inode] = h.Name
	}
}

func TestParseVariant(t *testing.T) {
	for _, v := range []Variant{Newc, CRC, ODC, BinaryLE, BinaryBE} {
		got, err := ParseVariant(v.String())
		if err != nil || got != v {
			t.Errorf("%v: %v %v", v, got, err)
		}
	}
	if _, err := ParseVariant("tar"); err == nil {
		t.Error("accepted tar")
	}
}

func FuzzReader(f *testing.F) {
	f.Add(build(f, CRC))
	f.Add(build(f, BinaryBE))
	f.Fuzz(func(t *testing.T, b []byte) {
		r := NewReader(bytes.NewReader(b))
		for range 50 {
			if _, err := r.Next(); err != nil {
				if err != io.EOF && arcerr.Kind(err) == nil {
					t.Fatalf("error outside the taxonomy: %v", err)
				}
				return
			}
			io.Copy(io.Discard, r)
		}
	})
}
