// Copyright Elliot Nunn. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Compare this package against the canonical go one

package tar

import (
	gotar "archive/tar"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

var when = time.Unix(1700000000, 0)

var headers = []*Header{
	{Typeflag: TypeReg, Name: "hello.txt", Size: 5, Mode: 0644, Uid: 1000, Gid: 100, Uname: "elliot", Gname: "users", ModTime: when},
	{Typeflag: TypeDir, Name: "dir/", Mode: 0755, ModTime: when},
	{Typeflag: TypeSymlink, Name: "dir/link", Linkname: "../hello.txt", Mode: 0777, ModTime: when},
	{Typeflag: TypeReg, Name: strings.Repeat("p/", 60) + "file", Size: 1000, Mode: 0600, ModTime: when},
	{Typeflag: TypeReg, Name: strings.Repeat("x", 150), Size: 0, Mode: 0600, ModTime: when},
	{Typeflag: TypeLink, Name: "hard", Linkname: strings.Repeat("y", 120), ModTime: when},
	{Typeflag: TypeChar, Name: "dev/null", Mode: 0666, Devmajor: 1, Devminor: 3, ModTime: when},
	{Typeflag: TypeReg, Name: "big-ids", Size: 1, Uid: 1 << 30, Gid: 7, Mode: 0644, ModTime: when},
	{Typeflag: TypeReg, Name: "times", Size: 2, Mode: 0644, ModTime: when, AccessTime: when.Add(time.Hour), ChangeTime: when.Add(2 * time.Hour)},
	{Typeflag: TypeReg, Name: "longowner", Size: 3, Mode: 0644, ModTime: when, Uname: strings.Repeat("u", 40), Gname: "g"},
}

func payload(h *Header) []byte {
	return bytes.Repeat([]byte{byte(len(h.Name))}, int(h.PayloadSize()))
}

func writeAll(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := NewWriter(&buf)
	for _, h := range headers {
		if err := tw.WriteHeader(h); err != nil {
			t.Fatalf("%s: %v", h.Name, err)
		}
		if _, err := tw.Write(payload(h)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func sameHeader(t *testing.T, got, want *Header) {
	t.Helper()
	if got.Name != want.Name || got.Linkname != want.Linkname || got.Typeflag != want.Typeflag ||
		got.Size != want.Size || got.Mode != want.Mode || got.Uid != want.Uid || got.Gid != want.Gid ||
		got.Uname != want.Uname || got.Gname != want.Gname ||
		got.Devmajor != want.Devmajor || got.Devminor != want.Devminor ||
		!got.ModTime.Equal(want.ModTime) || !got.AccessTime.Equal(want.AccessTime) || !got.ChangeTime.Equal(want.ChangeTime) {
		t.Errorf("header mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	archive := writeAll(t)
	if len(archive)%blockSize != 0 {
		t.Fatalf("archive of %d bytes is not whole blocks", len(archive))
	}
	tr := NewReader(bytes.NewReader(archive))
	for _, want := range headers {
		got, err := tr.Next()
		if err != nil {
			t.Fatalf("%s: %v", want.Name, err)
		}
		sameHeader(t, got, want)
		body, err := io.ReadAll(tr)
		if err != nil || !bytes.Equal(body, payload(want)) {
			t.Errorf("%s: payload %d bytes, %v", want.Name, len(body), err)
		}
	}
	for range 2 {
		if _, err := tr.Next(); err != io.EOF {
			t.Errorf("after the last entry: %v", err)
		}
	}
}

// Payloads left unread are skipped by Next.
func TestSkipPayload(t *testing.T) {
	tr := NewReader(bytes.NewReader(writeAll(t)))
	n := 0
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != len(headers) {
		t.Errorf("saw %d entries", n)
	}
}

func TestStdlibReadsOurs(t *testing.T) {
	tr := gotar.NewReader(bytes.NewReader(writeAll(t)))
	for _, want := range headers {
		got, err := tr.Next()
		if err != nil {
			t.Fatalf("%s: %v", want.Name, err)
		}
		if got.Name != want.Name || got.Linkname != want.Linkname || got.Size != want.Size || got.Uname != want.Uname {
			t.Errorf("stdlib read %q %q %d %q", got.Name, got.Linkname, got.Size, got.Uname)
		}
	}
	if _, err := tr.Next(); err != io.EOF {
		t.Errorf("stdlib trailer: %v", err)
	}
}

func TestWeReadStdlib(t *testing.T) {
	var buf bytes.Buffer
	tw := gotar.NewWriter(&buf)
	stdHeaders := []*gotar.Header{
		{Name: "plain", Size: 3, Mode: 0644, ModTime: when, Format: gotar.FormatUSTAR},
		{Name: strings.Repeat("n", 200), Size: 0, Mode: 0644, ModTime: when, Format: gotar.FormatPAX},
		{Name: "gnu", Linkname: strings.Repeat("l", 130), Typeflag: gotar.TypeSymlink, ModTime: when, Format: gotar.FormatGNU},
		{Name: "nanos", Size: 1, ModTime: when.Add(123456789), Format: gotar.FormatPAX, PAXRecords: map[string]string{"MULTIARC.test": "yes"}},
	}
	for _, h := range stdHeaders {
		tw.WriteHeader(h)
		tw.Write(make([]byte, h.Size))
	}
	tw.Close()

	tr := NewReader(bytes.NewReader(buf.Bytes()))
	for _, want := range stdHeaders {
		got, err := tr.Next()
		if err != nil {
			t.Fatalf("%.20s: %v", want.Name, err)
		}
		if got.Name != want.Name || got.Linkname != want.Linkname || got.Size != want.Size || !got.ModTime.Equal(want.ModTime) {
			t.Errorf("read %.20q %.20q %d %v", got.Name, got.Linkname, got.Size, got.ModTime)
		}
		for k, v := range want.PAXRecords {
			if got.PAXRecords[k] != v {
				t.Errorf("PAX record %s = %q", k, got.PAXRecords[k])
			}
		}
	}
	if _, err := tr.Next(); err != io.EOF {
		t.Errorf("trailer: %v", err)
	}
}

func TestChecksumMismatch(t *testing.T) {
	archive := writeAll(t)
	archive[0] ^= 1
	_, err := NewReader(bytes.NewReader(archive)).Next()
	if !errors.Is(err, ErrChecksum) || !errors.Is(err, arcerr.ErrIntegrity) {
		t.Errorf("got %v", err)
	}
}

func TestTruncated(t *testing.T) {
	archive := writeAll(t)
	tr := NewReader(bytes.NewReader(archive[:700]))
	if _, err := tr.Next(); err != nil {
		t.Fatal(err)
	}
	tr.Next()
	if _, err := tr.Next(); !errors.Is(err, arcerr.ErrTruncated) {
		t.Errorf("got %v", err)
	}

	_, err := ReadHeader(bytes.NewReader(archive[:100]))
	if !errors.Is(err, arcerr.ErrTruncated) {
		t.Errorf("mid-header: %v", err)
	}
}

func TestCleanEnd(t *testing.T) {
	if _, err := ReadHeader(bytes.NewReader(nil)); err != io.EOF {
		t.Errorf("empty stream: %v", err)
	}
	if _, err := ReadHeader(bytes.NewReader(Trailer())); err != io.EOF {
		t.Errorf("trailer: %v", err)
	}
}

func TestNumeric(t *testing.T) {
	cases := []struct {
		width int
		x     int64
	}{
		{8, 0}, {8, 07777777}, {8, 010000000}, {12, 1 << 33}, {12, 1 << 40}, {12, -1}, {8, 1 << 40},
	}
	for _, c := range cases {
		b := make([]byte, c.width)
		var f formatter
		f.formatNumeric(b, c.x)
		if f.err != nil {
			t.Errorf("format %d in %d bytes: %v", c.x, c.width, f.err)
			continue
		}
		var p parser
		if got := p.parseNumeric(b); got != c.x || p.err != nil {
			t.Errorf("%d in %d bytes read back as %d (%v)", c.x, c.width, got, p.err)
		}
	}
}

func TestPad(t *testing.T) {
	for size, want := range map[int64]int{0: 0, 1: 511, 512: 0, 513: 511, 1000: 24} {
		if got := len(Pad(size)); got != want {
			t.Errorf("Pad(%d) = %d bytes, want %d", size, got, want)
		}
	}
	if len(Trailer()) != 1024 {
		t.Error("trailer is two blocks")
	}
}

func TestWriteTooLong(t *testing.T) {
	tw := NewWriter(io.Discard)
	tw.WriteHeader(&Header{Name: "a", Size: 2, Typeflag: TypeReg})
	if _, err := tw.Write([]byte("abc")); err != ErrWriteTooLong {
		t.Errorf("overlong write: %v", err)
	}
	tw = NewWriter(io.Discard)
	tw.WriteHeader(&Header{Name: "a", Size: 2, Typeflag: TypeReg})
	if err := tw.Close(); err != ErrWriteTooLong {
		t.Errorf("short payload: %v", err)
	}
}

func FuzzReader(f *testing.F) {
	var buf bytes.Buffer
	tw := NewWriter(&buf)
	tw.WriteHeader(&Header{Name: "seed", Size: 3, Typeflag: TypeReg, ModTime: when})
	tw.Write([]byte("abc"))
	tw.Close()
	f.Add(buf.Bytes())
	f.Fuzz(func(t *testing.T, b []byte) {
		tr := NewReader(bytes.NewReader(b))
		for range 100 {
			_, err := tr.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				if arcerr.Kind(err) == nil {
					t.Fatalf("error outside the taxonomy: %v", err)
				}
				return
			}
			io.Copy(io.Discard, tr)
		}
	})
}
