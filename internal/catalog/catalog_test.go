package catalog

import (
	"bytes"
	"context"
	"io/fs"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliotnunn/multiarc/internal/archive"
)

var when = time.Unix(1700000000, 0).UTC()

func open(t *testing.T, fsys vfs.FS) *Catalog {
	t.Helper()
	c, err := Open("catalog", &Options{FS: fsys})
	require.NoError(t, err)
	return c
}

func entries(names ...string) []Entry {
	var list []Entry
	for _, n := range names {
		list = append(list, Entry{Name: n, Size: int64(len(n)), Mode: 0o644, ModTime: when})
	}
	return list
}

func names(list []Entry) []string {
	var s []string
	for _, e := range list {
		s = append(s, e.Archive+":"+e.Name)
	}
	return s
}

func TestKeyOf(t *testing.T) {
	k := KeyOf("a.tar", 10, when)
	assert.Equal(t, k, KeyOf("a.tar", 10, when))
	assert.NotEqual(t, k, KeyOf("a.tar", 11, when))
	assert.NotEqual(t, k, KeyOf("a.tar", 10, when.Add(time.Second)))
	assert.NotEqual(t, k, KeyOf("b.tar", 10, when))
	assert.Len(t, k.String(), 16)
}

func TestPutList(t *testing.T) {
	c := open(t, vfs.NewMem())
	defer c.Close()

	a := Archive{Path: "/srv/a.tar", Size: 1024, ModTime: when, Format: "tar"}
	require.NoError(t, c.Put(a, entries("x/one.txt", "x/two.txt", "three.c")))

	got, err := c.Lookup(a.Key())
	require.NoError(t, err)
	assert.Equal(t, 3, got.Entries)
	assert.Equal(t, "tar", got.Format)
	assert.False(t, got.Indexed.IsZero())

	list, err := c.List(a.Key())
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/a.tar:x/one.txt", "/srv/a.tar:x/two.txt", "/srv/a.tar:three.c"}, names(list))
	for i, e := range list {
		assert.EqualValues(t, i, e.Seq)
		assert.True(t, e.ModTime.Equal(when))
	}

	_, err = c.List(KeyOf("/srv/missing.tar", 0, when))
	assert.ErrorIs(t, err, ErrNotIndexed)
}

func TestReplace(t *testing.T) {
	c := open(t, vfs.NewMem())
	defer c.Close()

	old := Archive{Path: "a.zip", Size: 1, ModTime: when}
	require.NoError(t, c.Put(old, entries("old.txt")))
	neu := Archive{Path: "a.zip", Size: 2, ModTime: when.Add(time.Hour)}
	require.NoError(t, c.Put(neu, entries("new.txt")))

	_, err := c.Lookup(old.Key())
	assert.ErrorIs(t, err, ErrNotIndexed)
	all, err := c.Archives()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	hits, err := c.Match("*.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.zip:new.txt"}, names(hits))
}

func TestMatch(t *testing.T) {
	c := open(t, vfs.NewMem())
	defer c.Close()

	require.NoError(t, c.Put(Archive{Path: "a.tar", ModTime: when}, entries("src/main.go", "src/lib/x.go", "README")))
	require.NoError(t, c.Put(Archive{Path: "b.lzh", ModTime: when}, entries("doc/readme.txt", "main.go")))

	for _, tc := range []struct {
		pattern string
		want    []string
	}{
		{"**/*.go", []string{"a.tar:src/main.go", "a.tar:src/lib/x.go", "b.lzh:main.go"}},
		{"src/*.go", []string{"a.tar:src/main.go"}},
		{"{README,doc/*}", []string{"a.tar:README", "b.lzh:doc/readme.txt"}},
		{"nothing", nil},
	} {
		t.Run(tc.pattern, func(t *testing.T) {
			hits, err := c.Match(tc.pattern)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, names(hits))
		})
	}

	_, err := c.Match("[")
	assert.Error(t, err)
}

func TestDrop(t *testing.T) {
	c := open(t, vfs.NewMem())
	defer c.Close()

	a := Archive{Path: "a.cpio", ModTime: when}
	require.NoError(t, c.Put(a, entries("one", "two")))
	require.NoError(t, c.Put(Archive{Path: "b.cpio", ModTime: when}, entries("three")))

	n, err := c.Drop("a.cpio")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Drop("a.cpio")
	require.NoError(t, err)
	assert.Zero(t, n)

	hits, err := c.Match("*")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.cpio:three"}, names(hits))
}

func TestPersist(t *testing.T) {
	fsys := vfs.NewMem()
	c := open(t, fsys)
	a := Archive{Path: "keep.iso", Size: 2048, ModTime: when}
	require.NoError(t, c.Put(a, entries("BOOT.BIN")))
	require.NoError(t, c.Close())

	c = open(t, fsys)
	defer c.Close()
	list, err := c.List(a.Key())
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.iso:BOOT.BIN"}, names(list))
}

func TestScan(t *testing.T) {
	var buf bytes.Buffer
	w, err := archive.NewWriter(&buf, archive.LHA)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("some words to digest\n"), 50)
	require.NoError(t, w.Create(archive.Header{Name: "dir", Mode: fs.ModeDir | 0o755, ModTime: when}))
	require.NoError(t, w.Create(archive.Header{Name: "dir/f.txt", Mode: 0o644, ModTime: when, Size: int64(len(payload))}))
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := archive.NewReader(bytes.NewReader(buf.Bytes()), archive.LHA)
	require.NoError(t, err)
	defer r.Close()
	list, err := Scan(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "dir", list[0].Name)
	assert.Empty(t, list[0].Digest)
	assert.Equal(t, "dir/f.txt", list[1].Name)
	assert.Equal(t, digest.FromBytes(payload), list[1].Digest)
	assert.Equal(t, "-lh5-", list[1].Method)
	assert.Equal(t, "-lhd-", list[0].Method)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r2, err := archive.NewReader(bytes.NewReader(buf.Bytes()), archive.LHA)
	require.NoError(t, err)
	defer r2.Close()
	_, err = Scan(ctx, r2)
	assert.ErrorIs(t, err, context.Canceled)
}
