// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package catalog keeps a persistent index of archive listings, so that
// entries can be found by name without opening every archive again.
//
// Keys in the underlying store:
//
//	'a' key                 archive record
//	'e' key seq             entry record, seq is big-endian
//
// where key is the big-endian xxhash of the archive's path, size and mtime.
// A changed archive therefore gets a fresh key and its stale listing can
// be dropped by path.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/opencontainers/go-digest"
)

const (
	archivePrefix = 'a'
	entryPrefix   = 'e'
)

var ErrNotIndexed = errors.New("catalog: archive not indexed")

// Key identifies one version of an archive file.
type Key uint64

// KeyOf hashes the identity of an archive file.
func KeyOf(path string, size int64, mtime time.Time) Key {
	d := xxhash.New()
	d.WriteString(path)
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(size))
	binary.BigEndian.PutUint64(b[8:], uint64(mtime.UnixNano()))
	d.Write(b[:])
	return Key(d.Sum64())
}

func (k Key) String() string { return fmt.Sprintf("%016x", uint64(k)) }

// Archive describes an indexed archive file.
type Archive struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	Format  string    `json:"format"`
	Entries int       `json:"entries"`
	Indexed time.Time `json:"indexed"`
}

func (a *Archive) Key() Key { return KeyOf(a.Path, a.Size, a.ModTime) }

// Entry is one member of an indexed archive.
type Entry struct {
	Archive  string        `json:"-"`
	Seq      uint32        `json:"-"`
	Name     string        `json:"name"`
	Linkname string        `json:"link,omitempty"`
	Size     int64         `json:"size"`
	Mode     fs.FileMode   `json:"mode"`
	ModTime  time.Time     `json:"mtime"`
	Method   string        `json:"method,omitempty"`
	Digest   digest.Digest `json:"digest,omitempty"`
}

type Options struct {
	// FS defaults to the operating system's filesystem.
	FS     vfs.FS
	Logger *slog.Logger
}

type Catalog struct {
	db  *pebble.DB
	log *slog.Logger
}

// Open opens or creates the catalog in dir.
func Open(dir string, o *Options) (*Catalog, error) {
	if o == nil {
		o = &Options{}
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	opts := &pebble.Options{
		FS:     o.FS,
		Logger: pebbleLogger{log},
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", dir, err)
	}
	log.Debug("catalogOpen", "dir", dir)
	return &Catalog{db: db, log: log}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func archiveKey(k Key) []byte {
	b := make([]byte, 9)
	b[0] = archivePrefix
	binary.BigEndian.PutUint64(b[1:], uint64(k))
	return b
}

func entryKey(k Key, seq uint32) []byte {
	b := make([]byte, 13)
	b[0] = entryPrefix
	binary.BigEndian.PutUint64(b[1:], uint64(k))
	binary.BigEndian.PutUint32(b[9:], seq)
	return b
}

// entryBounds covers every entry of one archive.
func entryBounds(k Key) (lower, upper []byte) {
	lower = entryKey(k, 0)[:9]
	upper = make([]byte, 9)
	copy(upper, lower)
	if uint64(k) == ^uint64(0) {
		upper[0]++
		return lower, upper[:1]
	}
	binary.BigEndian.PutUint64(upper[1:], uint64(k)+1)
	return lower, upper
}

// Put records the listing of an archive, replacing any earlier listing
// of the same path.
func (c *Catalog) Put(a Archive, entries []Entry) error {
	a.Entries = len(entries)
	if a.Indexed.IsZero() {
		a.Indexed = time.Now().UTC()
	}
	k := a.Key()

	b := c.db.NewBatch()
	defer b.Close()

	stale, err := c.findPath(a.Path)
	if err != nil {
		return err
	}
	for _, old := range stale {
		if err := dropBatch(b, old); err != nil {
			return err
		}
	}

	rec, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := b.Set(archiveKey(k), rec, nil); err != nil {
		return err
	}
	for i, e := range entries {
		rec, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Set(entryKey(k, uint32(i)), rec, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("catalog: put %s: %w", a.Path, err)
	}
	c.log.Debug("catalogPut", "path", a.Path, "key", k, "entries", len(entries), "replaced", len(stale))
	return nil
}

// Lookup returns the record for an archive, or ErrNotIndexed.
func (c *Catalog) Lookup(k Key) (Archive, error) {
	var a Archive
	v, closer, err := c.db.Get(archiveKey(k))
	if errors.Is(err, pebble.ErrNotFound) {
		return a, ErrNotIndexed
	} else if err != nil {
		return a, err
	}
	defer closer.Close()
	err = json.Unmarshal(v, &a)
	return a, err
}

// Archives lists every indexed archive in key order.
func (c *Catalog) Archives() ([]Archive, error) {
	var list []Archive
	err := c.scan([]byte{archivePrefix}, []byte{archivePrefix + 1}, func(_, v []byte) error {
		var a Archive
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		list = append(list, a)
		return nil
	})
	return list, err
}

// List returns the entries of one archive in their stored order.
func (c *Catalog) List(k Key) ([]Entry, error) {
	a, err := c.Lookup(k)
	if err != nil {
		return nil, err
	}
	lower, upper := entryBounds(k)
	list := make([]Entry, 0, a.Entries)
	err = c.scan(lower, upper, func(key, v []byte) error {
		e, err := decodeEntry(key, v)
		e.Archive = a.Path
		list = append(list, e)
		return err
	})
	return list, err
}

// Match returns the entries of every archive whose name matches a
// doublestar pattern such as "**/*.txt".
func (c *Catalog) Match(pattern string) ([]Entry, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("catalog: bad pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}
	archives, err := c.Archives()
	if err != nil {
		return nil, err
	}
	var hits []Entry
	for _, a := range archives {
		lower, upper := entryBounds(a.Key())
		err := c.scan(lower, upper, func(key, v []byte) error {
			e, err := decodeEntry(key, v)
			if err != nil {
				return err
			}
			if doublestar.MatchUnvalidated(pattern, e.Name) {
				e.Archive = a.Path
				hits = append(hits, e)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return hits, nil
}

// Drop forgets every listing recorded for path. It reports how many
// versions it removed.
func (c *Catalog) Drop(path string) (int, error) {
	stale, err := c.findPath(path)
	if err != nil || len(stale) == 0 {
		return 0, err
	}
	b := c.db.NewBatch()
	defer b.Close()
	for _, k := range stale {
		if err := dropBatch(b, k); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("catalog: drop %s: %w", path, err)
	}
	c.log.Debug("catalogDrop", "path", path, "versions", len(stale))
	return len(stale), nil
}

func dropBatch(b *pebble.Batch, k Key) error {
	if err := b.Delete(archiveKey(k), nil); err != nil {
		return err
	}
	lower, upper := entryBounds(k)
	return b.DeleteRange(lower, upper, nil)
}

func (c *Catalog) findPath(path string) ([]Key, error) {
	archives, err := c.Archives()
	if err != nil {
		return nil, err
	}
	var keys []Key
	for _, a := range archives {
		if a.Path == path {
			keys = append(keys, a.Key())
		}
	}
	return keys, nil
}

func (c *Catalog) scan(lower, upper []byte, fn func(k, v []byte) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		v, err := iter.ValueAndErr()
		if err != nil {
			iter.Close()
			return err
		}
		if err := fn(iter.Key(), v); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Close()
}

func decodeEntry(key, v []byte) (Entry, error) {
	var e Entry
	if len(key) != 13 {
		return e, fmt.Errorf("catalog: malformed entry key %x", key)
	}
	e.Seq = binary.BigEndian.Uint32(key[9:])
	err := json.Unmarshal(v, &e)
	return e, err
}

// pebbleLogger routes the store's own messages into slog.
type pebbleLogger struct{ l *slog.Logger }

func (p pebbleLogger) Infof(format string, args ...any) {
	p.l.Debug("pebble", "msg", fmt.Sprintf(format, args...))
}

func (p pebbleLogger) Errorf(format string, args ...any) {
	p.l.Error("pebble", "msg", fmt.Sprintf(format, args...))
}

func (p pebbleLogger) Fatalf(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
