package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/elliotnunn/multiarc/internal/archive"
)

// run executes the command line with fresh flags, returning standard output.
func run(t *testing.T, stdin []byte, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(bytes.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, nil, args...)
	if err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
	return out
}

// tree builds a small source directory in the working directory.
func tree(t *testing.T) {
	t.Helper()
	t.Setenv("MULTIARC_LOG_LEVEL", "error")
	t.Setenv("MULTIARC_CATALOG_DIR", filepath.Join(t.TempDir(), "catalog"))
	t.Chdir(t.TempDir())

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(os.MkdirAll("src/sub", 0o755))
	must(os.WriteFile("src/a.txt", []byte("alpha\n"), 0o644))
	must(os.WriteFile("src/sub/b.bin", bytes.Repeat([]byte("bravo charlie "), 3000), 0o600))
	must(os.Symlink("a.txt", "src/link"))
	must(os.Link("src/a.txt", "src/hard.txt"))
}

var formats = []struct{ name, ext string }{
	{"tar", ".tar"},
	{"cpio", ".cpio"},
	{"zip", ".zip"},
	{"lha", ".lzh"},
	{"iso9660", ".iso"},
}

func TestCreateListExtract(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			tree(t)
			arc := "out" + f.ext
			mustRun(t, "create", "-f", f.name, arc, "src")

			listing := mustRun(t, "list", arc)
			for _, want := range []string{"src/", "src/a.txt", "src/sub/b.bin", "src/link -> a.txt"} {
				if !strings.Contains(listing, want) {
					t.Errorf("listing lacks %q:\n%s", want, listing)
				}
			}

			globbed := mustRun(t, "list", "--glob", "**/*.bin", arc)
			if strings.TrimSpace(globbed) != "src/sub/b.bin" {
				t.Errorf("glob listing: %q", globbed)
			}

			mustRun(t, "extract", arc, "-C", "dest")
			for _, name := range []string{"a.txt", "hard.txt", "sub/b.bin"} {
				want, _ := os.ReadFile(filepath.Join("src", name))
				got, err := os.ReadFile(filepath.Join("dest/src", name))
				if err != nil {
					t.Error(err)
				} else if !bytes.Equal(got, want) {
					t.Errorf("%s: content differs", name)
				}
			}
			if target, err := os.Readlink("dest/src/link"); err != nil || target != "a.txt" {
				t.Errorf("symlink: %q %v", target, err)
			}
			if fi, err := os.Stat("dest/src/sub"); err != nil || !fi.IsDir() {
				t.Errorf("directory: %v", err)
			}

			mustRun(t, "verify", arc)
		})
	}
}

func TestExtractPreservesMetadata(t *testing.T) {
	tree(t)
	mustRun(t, "create", "-f", "tar", "out.tar", "src")
	mustRun(t, "extract", "out.tar", "-C", "dest")

	src, _ := os.Stat("src/sub/b.bin")
	dst, err := os.Stat("dest/src/sub/b.bin")
	if err != nil {
		t.Fatal(err)
	}
	if dst.Mode().Perm() != 0o600 {
		t.Errorf("mode %v", dst.Mode())
	}
	if !dst.ModTime().Truncate(1e9).Equal(src.ModTime().Truncate(1e9)) {
		t.Errorf("mtime %v, want %v", dst.ModTime(), src.ModTime())
	}
	a, _ := os.Stat("dest/src/a.txt")
	h, _ := os.Stat("dest/src/hard.txt")
	if !os.SameFile(a, h) {
		t.Error("hard link extracted as a copy")
	}
}

func TestExtractUnsafe(t *testing.T) {
	tree(t)
	var buf bytes.Buffer
	w, err := archive.NewWriter(&buf, archive.Tar)
	if err != nil {
		t.Fatal(err)
	}
	w.Create(archive.Header{Name: "../evil.txt", Mode: 0o644, Size: 4, ModTime: time.Now()})
	w.Write([]byte("evil"))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	os.WriteFile("evil.tar", buf.Bytes(), 0o644)

	os.Mkdir("dest", 0o755)
	_, err = run(t, nil, "extract", "evil.tar", "-C", "dest")
	if !errors.Is(err, errUnsafePath) {
		t.Errorf("got %v, want the escaping name refused", err)
	}
	if _, err := os.Stat("evil.txt"); err == nil {
		t.Error("file written outside the destination")
	}
}

func TestVerifyCorrupt(t *testing.T) {
	tree(t)
	mustRun(t, "create", "-f", "tar", "good.tar", "src")
	b, _ := os.ReadFile("good.tar")
	os.WriteFile("short.tar", b[:len(b)/2], 0o644)

	_, err := run(t, nil, "verify", "-j", "2", "good.tar", "short.tar")
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("got %v, want one failure", err)
	}
}

func TestCompressedInput(t *testing.T) {
	tree(t)
	mustRun(t, "create", "-f", "tar", "out.tar", "src")
	tarball, _ := os.ReadFile("out.tar")

	// the gzip wrapper is peeled before sniffing
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write(tarball)
	zw.Close()
	os.WriteFile("out.tgz", gz.Bytes(), 0o644)
	listing := mustRun(t, "list", "out.tgz")
	if !strings.Contains(listing, "src/sub/b.bin") {
		t.Errorf("gzip listing: %s", listing)
	}
	mustRun(t, "verify", "out.tgz")
}

func TestIndexSearch(t *testing.T) {
	tree(t)
	mustRun(t, "create", "-f", "zip", "a.zip", "src")
	mustRun(t, "create", "-f", "lha", "b.lzh", "src/sub")
	mustRun(t, "index", "a.zip", "b.lzh")
	mustRun(t, "index", "a.zip") // unchanged, skipped

	out := mustRun(t, "search", "**/*.bin")
	if strings.Count(out, "src/sub/b.bin") != 2 {
		t.Errorf("search output:\n%s", out)
	}
	long := mustRun(t, "search", "-l", "src/a.txt")
	if !strings.Contains(long, "sha256:") {
		t.Errorf("long search lacks a digest:\n%s", long)
	}

	mustRun(t, "index", "--drop", "a.zip")
	out = mustRun(t, "search", "**")
	if strings.Contains(out, "a.zip") {
		t.Errorf("dropped archive still found:\n%s", out)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Setenv("MULTIARC_LOG_LEVEL", "error")
	input := bytes.Repeat([]byte("she sells sea shells by the sea shore "), 500)

	for _, c := range [][]string{
		{"lzss"},
		{"lzss", "--window-bits", "10", "--offset-bits", "10", "--length-bits", "3"},
		{"lzhuf", "--method", "lh5"},
		{"lzhuf", "--method", "lh7"},
	} {
		t.Run(strings.Join(c, " "), func(t *testing.T) {
			enc, err := run(t, input, append([]string{"codec"}, c...)...)
			if err != nil {
				t.Fatal(err)
			}
			if len(enc) >= len(input) {
				t.Errorf("no compression: %d bytes", len(enc))
			}
			args := append([]string{"codec", "-d"}, c...)
			if c[0] == "lzhuf" {
				args = append(args, "--size", "19000")
			}
			dec, err := run(t, []byte(enc), args...)
			if err != nil {
				t.Fatal(err)
			}
			if dec != string(input) {
				t.Error("round trip mismatch")
			}
		})
	}

	if _, err := run(t, nil, "codec", "-d", "lzhuf"); err == nil {
		t.Error("lzhuf decode without --size should fail")
	}
}

func TestArchiveName(t *testing.T) {
	for in, want := range map[string]string{
		"src/a":  "src/a",
		"/abs/b": "abs/b",
		"/":      ".",
		".":      ".",
	} {
		if got := archiveName(filepath.FromSlash(in)); got != want {
			t.Errorf("archiveName(%q) = %q, want %q", in, got, want)
		}
	}
}
