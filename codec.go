// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/elliotnunn/multiarc/internal/lzhuf"
	"github.com/elliotnunn/multiarc/internal/lzss"
)

var codecCmd = &cobra.Command{
	Use:   "codec lzss|lzhuf",
	Short: "Run a raw codec from standard input to standard output",
	Long: `Run a raw codec from standard input to standard output.

An lzhuf stream does not record its length, so decoding needs --size.
Encoding logs the input length for that purpose.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"lzss", "lzhuf"},
	RunE:      codec,
}

func init() {
	f := codecCmd.Flags()
	f.BoolP("decompress", "d", false, "decode instead of encoding")
	f.String("method", "lh5", "lzhuf method (lh4 to lh7)")
	f.Int64("size", -1, "decoded length, required to decode lzhuf")
	f.Int("window-bits", lzss.Default.WindowBits, "lzss window size as a power of two")
	f.Int("offset-bits", lzss.Default.OffsetBits, "lzss distance field width")
	f.Int("length-bits", lzss.Default.LengthBits, "lzss length field width")
}

// countWriter counts bytes on their way to the codec.
type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func codec(cmd *cobra.Command, args []string) error {
	decompress, _ := cmd.Flags().GetBool("decompress")
	in := bufio.NewReader(cmd.InOrStdin())
	out := bufio.NewWriter(cmd.OutOrStdout())

	var (
		enc io.WriteCloser
		dec io.Reader
		err error
	)
	switch args[0] {
	case "lzss":
		var p lzss.Params
		p.WindowBits, _ = cmd.Flags().GetInt("window-bits")
		p.OffsetBits, _ = cmd.Flags().GetInt("offset-bits")
		p.LengthBits, _ = cmd.Flags().GetInt("length-bits")
		if decompress {
			dec, err = lzss.NewReader(in, p)
		} else {
			enc, err = lzss.NewWriter(out, p)
		}
	case "lzhuf":
		name, _ := cmd.Flags().GetString("method")
		m, perr := lzhuf.ParseMethod(name)
		if perr != nil {
			return perr
		}
		if decompress {
			size, _ := cmd.Flags().GetInt64("size")
			if size < 0 {
				return errors.New("lzhuf: --size is required to decode")
			}
			dec, err = lzhuf.NewReader(in, m, size)
		} else {
			enc, err = lzhuf.NewWriter(out, m)
		}
	default:
		return fmt.Errorf("unknown codec %q, want lzss or lzhuf", args[0])
	}
	if err != nil {
		return err
	}

	if decompress {
		n, err := io.Copy(out, dec)
		if err != nil {
			return err
		}
		slog.Debug("decoded", "codec", args[0], "size", n)
		return out.Flush()
	}

	cw := &countWriter{w: enc}
	if _, err := io.Copy(cw, in); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	slog.Info("encoded", "codec", args[0], "size", cw.n)
	return out.Flush()
}
