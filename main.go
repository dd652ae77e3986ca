// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Command multiarc lists, extracts, creates and verifies tar, cpio, ZIP,
// LHA and ISO 9660 archives, and keeps a searchable catalog of their contents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/config"
	"github.com/elliotnunn/multiarc/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "multiarc",
	Short:         "Read and write tar, cpio, ZIP, LHA and ISO 9660 archives",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(viper.GetViper(), cfgFile); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		if err := logging.Setup(cfg.LogLevel, cfg.LogDir); err != nil {
			return fmt.Errorf("could not set up logging: %w", err)
		}
		if f := viper.ConfigFileUsed(); f != "" {
			slog.Debug("configFile", "path", f)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "path to config file (default multiarc.yaml)")

	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-dir", "", "directory to write JSON log files to, as well as the console")
	pf.String("password", "", "password for encrypted ZIP entries")
	pf.String("catalog-dir", "", "directory of the catalog used by index and search")
	pf.String("zip-method", "deflate", "ZIP compression method (store, deflate, zstd)")
	pf.String("lha-method", "lh5", "LHA compression method (lh0, lh4 to lh7)")
	pf.Int("lha-level", 2, "LHA header level (0 to 2)")
	pf.String("cpio-variant", "newc", "cpio variant (newc, crc, odc, bin-le, bin-be)")
	pf.Bool("joliet", true, "write and read the Joliet tree of ISO 9660 images")
	pf.Bool("rockridge", true, "write and read Rock Ridge extensions of ISO 9660 images")
	pf.String("dual-endian", "require_match", "policy for disagreeing ISO 9660 fields (require_match, prefer_little, prefer_big)")
	pf.IntP("jobs", "j", 0, "archives to verify at once (default GOMAXPROCS)")

	for key, flag := range map[string]string{
		"log_level":     "log-level",
		"log_dir":       "log-dir",
		"password":      "password",
		"catalog_dir":   "catalog-dir",
		"zip_method":    "zip-method",
		"lha_method":    "lha-method",
		"lha_level":     "lha-level",
		"cpio_variant":  "cpio-variant",
		"iso_joliet":    "joliet",
		"iso_rockridge": "rockridge",
		"dual_endian":   "dual-endian",
		"jobs":          "jobs",
	} {
		viper.BindPFlag(key, pf.Lookup(flag))
	}

	rootCmd.AddCommand(listCmd, extractCmd, createCmd, verifyCmd, indexCmd, searchCmd, codecCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("failed", "error", err, "kind", arcerr.Name(err))
		os.Exit(1)
	}
}
