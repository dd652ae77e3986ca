package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "deflate", cfg.ZipMethod)
	assert.Equal(t, "lh5", cfg.LHAMethod)
	assert.Equal(t, 2, cfg.LHALevel)
	assert.Equal(t, "newc", cfg.CpioVariant)
	assert.True(t, cfg.ISOJoliet)
	assert.True(t, cfg.ISORockRidge)
	assert.Equal(t, "require_match", cfg.DualEndian)
	assert.GreaterOrEqual(t, cfg.Jobs, 1)
	assert.NotEmpty(t, cfg.CatalogDir)
	assert.Len(t, cfg.ArchiveOptions(), 7)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("MULTIARC_ZIP_METHOD", "zstd")
	t.Setenv("MULTIARC_LHA_LEVEL", "1")
	t.Setenv("MULTIARC_ISO_JOLIET", "false")
	t.Setenv("MULTIARC_PASSWORD", "hunter2")
	t.Chdir(t.TempDir())

	v := viper.New()
	require.NoError(t, Init(v, ""))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "zstd", cfg.ZipMethod)
	assert.Equal(t, 1, cfg.LHALevel)
	assert.False(t, cfg.ISOJoliet)
	assert.Equal(t, "hunter2", cfg.Password)
	assert.Len(t, cfg.ArchiveOptions(), 8)
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "multiarc.yaml")
	err := os.WriteFile(file, []byte("cpio_variant: bin-be\ndual_endian: prefer_big\njobs: 3\n"), 0o644)
	require.NoError(t, err)

	v := viper.New()
	require.NoError(t, Init(v, file))
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "bin-be", cfg.CpioVariant)
	assert.Equal(t, "prefer_big", cfg.DualEndian)
	assert.Equal(t, 3, cfg.Jobs)

	// found by name in the working directory
	t.Chdir(dir)
	v = viper.New()
	require.NoError(t, Init(v, ""))
	assert.Equal(t, 3, v.GetInt("jobs"))

	assert.Error(t, Init(viper.New(), filepath.Join(dir, "missing.yaml")))
}

func TestValidate(t *testing.T) {
	for key, bad := range map[string]any{
		"log_level":    "shouty",
		"zip_method":   "lzma-ish",
		"lha_method":   "lh9",
		"lha_level":    3,
		"cpio_variant": "tar",
		"dual_endian":  "prefer_middle",
		"jobs":         0,
	} {
		t.Run(key, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			v.Set(key, bad)
			_, err := Load(v)
			assert.ErrorContains(t, err, key)
		})
	}
}
