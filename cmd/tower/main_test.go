package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueKeys(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	a := filepath.Join(dir, "a.png")

	got := uniqueKeys([]string{a, filepath.Join(dir, "x", "..", "a.png"), filepath.Join(dir, "b.png"), ""})
	assert.Equal(t, []string{a, filepath.Join(dir, "b.png"), ""}, got)
}

func TestLoaderConfig_Env(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()
	initConfig()
	t.Setenv("TOWER_WORKERS", "3")
	t.Setenv("TOWER_RESOLVE_TIMEOUT", "2s")
	viper.SetDefault("tick", "16ms")
	viper.SetDefault("failure-ttl", "30s")

	cfg, err := loaderConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.ResolveTimeout)
	assert.Equal(t, 16*time.Millisecond, cfg.TickInterval)
}

func TestLoaderConfig_Invalid(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()
	viper.Set("workers", 0)
	viper.Set("tick", "16ms")
	viper.Set("resolve-timeout", "10s")
	viper.Set("failure-ttl", "30s")

	_, err := loaderConfig()
	assert.ErrorContains(t, err, "workers")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath("~/boards")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "boards"), got)

	got, err = expandPath("")
	require.NoError(t, err)
	assert.Empty(t, got)
}
