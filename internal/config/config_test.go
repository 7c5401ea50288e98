package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ".folder", cfg.FolderObjectName)
	assert.Equal(t, 128*1024, cfg.BufSize)
	assert.Equal(t, 5, cfg.RenameRetries)
	assert.True(t, cfg.CheckBucketBoundary)
	assert.Equal(t, ".nsfs_tmp", cfg.TmpDirName)
	assert.Equal(t, 10*time.Second, cfg.IOStreamItemTimeout)
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("NSFS_BUF_SIZE", "65536")
	t.Setenv("NSFS_VERSIONING_ENABLED", "false")
	t.Setenv("NSFS_FOLDER_OBJECT_NAME", ".dir_marker")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 65536, cfg.BufSize)
	assert.False(t, cfg.VersioningEnabled)
	assert.Equal(t, ".dir_marker", cfg.FolderObjectName)
}

func TestLoadRejectsUnreadableConfigFile(t *testing.T) {
	_, err := Load(os.TempDir() + "/this-config-file-does-not-exist.yaml")
	assert.Error(t, err)
}
