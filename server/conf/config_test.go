package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadConfig(t *testing.T) {
	t.Run("默认配置", func(t *testing.T) {
		cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: filepath.Join(t.TempDir(), "missing.ini")})
		require.NoError(t, err)
		assert.Equal(t, 64, cfg.MaxVersionsPerKey)
		assert.Equal(t, SyncGroup, cfg.SyncMode)
		assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	})

	t.Run("ini配置", func(t *testing.T) {
		path := writeFile(t, "txncore.ini", `
[mvcc]
max_versions_per_key = 8
global_max_versions = 1000

[lock]
lock_timeout = 250ms
deadlock_victim_policy = FEWEST_LOCKS

[wal]
sync_mode = none
group_commit_max_bytes = 4096
group_commit_max_delay = 1ms
`)
		cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.MaxVersionsPerKey)
		assert.Equal(t, 1000, cfg.GlobalMaxVersions)
		assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
		assert.Equal(t, VictimFewestLocks, cfg.DeadlockVictimPolicy)
		assert.Equal(t, SyncNone, cfg.SyncMode)
		assert.Equal(t, 4096, cfg.GroupCommitMaxBytes)
		assert.Equal(t, time.Millisecond, cfg.GroupCommitMaxDelay)
	})

	t.Run("toml配置", func(t *testing.T) {
		path := writeFile(t, "txncore.toml", `
[wal]
sync_mode = "always"
segment_size = 1048576

[checkpoint]
checkpoint_interval = "30s"
`)
		cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
		require.NoError(t, err)
		assert.Equal(t, SyncAlways, cfg.SyncMode)
		assert.Equal(t, int64(1048576), cfg.SegmentSize)
		assert.Equal(t, 30*time.Second, cfg.CheckpointInterval)
	})

	t.Run("非法配置", func(t *testing.T) {
		path := writeFile(t, "bad.ini", "[wal]\nsync_mode = sometimes\n")
		_, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
		assert.Error(t, err)

		cfg := NewCfg()
		cfg.GlobalMaxVersions = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestResolvePath(t *testing.T) {
	cfg := NewCfg()
	cfg.DataDir = "/var/lib/txn"
	assert.Equal(t, filepath.Join("/var/lib/txn", "wal"), cfg.ResolvePath("wal"))
	assert.Equal(t, "/abs/wal", cfg.ResolvePath("/abs/wal"))
}
