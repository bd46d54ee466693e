package manager

import (
	"time"

	"github.com/zhukovaskychina/xmysql-txncore/server/conf"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/mvcc"
)

// MVCCConfig MVCC配置
type MVCCConfig struct {
	MaxVersionsPerKey int           // 单个键的版本上限
	GlobalMaxVersions int           // 全局版本上限
	HistoryMaxEntries int           // 提交历史条数上限
	HistoryRetention  time.Duration // 提交历史保留时间
	GCInterval        time.Duration // 后台回收间隔，0 表示不启动
	Shards            int
}

// MVCCConfigFromCfg 从全局配置生成
func MVCCConfigFromCfg(cfg *conf.Cfg) MVCCConfig {
	return MVCCConfig{
		MaxVersionsPerKey: cfg.MaxVersionsPerKey,
		GlobalMaxVersions: cfg.GlobalMaxVersions,
		HistoryMaxEntries: cfg.HistoryMaxEntries,
		HistoryRetention:  cfg.HistoryRetention,
		GCInterval:        cfg.GCInterval,
		Shards:            cfg.LockShards,
	}
}

// MVCCStats MVCC统计信息
type MVCCStats struct {
	ActiveSnapshots int            // 活跃快照数
	OldestSnapshot  mvcc.Timestamp // 最老快照
	TotalVersions   int64          // 总版本数
	Keys            int            // 键数
	HistoryEntries  int            // 提交历史条数
	HistoryFloor    mvcc.Timestamp // 已被强制淘汰的历史上界
	GCRuns          uint64         // 回收次数
	Collected       int64          // 累计回收版本数
	Conflicts       uint64         // 提交冲突次数
	Commits         uint64         // 提交次数
}
