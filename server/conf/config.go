package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/pelletier/go-toml"
	"github.com/zhukovaskychina/xmysql-txncore/logger"
	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

// 同步模式
const (
	SyncAlways = "always" // 每次刷盘都 fsync，且不等待攒批
	SyncGroup  = "group"  // 按批次 fsync
	SyncNone   = "none"   // 只写入操作系统缓存
)

// 提交缓冲区满时的处理策略
const (
	OverloadBlock = "block"
	OverloadShed  = "shed"
)

// 死锁牺牲者选择策略
const (
	VictimYoungest    = "youngest"
	VictimFewestLocks = "fewest_locks"
)

/*
[mvcc]
max_versions_per_key = 64
global_max_versions  = 1000000

[wal]
wal_dir   = data/wal
sync_mode = group
*/
type Cfg struct {
	Raw     *ini.File
	DataDir string

	// logs
	LogError      string
	LogInfos      string
	LogLevel      string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool

	// mvcc
	MaxVersionsPerKey int
	GlobalMaxVersions int
	HistoryMaxEntries int
	HistoryRetention  time.Duration
	GCInterval        time.Duration

	// lock
	LockTimeout               time.Duration
	DeadlockDetectionInterval time.Duration
	DeadlockVictimPolicy      string
	EscalationThreshold       int
	LockShards                int

	// wal
	WALDir                 string
	SegmentSize            int64
	GroupCommitMaxBytes    int
	GroupCommitMaxDelay    time.Duration
	CommitBufferMaxBytes   int
	CommitBufferMaxEntries int
	OverloadPolicy         string
	SyncMode               string

	// checkpoint / recovery
	CheckpointInterval time.Duration
	ArchiveDir         string
	RedoParallel       int

	// txn
	MaxTxnDuration time.Duration
	ReapInterval   time.Duration
	PageSize       int
	DataFile       string
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:     ini.Empty(),
		DataDir: "data",

		LogError: "",
		LogInfos: "",
		LogLevel: "info",

		MaxVersionsPerKey: 64,
		GlobalMaxVersions: 1 << 20,
		HistoryMaxEntries: 100000,
		HistoryRetention:  5 * time.Minute,
		GCInterval:        10 * time.Second,

		LockTimeout:               30 * time.Second,
		DeadlockDetectionInterval: 100 * time.Millisecond,
		DeadlockVictimPolicy:      VictimYoungest,
		EscalationThreshold:       1000,
		LockShards:                64,

		WALDir:                 "wal",
		SegmentSize:            64 << 20,
		GroupCommitMaxBytes:    1 << 20,
		GroupCommitMaxDelay:    2 * time.Millisecond,
		CommitBufferMaxBytes:   16 << 20,
		CommitBufferMaxEntries: 65536,
		OverloadPolicy:         OverloadBlock,
		SyncMode:               SyncGroup,

		CheckpointInterval: time.Minute,
		ArchiveDir:         "archive",
		RedoParallel:       4,

		MaxTxnDuration: 10 * time.Minute,
		ReapInterval:   time.Second,
		PageSize:       16384,
		DataFile:       "pages.db",
	}
}

// Load 读取配置文件，.toml 结尾的文件走 toml 解析，其余按 ini 解析
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	setHomePath(args)
	raw, err := cfg.loadConfiguration(args)
	if err != nil {
		return nil, err
	}
	cfg.Raw = raw

	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	cfg.parseMVCCCfg(cfg.Raw.Section("mvcc"))
	cfg.parseLockCfg(cfg.Raw.Section("lock"))
	cfg.parseWALCfg(cfg.Raw.Section("wal"))
	cfg.parseCheckpointCfg(cfg.Raw.Section("checkpoint"))
	cfg.parseTxnCfg(cfg.Raw.Section("txn"))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	configFile := "conf/txncore.ini"
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置", configFile)
		return ini.Empty(), nil
	}

	if strings.HasSuffix(configFile, ".toml") {
		return loadToml(configFile)
	}

	parsedFile, err := ini.Load(configFile)
	if err != nil {
		return nil, errors.Annotatef(err, "parse config %s", configFile)
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return parsedFile, nil
}

// loadToml 把 toml 的一级表转换成 ini 分区，后续解析逻辑共用
func loadToml(configFile string) (*ini.File, error) {
	tree, err := toml.LoadFile(configFile)
	if err != nil {
		return nil, errors.Annotatef(err, "parse config %s", configFile)
	}
	raw := ini.Empty()
	for _, name := range tree.Keys() {
		sub, ok := tree.Get(name).(*toml.Tree)
		if !ok {
			continue
		}
		section := raw.Section(name)
		for _, key := range sub.Keys() {
			section.Key(key).SetValue(fmt.Sprint(sub.Get(key)))
		}
	}
	return raw, nil
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) string {
	if section == nil {
		return defaultValue
	}
	value := section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	cfg.LogError = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos = valueAsString(section, "log_infos", cfg.LogInfos)
	cfg.LogLevel = strings.ToLower(valueAsString(section, "log_level", cfg.LogLevel))
	cfg.LogMaxSizeMB = section.Key("max_size_mb").MustInt(cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = section.Key("max_backups").MustInt(cfg.LogMaxBackups)
	cfg.LogMaxAgeDays = section.Key("max_age_days").MustInt(cfg.LogMaxAgeDays)
	cfg.LogCompress = section.Key("compress").MustBool(cfg.LogCompress)
}

func (cfg *Cfg) parseMVCCCfg(section *ini.Section) {
	cfg.MaxVersionsPerKey = section.Key("max_versions_per_key").MustInt(cfg.MaxVersionsPerKey)
	cfg.GlobalMaxVersions = section.Key("global_max_versions").MustInt(cfg.GlobalMaxVersions)
	cfg.HistoryMaxEntries = section.Key("history_max_entries").MustInt(cfg.HistoryMaxEntries)
	cfg.HistoryRetention = section.Key("history_retention").MustDuration(cfg.HistoryRetention)
	cfg.GCInterval = section.Key("gc_interval").MustDuration(cfg.GCInterval)
}

func (cfg *Cfg) parseLockCfg(section *ini.Section) {
	cfg.LockTimeout = section.Key("lock_timeout").MustDuration(cfg.LockTimeout)
	cfg.DeadlockDetectionInterval = section.Key("deadlock_detection_interval").MustDuration(cfg.DeadlockDetectionInterval)
	cfg.DeadlockVictimPolicy = strings.ToLower(valueAsString(section, "deadlock_victim_policy", cfg.DeadlockVictimPolicy))
	cfg.EscalationThreshold = section.Key("escalation_threshold").MustInt(cfg.EscalationThreshold)
	cfg.LockShards = section.Key("lock_shards").MustInt(cfg.LockShards)
}

func (cfg *Cfg) parseWALCfg(section *ini.Section) {
	cfg.WALDir = valueAsString(section, "wal_dir", cfg.WALDir)
	cfg.SegmentSize = section.Key("segment_size").MustInt64(cfg.SegmentSize)
	cfg.GroupCommitMaxBytes = section.Key("group_commit_max_bytes").MustInt(cfg.GroupCommitMaxBytes)
	cfg.GroupCommitMaxDelay = section.Key("group_commit_max_delay").MustDuration(cfg.GroupCommitMaxDelay)
	cfg.CommitBufferMaxBytes = section.Key("commit_buffer_max_bytes").MustInt(cfg.CommitBufferMaxBytes)
	cfg.CommitBufferMaxEntries = section.Key("commit_buffer_max_entries").MustInt(cfg.CommitBufferMaxEntries)
	cfg.OverloadPolicy = strings.ToLower(valueAsString(section, "overload_policy", cfg.OverloadPolicy))
	cfg.SyncMode = strings.ToLower(valueAsString(section, "sync_mode", cfg.SyncMode))
}

func (cfg *Cfg) parseCheckpointCfg(section *ini.Section) {
	cfg.CheckpointInterval = section.Key("checkpoint_interval").MustDuration(cfg.CheckpointInterval)
	cfg.ArchiveDir = valueAsString(section, "archive_dir", cfg.ArchiveDir)
	cfg.RedoParallel = section.Key("redo_parallel").MustInt(cfg.RedoParallel)
}

func (cfg *Cfg) parseTxnCfg(section *ini.Section) {
	cfg.DataDir = valueAsString(section, "data_dir", cfg.DataDir)
	cfg.DataFile = valueAsString(section, "data_file", cfg.DataFile)
	cfg.PageSize = section.Key("page_size").MustInt(cfg.PageSize)
	cfg.MaxTxnDuration = section.Key("max_txn_duration").MustDuration(cfg.MaxTxnDuration)
	cfg.ReapInterval = section.Key("reap_interval").MustDuration(cfg.ReapInterval)
}

// Validate 检查配置取值是否合法
func (cfg *Cfg) Validate() error {
	positive := map[string]int{
		"max_versions_per_key":      cfg.MaxVersionsPerKey,
		"global_max_versions":       cfg.GlobalMaxVersions,
		"history_max_entries":       cfg.HistoryMaxEntries,
		"lock_shards":               cfg.LockShards,
		"group_commit_max_bytes":    cfg.GroupCommitMaxBytes,
		"commit_buffer_max_bytes":   cfg.CommitBufferMaxBytes,
		"commit_buffer_max_entries": cfg.CommitBufferMaxEntries,
		"page_size":                 cfg.PageSize,
	}
	for name, v := range positive {
		if v <= 0 {
			return errors.Errorf("config %s must be positive, got %d", name, v)
		}
	}
	if cfg.SegmentSize <= 0 {
		return errors.Errorf("config segment_size must be positive, got %d", cfg.SegmentSize)
	}
	if cfg.LockTimeout <= 0 || cfg.DeadlockDetectionInterval <= 0 {
		return errors.New("config lock_timeout and deadlock_detection_interval must be positive")
	}
	if cfg.CommitBufferMaxBytes < cfg.GroupCommitMaxBytes {
		return errors.Errorf("config commit_buffer_max_bytes (%d) below group_commit_max_bytes (%d)",
			cfg.CommitBufferMaxBytes, cfg.GroupCommitMaxBytes)
	}
	switch cfg.SyncMode {
	case SyncAlways, SyncGroup, SyncNone:
	default:
		return errors.Errorf("config sync_mode %q unknown", cfg.SyncMode)
	}
	switch cfg.OverloadPolicy {
	case OverloadBlock, OverloadShed:
	default:
		return errors.Errorf("config overload_policy %q unknown", cfg.OverloadPolicy)
	}
	switch cfg.DeadlockVictimPolicy {
	case VictimYoungest, VictimFewestLocks:
	default:
		return errors.Errorf("config deadlock_victim_policy %q unknown", cfg.DeadlockVictimPolicy)
	}
	return nil
}

// LogConfig 转换为日志模块配置
func (cfg *Cfg) LogConfig() logger.LogConfig {
	return logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
		MaxSizeMB:    cfg.LogMaxSizeMB,
		MaxBackups:   cfg.LogMaxBackups,
		MaxAgeDays:   cfg.LogMaxAgeDays,
		Compress:     cfg.LogCompress,
	}
}

// ResolvePath 相对路径挂在 DataDir 下
func (cfg *Cfg) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.DataDir, p)
}
