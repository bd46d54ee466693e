package manager

import (
	"strings"
	"time"

	"github.com/zhukovaskychina/xmysql-txncore/server/conf"
	"go.uber.org/atomic"
)

// LockMode 锁模式
type LockMode uint8

const (
	LockIS  LockMode = iota // 意向共享
	LockIX                  // 意向排他
	LockS                   // 共享
	LockSIX                 // 共享意向排他
	LockU                   // 更新
	LockX                   // 排他
	lockModeCount
)

func (m LockMode) String() string {
	switch m {
	case LockIS:
		return "IS"
	case LockIX:
		return "IX"
	case LockS:
		return "S"
	case LockSIX:
		return "SIX"
	case LockU:
		return "U"
	case LockX:
		return "X"
	}
	return "?"
}

// 兼容矩阵，行是已持有的模式，列是请求的模式
var lockCompatible = [lockModeCount][lockModeCount]bool{
	//          IS     IX     S      SIX    U      X
	LockIS:  {true, true, true, true, true, false},
	LockIX:  {true, true, false, false, false, false},
	LockS:   {true, false, true, false, true, false},
	LockSIX: {true, false, false, false, false, false},
	LockU:   {true, false, true, false, false, false},
	LockX:   {false, false, false, false, false, false},
}

// lockCovers[held][req] 表示持有 held 时无需再为 req 加锁
var lockCovers = [lockModeCount][lockModeCount]bool{
	//          IS     IX     S      SIX    U      X
	LockIS:  {true, false, false, false, false, false},
	LockIX:  {true, true, false, false, false, false},
	LockS:   {true, false, true, false, false, false},
	LockSIX: {true, true, true, true, false, false},
	LockU:   {true, false, true, false, true, false},
	LockX:   {true, true, true, true, true, true},
}

// 求上确界时按从弱到强尝试
var supremumOrder = []LockMode{LockIS, LockIX, LockS, LockU, LockSIX, LockX}

// Compatible 两个模式能否被不同事务同时持有
func Compatible(held, requested LockMode) bool {
	return lockCompatible[held][requested]
}

// Covers held 是否已经包含 requested
func Covers(held, requested LockMode) bool {
	return lockCovers[held][requested]
}

// Supremum 同时满足 a 与 b 的最弱模式，用于锁升级
func Supremum(a, b LockMode) LockMode {
	for _, m := range supremumOrder {
		if lockCovers[m][a] && lockCovers[m][b] {
			return m
		}
	}
	return LockX
}

// IntentionFor 对行加 mode 之前表上需要的意向锁
func IntentionFor(mode LockMode) LockMode {
	switch mode {
	case LockIS, LockS:
		return LockIS
	}
	return LockIX
}

// ResourceID 锁资源标识
type ResourceID string

const (
	tablePrefix  = "t:"
	rowPrefix    = "r:"
	defaultTable = "_default"
)

// TableResource 表级资源
func TableResource(table string) ResourceID {
	return ResourceID(tablePrefix + table)
}

// RowResource 行级资源
func RowResource(table, row string) ResourceID {
	return ResourceID(rowPrefix + table + "/" + row)
}

// IsRow 是否为行级资源
func (r ResourceID) IsRow() bool {
	return strings.HasPrefix(string(r), rowPrefix)
}

// Table 资源所属的表
func (r ResourceID) Table() string {
	s := string(r)
	if strings.HasPrefix(s, tablePrefix) {
		return s[len(tablePrefix):]
	}
	s = strings.TrimPrefix(s, rowPrefix)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// SplitKey 把 "table/row" 形式的键拆成表与行，没有表前缀的键归入默认表
func SplitKey(key string) (table, row string) {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i], key[i+1:]
	}
	return defaultTable, key
}

// LockStats 锁统计信息
type LockStats struct {
	Acquired    atomic.Uint64 // 授予次数
	Waited      atomic.Uint64 // 需要等待的次数
	Upgrades    atomic.Uint64 // 升级次数
	Timeouts    atomic.Uint64 // 超时次数
	Deadlocks   atomic.Uint64 // 死锁牺牲次数
	Escalations atomic.Uint64 // 锁升级为表锁次数
}

// LockStatsSnapshot 统计快照
type LockStatsSnapshot struct {
	Acquired, Waited, Upgrades, Timeouts, Deadlocks, Escalations uint64
	Resources                                                    int
}

// LockConfig 锁配置
type LockConfig struct {
	LockTimeout         time.Duration // 锁等待超时
	DeadlockInterval    time.Duration // 死锁检测间隔
	EscalationThreshold int           // 单表行锁数超过该值时尝试升级为表锁
	Shards              int           // 锁表分片数
	VictimPolicy        VictimPolicy
}

// LockConfigFromCfg 从全局配置生成锁配置
func LockConfigFromCfg(cfg *conf.Cfg) LockConfig {
	return LockConfig{
		LockTimeout:         cfg.LockTimeout,
		DeadlockInterval:    cfg.DeadlockDetectionInterval,
		EscalationThreshold: cfg.EscalationThreshold,
		Shards:              cfg.LockShards,
		VictimPolicy:        NewVictimPolicy(cfg.DeadlockVictimPolicy),
	}
}

// DeadlockInfo 死锁信息
type DeadlockInfo struct {
	DetectedAt time.Time // 检测时间
	Cycle      []uint64  // 死锁环
	VictimTxID uint64    // 牺牲事务
	Policy     string    // 选择策略
}

// VictimCandidate 死锁环上的事务
type VictimCandidate struct {
	TxnID     uint64
	LocksHeld int
}

// VictimPolicy 死锁牺牲者选择策略，必须是确定性的
type VictimPolicy interface {
	Name() string
	Choose(cycle []VictimCandidate) uint64
}

// YoungestVictim 选择事务ID最大(最晚开始)的事务
type YoungestVictim struct{}

func (YoungestVictim) Name() string { return conf.VictimYoungest }

func (YoungestVictim) Choose(cycle []VictimCandidate) uint64 {
	var victim uint64
	for _, c := range cycle {
		if c.TxnID > victim {
			victim = c.TxnID
		}
	}
	return victim
}

// FewestLocksVictim 选择持锁最少的事务，持锁数相同时取最年轻的
type FewestLocksVictim struct{}

func (FewestLocksVictim) Name() string { return conf.VictimFewestLocks }

func (FewestLocksVictim) Choose(cycle []VictimCandidate) uint64 {
	best := cycle[0]
	for _, c := range cycle[1:] {
		if c.LocksHeld < best.LocksHeld || (c.LocksHeld == best.LocksHeld && c.TxnID > best.TxnID) {
			best = c
		}
	}
	return best.TxnID
}

// NewVictimPolicy 按名字创建策略，未知名字回落到 youngest
func NewVictimPolicy(name string) VictimPolicy {
	if name == conf.VictimFewestLocks {
		return FewestLocksVictim{}
	}
	return YoungestVictim{}
}
