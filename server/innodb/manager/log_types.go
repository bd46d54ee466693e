package manager

import (
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-txncore/server/conf"
	"github.com/zhukovaskychina/xmysql-txncore/util"
)

// WALConfig 日志配置
type WALConfig struct {
	Dir                    string        // 日志目录
	ArchiveDir             string        // 归档目录
	SegmentSize            int64         // 单个段文件上限
	GroupCommitMaxBytes    int           // 批次字节阈值
	GroupCommitMaxDelay    time.Duration // 批次最长等待
	CommitBufferMaxBytes   int           // 提交缓冲字节上限
	CommitBufferMaxEntries int           // 提交缓冲条数上限
	OverloadPolicy         string        // block | shed
	SyncMode               string        // always | group | none
}

// WALConfigFromCfg 从全局配置生成
func WALConfigFromCfg(cfg *conf.Cfg) WALConfig {
	return WALConfig{
		Dir:                    cfg.ResolvePath(cfg.WALDir),
		ArchiveDir:             cfg.ResolvePath(cfg.ArchiveDir),
		SegmentSize:            cfg.SegmentSize,
		GroupCommitMaxBytes:    cfg.GroupCommitMaxBytes,
		GroupCommitMaxDelay:    cfg.GroupCommitMaxDelay,
		CommitBufferMaxBytes:   cfg.CommitBufferMaxBytes,
		CommitBufferMaxEntries: cfg.CommitBufferMaxEntries,
		OverloadPolicy:         cfg.OverloadPolicy,
		SyncMode:               cfg.SyncMode,
	}
}

func (c *WALConfig) normalize() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = 64 << 20
	}
	if c.GroupCommitMaxBytes <= 0 {
		c.GroupCommitMaxBytes = 1 << 20
	}
	if c.CommitBufferMaxBytes < c.GroupCommitMaxBytes {
		c.CommitBufferMaxBytes = 16 * c.GroupCommitMaxBytes
	}
	if c.CommitBufferMaxEntries <= 0 {
		c.CommitBufferMaxEntries = 65536
	}
	if c.SyncMode == "" {
		c.SyncMode = conf.SyncGroup
	}
	if c.OverloadPolicy == "" {
		c.OverloadPolicy = conf.OverloadBlock
	}
}

// WALStats 日志统计信息
type WALStats struct {
	Appended     uint64 // 追加记录数
	Flushes      uint64 // 刷盘批次数
	BytesWritten uint64 // 写入字节数
	Syncs        uint64 // fsync 次数
	MaxBatch     uint64 // 单批最多记录数
	Shed         uint64 // 因缓冲满被拒绝的追加
	NextLSN      uint64
	FlushedLSN   uint64
	ActiveTxns   int // 事务表条目数
}

// TxnTableEntry 事务表条目，第一条日志时创建，终结记录落盘后删除
type TxnTableEntry struct {
	TxnID    uint64
	FirstLSN uint64
	LastLSN  uint64
	Status   TxnStatus
}

// CheckpointData 检查点内容：事务表与脏页表。
// BeginLSN 是取快照时的下一个 LSN，分析阶段从它开始扫描。
type CheckpointData struct {
	BeginLSN   uint64
	TxnTable   []TxnTableEntry
	DirtyPages map[uint64]uint64 // page -> recLSN
	NextTxnID  uint64
	NextPageID uint64
}

// RedoLSN 脏页表中最小的 recLSN，没有脏页时返回 0
func (c *CheckpointData) RedoLSN() uint64 {
	var min uint64
	for _, lsn := range c.DirtyPages {
		if min == 0 || lsn < min {
			min = lsn
		}
	}
	return min
}

// LowWaterLSN 恢复需要的最早日志位置，更早的段可以归档
func (c *CheckpointData) LowWaterLSN() uint64 {
	low := c.BeginLSN
	if redo := c.RedoLSN(); redo != 0 && redo < low {
		low = redo
	}
	for _, e := range c.TxnTable {
		if e.FirstLSN != 0 && e.FirstLSN < low {
			low = e.FirstLSN
		}
	}
	return low
}

// Encode 编码后用 snappy 压缩
func (c *CheckpointData) Encode() []byte {
	buf := make([]byte, 0, 40+25*len(c.TxnTable)+16*len(c.DirtyPages))
	buf = util.WriteUB8(buf, c.BeginLSN)
	buf = util.WriteUB8(buf, c.NextTxnID)
	buf = util.WriteUB8(buf, c.NextPageID)
	buf = util.WriteUB8(buf, uint64(len(c.TxnTable)))
	for _, e := range c.TxnTable {
		buf = util.WriteUB8(buf, e.TxnID)
		buf = util.WriteUB8(buf, e.FirstLSN)
		buf = util.WriteUB8(buf, e.LastLSN)
		buf = util.WriteByte(buf, byte(e.Status))
	}

	pages := make([]uint64, 0, len(c.DirtyPages))
	for id := range c.DirtyPages {
		pages = append(pages, id)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	buf = util.WriteUB8(buf, uint64(len(pages)))
	for _, id := range pages {
		buf = util.WriteUB8(buf, id)
		buf = util.WriteUB8(buf, c.DirtyPages[id])
	}
	return snappy.Encode(nil, buf)
}

// DecodeCheckpoint 解码检查点内容
func DecodeCheckpoint(body []byte) (*CheckpointData, error) {
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, errors.Annotate(err, "decompress checkpoint")
	}
	r := util.NewBufferReader(raw)

	c := &CheckpointData{DirtyPages: make(map[uint64]uint64)}
	c.BeginLSN = r.ReadUB8()
	c.NextTxnID = r.ReadUB8()
	c.NextPageID = r.ReadUB8()
	n := r.ReadUB8()
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		e := TxnTableEntry{TxnID: r.ReadUB8(), FirstLSN: r.ReadUB8(), LastLSN: r.ReadUB8()}
		e.Status = TxnStatus(r.ReadUB1())
		c.TxnTable = append(c.TxnTable, e)
	}
	m := r.ReadUB8()
	for i := uint64(0); i < m && r.Err() == nil; i++ {
		id := r.ReadUB8()
		c.DirtyPages[id] = r.ReadUB8()
	}
	if err := r.Err(); err != nil {
		return nil, errors.Annotate(err, "checkpoint body truncated")
	}
	return c, nil
}
