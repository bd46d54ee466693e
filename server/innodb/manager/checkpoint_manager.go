package manager

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"github.com/zhukovaskychina/xmysql-txncore/logger"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-txncore/util"
	"go.uber.org/atomic"
)

// masterFileName 日志目录中记录最近一次检查点 LSN 的文件
const masterFileName = "redo_checkpoint"

// ReadMaster 读取最近一次检查点记录的 LSN，没有检查点时返回 0
func ReadMaster(walDir string) (uint64, error) {
	path := filepath.Join(walDir, masterFileName)
	exists, err := util.PathExists(path)
	if err != nil || !exists {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Trace(err)
	}
	lsn, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "parse %s", path)
	}
	return lsn, nil
}

// WriteMaster 原子地替换检查点 LSN
func WriteMaster(walDir string, lsn uint64) error {
	path := filepath.Join(walDir, masterFileName)
	return util.WriteFileAtomic(path, []byte(strconv.FormatUint(lsn, 10)+"\n"))
}

// CheckpointSource 检查点需要从事务层取得的状态
type CheckpointSource struct {
	// Latch 写路径在追加日志并修改页期间持有读锁
	Latch *sync.RWMutex
	// NextIDs 下一个事务ID与页号
	NextIDs func() (txnID, pageID uint64)
}

// CheckpointStats 检查点统计
type CheckpointStats struct {
	Checkpoints   uint64
	LastLSN       uint64
	LastRedoLSN   uint64
	PagesFlushed  uint64
	SegmentsFreed uint64
	LastTime      time.Time
}

// CheckpointManager 模糊检查点：不阻塞事务，只在取快照的瞬间持有写路径闩锁
type CheckpointManager struct {
	mu    sync.Mutex // 同一时刻只做一个检查点
	wal   *WALManager
	cache *PageCache
	src   CheckpointSource

	interval time.Duration

	checkpoints   atomic.Uint64
	lastLSN       atomic.Uint64
	lastRedoLSN   atomic.Uint64
	pagesFlushed  atomic.Uint64
	segmentsFreed atomic.Uint64
	lastTime      atomic.Int64

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewCheckpointManager 创建检查点管理器，interval > 0 时启动周期检查点
func NewCheckpointManager(wal *WALManager, cache *PageCache, src CheckpointSource, interval time.Duration) *CheckpointManager {
	if src.Latch == nil {
		src.Latch = &sync.RWMutex{}
	}
	if src.NextIDs == nil {
		src.NextIDs = func() (uint64, uint64) { return 0, 0 }
	}
	c := &CheckpointManager{
		wal:      wal,
		cache:    cache,
		src:      src,
		interval: interval,
		stopChan: make(chan struct{}),
	}
	if interval > 0 {
		c.wg.Add(1)
		go c.loop()
	}
	return c
}

func (c *CheckpointManager) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.Checkpoint(); err != nil {
				logger.WithFields(logrus.Fields{"error": err}).Warn("periodic checkpoint failed")
			}
		case <-c.stopChan:
			return
		}
	}
}

// Checkpoint 做一次检查点，返回检查点记录的 LSN
func (c *CheckpointManager) Checkpoint() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 1. 先把日志与能刷的脏页刷下去，缩短下次 redo 的起点
	if err := c.wal.Flush(); err != nil {
		return 0, err
	}
	flushed, err := c.cache.FlushDirty(c.wal.FlushedLSN())
	if err != nil {
		return 0, &TxnError{Kind: ErrIO, Detail: "flush dirty pages", Cause: err}
	}
	c.pagesFlushed.Add(uint64(flushed))

	// 2. 在没有写入进行时取快照，BeginLSN 之前的修改都已反映在脏页表中
	c.src.Latch.Lock()
	data := CheckpointData{
		BeginLSN:   c.wal.NextLSN(),
		TxnTable:   c.wal.TxnTable(),
		DirtyPages: c.cache.DirtyPages(),
	}
	data.NextTxnID, data.NextPageID = c.src.NextIDs()
	c.src.Latch.Unlock()

	// 3. 写检查点记录并落盘
	lsn, err := c.wal.AppendAndWait(&logs.Record{Kind: logs.KindCheckpoint, Body: data.Encode()})
	if err != nil {
		return 0, err
	}

	// 4. 更新主记录，之后恢复从这里开始
	if err := WriteMaster(c.wal.cfg.Dir, lsn); err != nil {
		return 0, &TxnError{Kind: ErrIO, Detail: "write checkpoint master", Cause: err}
	}

	// 5. 归档恢复不再需要的段
	low := data.LowWaterLSN()
	freed, err := c.wal.Truncate(low)
	if err != nil {
		logger.WithFields(logrus.Fields{"error": errors.ErrorStack(err)}).Warn("archive wal segments failed")
	}
	c.segmentsFreed.Add(uint64(freed))

	c.checkpoints.Inc()
	c.lastLSN.Store(lsn)
	c.lastRedoLSN.Store(low)
	c.lastTime.Store(time.Now().UnixNano())
	walCounter.WithLabelValues("checkpoint").Inc()
	logger.WithFields(logrus.Fields{
		"lsn": lsn, "begin": data.BeginLSN, "dirty": len(data.DirtyPages),
		"active": len(data.TxnTable), "flushed": flushed, "archived": freed,
	}).Info("checkpoint complete")
	return lsn, nil
}

// Stats 统计快照
func (c *CheckpointManager) Stats() CheckpointStats {
	s := CheckpointStats{
		Checkpoints:   c.checkpoints.Load(),
		LastLSN:       c.lastLSN.Load(),
		LastRedoLSN:   c.lastRedoLSN.Load(),
		PagesFlushed:  c.pagesFlushed.Load(),
		SegmentsFreed: c.segmentsFreed.Load(),
	}
	if ns := c.lastTime.Load(); ns != 0 {
		s.LastTime = time.Unix(0, ns)
	}
	return s
}

// Close 停止周期检查点
func (c *CheckpointManager) Close() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
	})
}
