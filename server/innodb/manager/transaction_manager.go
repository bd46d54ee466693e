package manager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zhukovaskychina/xmysql-txncore/logger"
	"github.com/zhukovaskychina/xmysql-txncore/server/conf"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/mvcc"
	"go.uber.org/atomic"
)

// TxnManagerConfig 事务管理器配置
type TxnManagerConfig struct {
	MVCC MVCCConfig
	Lock LockConfig
	WAL  WALConfig

	PageSize      int
	DataFile      string // 为空时使用内存页存储
	PageCacheSize int

	CheckpointInterval time.Duration
	MaxTxnDuration     time.Duration
	ReapInterval       time.Duration
	RedoParallel       int
}

// TxnManagerConfigFromCfg 从全局配置生成
func TxnManagerConfigFromCfg(cfg *conf.Cfg) TxnManagerConfig {
	c := TxnManagerConfig{
		MVCC:               MVCCConfigFromCfg(cfg),
		Lock:               LockConfigFromCfg(cfg),
		WAL:                WALConfigFromCfg(cfg),
		PageSize:           cfg.PageSize,
		CheckpointInterval: cfg.CheckpointInterval,
		MaxTxnDuration:     cfg.MaxTxnDuration,
		ReapInterval:       cfg.ReapInterval,
		RedoParallel:       cfg.RedoParallel,
	}
	if cfg.DataFile != "" {
		c.DataFile = cfg.ResolvePath(cfg.DataFile)
	}
	return c
}

// TxnManagerStats 各组件统计的汇总
type TxnManagerStats struct {
	Active     int
	Begun      uint64
	Commits    uint64
	Aborts     uint64
	Reaped     uint64
	MVCC       MVCCStats
	Locks      LockStatsSnapshot
	WAL        WALStats
	Cache      PageCacheStats
	Checkpoint CheckpointStats
	Recovery   RecoveryStats
}

// TransactionManager 事务管理器。快照隔离与读已提交走多版本，提交时写日志；
// 可重复读与串行化走两阶段锁，写入时即记日志并修改页，回滚时写补偿记录。
type TransactionManager struct {
	cfg TxnManagerConfig

	registry    *TxnRegistry
	mvcc        *MVCCManager
	locks       *LockManager
	wal         *WALManager
	store       PageStore
	cache       *PageCache
	dir         *KeyDirectory
	undo        *UndoLogManager
	checkpoints *CheckpointManager

	// 追加日志并修改页期间持读锁，检查点取快照时持写锁
	latch sync.RWMutex

	recovery RecoveryStats

	begun   atomic.Uint64
	commits atomic.Uint64
	aborts  atomic.Uint64
	reaped  atomic.Uint64
	closed  atomic.Bool

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenTransactionManager 打开日志与页存储，执行崩溃恢复，并从页重建版本链。
// store 为 nil 时按配置打开文件页存储或内存页存储。
func OpenTransactionManager(cfg TxnManagerConfig, store PageStore) (*TransactionManager, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if store == nil {
		if cfg.DataFile != "" {
			fs, err := OpenFilePageStore(cfg.DataFile, cfg.PageSize)
			if err != nil {
				return nil, &TxnError{Kind: ErrIO, Detail: "open page store", Cause: err}
			}
			store = fs
		} else {
			store = NewMemoryPageStore()
		}
	}

	wal, err := OpenWALManager(cfg.WAL)
	if err != nil {
		return nil, err
	}
	cache := NewPageCache(store, cfg.PageCacheSize)

	stats, err := NewRecoveryManager(wal, cache, cfg.RedoParallel).Recover()
	if err != nil {
		wal.Close()
		return nil, err
	}

	dir := NewKeyDirectory()
	rows, err := dir.Rebuild(cache)
	if err != nil {
		wal.Close()
		return nil, &TxnError{Kind: ErrIO, Detail: "rebuild key directory", Cause: err}
	}
	dir.ResumeAbove(stats.MaxPageID)

	tm := &TransactionManager{
		cfg:      cfg,
		registry: NewTxnRegistry(),
		mvcc:     NewMVCCManager(cfg.MVCC),
		locks:    NewLockManager(cfg.Lock),
		wal:      wal,
		store:    store,
		cache:    cache,
		dir:      dir,
		undo:     NewUndoLogManager(),
		recovery: stats,
		stopChan: make(chan struct{}),
	}
	tm.registry.ResumeAbove(stats.MaxTxnID)

	// 恢复出的每一行作为一个已提交版本
	loadTS := tm.mvcc.Clock().Now()
	for _, row := range rows {
		if err := tm.mvcc.Write(row.Key, row.Value, 0, loadTS); err != nil {
			tm.shutdown()
			return nil, err
		}
	}

	tm.checkpoints = NewCheckpointManager(wal, cache, CheckpointSource{
		Latch:   &tm.latch,
		NextIDs: tm.nextIDs,
	}, cfg.CheckpointInterval)

	if cfg.ReapInterval > 0 && cfg.MaxTxnDuration > 0 {
		tm.wg.Add(1)
		go tm.reapLoop()
	}

	logger.WithFields(logrus.Fields{
		"rows": len(rows), "next_txn": stats.MaxTxnID + 1, "losers": stats.Losers,
		"redone": stats.Redone, "undone": stats.Undone,
	}).Info("transaction manager opened")
	return tm, nil
}

func (tm *TransactionManager) nextIDs() (uint64, uint64) {
	return tm.registry.nextID.Load() + 1, tm.dir.NextPageID()
}

// Begin 开始事务，返回事务ID
func (tm *TransactionManager) Begin(level mvcc.IsolationLevel) (uint64, error) {
	if tm.closed.Load() {
		return 0, ErrClosed
	}
	if err := tm.wal.Halted(); err != nil {
		return 0, ErrWALHalted
	}
	txn := tm.registry.Register(level)
	txn.StartTS = tm.mvcc.BeginSnapshot(txn.ID)
	tm.begun.Inc()
	txnCounter.WithLabelValues("begin").Inc()
	return txn.ID, nil
}

// active 取出活跃事务并加锁，调用方负责解锁
func (tm *TransactionManager) active(txnID uint64) (*Transaction, error) {
	txn, ok := tm.registry.Get(txnID)
	if !ok {
		return nil, newTxnError(ErrTxNotFound, txnID, "", nil)
	}
	txn.mu.Lock()
	if txn.Status != TxnActive {
		txn.mu.Unlock()
		return nil, newTxnError(ErrTxNotActive, txnID, "", nil)
	}
	return txn, nil
}

// Read 读取键。事务自己的写入总是可见；
// 快照隔离读快照，读已提交每次取新的读时间，加锁级别加共享锁后读最新提交。
func (tm *TransactionManager) Read(txnID uint64, key string) ([]byte, error) {
	txn, err := tm.active(txnID)
	if err != nil {
		return nil, err
	}
	defer txn.mu.Unlock()

	if v, ok := txn.pendingWrite(key); ok {
		return append([]byte(nil), v...), nil
	}
	txn.recordRead(key)

	var ts mvcc.Timestamp
	switch {
	case txn.Isolation.UsesLocking():
		if err := tm.lockKey(txn, key, LockS); err != nil {
			tm.abortLocked(txn, abortReason(err))
			return nil, err
		}
		ts = tm.mvcc.ReadTimestamp()
	case txn.Isolation == mvcc.ReadCommitted:
		ts = tm.mvcc.ReadTimestamp()
	default:
		ts = txn.StartTS
	}

	v, err := tm.mvcc.Read(key, ts)
	if err != nil {
		return nil, newTxnError(err, txnID, key, nil)
	}
	return v, nil
}

// Write 缓冲写入，提交时安装为版本
func (tm *TransactionManager) Write(txnID uint64, key string, value []byte) error {
	if len(EncodeRow(key, value)) > MaxPageData(tm.cfg.PageSize) {
		return newTxnError(ErrValueTooLarge, txnID, key, nil)
	}
	txn, err := tm.active(txnID)
	if err != nil {
		return err
	}
	defer txn.mu.Unlock()

	if txn.Isolation.UsesLocking() {
		if err := tm.lockKey(txn, key, LockX); err != nil {
			tm.abortLocked(txn, abortReason(err))
			return err
		}
		if err := tm.logWrite(txn, key, value); err != nil {
			return err
		}
	}
	txn.bufferWrite(key, value)
	return nil
}

// lockKey 先在表上加意向锁再加行锁，然后尝试锁升级
func (tm *TransactionManager) lockKey(txn *Transaction, key string, mode LockMode) error {
	table, row := SplitKey(key)
	ctx := txn.Context()
	if err := tm.locks.Acquire(ctx, txn.ID, TableResource(table), IntentionFor(mode)); err != nil {
		return err
	}
	if err := tm.locks.Acquire(ctx, txn.ID, RowResource(table, row), mode); err != nil {
		return err
	}
	tm.locks.Escalate(txn.ID, table)
	return nil
}

// logWrite 加锁事务的写入：记 UPDATE 日志、修改页并保存撤销信息
func (tm *TransactionManager) logWrite(txn *Transaction, key string, value []byte) error {
	pageID := tm.dir.Assign(key)
	after := EncodeRow(key, value)

	tm.latch.RLock()
	defer tm.latch.RUnlock()

	page, err := tm.cache.Get(pageID)
	if err != nil {
		return newTxnError(ErrIO, txn.ID, key, err)
	}
	update := &logs.Record{
		Kind:   logs.KindUpdate,
		TxnID:  txn.ID,
		PageID: pageID,
		Before: page.Data,
		After:  after,
	}
	recs := []*logs.Record{update}
	if !txn.BeginLogged {
		recs = []*logs.Record{{Kind: logs.KindBegin, TxnID: txn.ID}, update}
	}
	if err := tm.wal.AppendBatch(recs...); err != nil {
		return err
	}
	txn.BeginLogged = true
	txn.LastLSN = update.LSN
	if err := tm.cache.Apply(pageID, update.LSN, after); err != nil {
		return newTxnError(ErrIO, txn.ID, key, err)
	}
	tm.undo.Append(txn.ID, UndoLogEntry{
		LSN:     update.LSN,
		PrevLSN: update.PrevLSN,
		PageID:  pageID,
		Before:  page.Data,
	})
	return nil
}

// commitRecord 带提交时间的 COMMIT 记录
func commitRecord(txnID uint64, ts mvcc.Timestamp) *logs.Record {
	return &logs.Record{
		Kind:           logs.KindCommit,
		TxnID:          txnID,
		CommitPhysical: ts.Physical,
		CommitLogical:  ts.Logical,
	}
}

// Commit 提交事务。返回 nil 表示提交记录已经持久化。
func (tm *TransactionManager) Commit(txnID uint64) error {
	txn, err := tm.active(txnID)
	if err != nil {
		return err
	}
	defer txn.mu.Unlock()

	keys := txn.WriteKeys()
	locking := txn.Isolation.UsesLocking()

	// 多版本事务在提交时才修改页，先对写集合加排他锁，与加锁事务互斥
	if !locking {
		for _, key := range keys {
			if err := tm.lockKey(txn, key, LockX); err != nil {
				tm.abortLocked(txn, abortReason(err))
				return err
			}
		}
	}

	txn.Status = TxnCommitting
	var commitLSN uint64
	hook := func(commitTS mvcc.Timestamp) error {
		if locking {
			if !txn.BeginLogged {
				return nil
			}
			rec := commitRecord(txn.ID, commitTS)
			if err := tm.wal.AppendBatch(rec); err != nil {
				return err
			}
			commitLSN = rec.LSN
			return nil
		}
		if len(keys) == 0 {
			return nil
		}
		return tm.logCommit(txn, commitTS, &commitLSN)
	}

	if _, err := tm.mvcc.CommitTransaction(txn, hook); err != nil {
		txn.Status = TxnActive
		tm.abortLocked(txn, abortReason(err))
		return err
	}

	var flushErr error
	if commitLSN != 0 {
		flushErr = tm.wal.WaitFlushed(commitLSN)
	}

	tm.undo.Discard(txn.ID)
	tm.release(txn)
	if flushErr != nil {
		txn.Status = TxnAborted
		tm.aborts.Inc()
		txnCounter.WithLabelValues("abort_wal").Inc()
		return newTxnError(ErrWALHalted, txn.ID, "", flushErr)
	}
	txn.Status = TxnCommitted
	tm.commits.Inc()
	txnCounter.WithLabelValues("commit").Inc()
	return nil
}

// logCommit 多版本事务在提交临界区内一次性追加 BEGIN、UPDATE 与 COMMIT 并修改页
func (tm *TransactionManager) logCommit(txn *Transaction, commitTS mvcc.Timestamp, commitLSN *uint64) error {
	tm.latch.RLock()
	defer tm.latch.RUnlock()

	recs := []*logs.Record{{Kind: logs.KindBegin, TxnID: txn.ID}}
	var err error
	txn.Writes(func(key string, value []byte) {
		if err != nil {
			return
		}
		pageID := tm.dir.Assign(key)
		var page *Page
		page, err = tm.cache.Get(pageID)
		if err != nil {
			return
		}
		recs = append(recs, &logs.Record{
			Kind:   logs.KindUpdate,
			TxnID:  txn.ID,
			PageID: pageID,
			Before: page.Data,
			After:  EncodeRow(key, value),
		})
	})
	if err != nil {
		return newTxnError(ErrIO, txn.ID, "", err)
	}
	commit := commitRecord(txn.ID, commitTS)
	recs = append(recs, commit)
	if err := tm.wal.AppendBatch(recs...); err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Kind != logs.KindUpdate {
			continue
		}
		if err := tm.cache.Apply(rec.PageID, rec.LSN, rec.After); err != nil {
			return newTxnError(ErrIO, txn.ID, "", err)
		}
	}
	txn.BeginLogged = true
	txn.LastLSN = commit.LSN
	*commitLSN = commit.LSN
	return nil
}

// Abort 回滚事务
func (tm *TransactionManager) Abort(txnID uint64) error {
	txn, err := tm.active(txnID)
	if err != nil {
		return err
	}
	defer txn.mu.Unlock()
	return tm.abortLocked(txn, "user")
}

// abortLocked 撤销已写入页的修改并释放全部资源，调用方持有 txn.mu
func (tm *TransactionManager) abortLocked(txn *Transaction, reason string) error {
	var rollbackErr error
	if txn.BeginLogged {
		_, rollbackErr = tm.undo.Rollback(txn.ID, func(e UndoLogEntry) error {
			tm.latch.RLock()
			defer tm.latch.RUnlock()
			lsn, err := tm.wal.ForceAppend(&logs.Record{
				Kind:        logs.KindCLR,
				TxnID:       txn.ID,
				PageID:      e.PageID,
				After:       e.Before,
				UndoOfLSN:   e.LSN,
				UndoNextLSN: e.PrevLSN,
			})
			if err != nil {
				return err
			}
			return tm.cache.Apply(e.PageID, lsn, e.Before)
		})
		if rollbackErr == nil {
			_, rollbackErr = tm.wal.ForceAppend(&logs.Record{Kind: logs.KindAbort, TxnID: txn.ID})
		}
		if rollbackErr != nil {
			// 日志已停机，剩余的撤销交给下次启动的恢复
			logger.WithFields(logrus.Fields{"txn": txn.ID, "error": rollbackErr}).Error("rollback incomplete")
		}
	}

	tm.undo.Discard(txn.ID)
	tm.release(txn)
	txn.Status = TxnAborted
	tm.aborts.Inc()
	txnCounter.WithLabelValues("abort_" + reason).Inc()
	logger.WithFields(logrus.Fields{"txn": txn.ID, "reason": reason}).Debug("transaction aborted")
	return rollbackErr
}

// release 释放锁与快照并注销事务
func (tm *TransactionManager) release(txn *Transaction) {
	tm.locks.ReleaseAll(txn.ID)
	tm.mvcc.EndSnapshot(txn.ID)
	tm.registry.Remove(txn.ID)
}

func abortReason(err error) string {
	switch {
	case err == nil:
		return "user"
	case errors.Is(err, ErrDeadlock):
		return "deadlock"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case IsFatal(err):
		return "fatal"
	}
	return "canceled"
}

func (tm *TransactionManager) reapLoop() {
	defer tm.wg.Done()
	ticker := time.NewTicker(tm.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tm.reapExpired()
		case <-tm.stopChan:
			return
		}
	}
}

// reapExpired 中止运行时间超过上限的事务。正在等锁的事务由取消上下文唤醒后自行中止。
func (tm *TransactionManager) reapExpired() int {
	reaped := 0
	for _, txn := range tm.registry.Expired(tm.cfg.MaxTxnDuration) {
		txn.cancel()
		if !txn.mu.TryLock() {
			continue
		}
		if txn.Status == TxnActive {
			tm.abortLocked(txn, "expired")
			reaped++
		}
		txn.mu.Unlock()
	}
	if reaped > 0 {
		tm.reaped.Add(uint64(reaped))
		logger.WithFields(logrus.Fields{"count": reaped, "max_duration": tm.cfg.MaxTxnDuration}).Warn("expired transactions aborted")
	}
	return reaped
}

// Checkpoint 立即做一次检查点
func (tm *TransactionManager) Checkpoint() (uint64, error) {
	return tm.checkpoints.Checkpoint()
}

// ActiveTransactions 活跃事务ID，升序
func (tm *TransactionManager) ActiveTransactions() []uint64 {
	var ids []uint64
	tm.registry.Range(func(txn *Transaction) bool {
		ids = append(ids, txn.ID)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats 统计快照
func (tm *TransactionManager) Stats() TxnManagerStats {
	return TxnManagerStats{
		Active:     tm.registry.Count(),
		Begun:      tm.begun.Load(),
		Commits:    tm.commits.Load(),
		Aborts:     tm.aborts.Load(),
		Reaped:     tm.reaped.Load(),
		MVCC:       tm.mvcc.Stats(),
		Locks:      tm.locks.Stats(),
		WAL:        tm.wal.Stats(),
		Cache:      tm.cache.Stats(),
		Checkpoint: tm.checkpoints.Stats(),
		Recovery:   tm.recovery,
	}
}

// Close 中止所有活跃事务，做最后一次检查点后关闭日志与页存储
func (tm *TransactionManager) Close() error {
	var err error
	tm.closeOnce.Do(func() {
		tm.closed.Store(true)
		close(tm.stopChan)
		tm.wg.Wait()

		tm.registry.Range(func(txn *Transaction) bool {
			txn.cancel()
			return true
		})
		for _, id := range tm.ActiveTransactions() {
			if txn, err := tm.active(id); err == nil {
				tm.abortLocked(txn, "shutdown")
				txn.mu.Unlock()
			}
		}
		tm.checkpoints.Close()
		if tm.wal.Halted() == nil {
			if _, cerr := tm.checkpoints.Checkpoint(); cerr != nil {
				logger.WithFields(logrus.Fields{"error": cerr}).Warn("final checkpoint failed")
			}
		}
		err = tm.shutdown()
	})
	return err
}

// shutdown 停止后台任务并关闭日志与页存储，不刷脏页
func (tm *TransactionManager) shutdown() error {
	if tm.checkpoints != nil {
		tm.checkpoints.Close()
	}
	tm.locks.Close()
	tm.mvcc.Close()
	err := tm.wal.Close()
	if serr := tm.store.Close(); err == nil {
		err = serr
	}
	return err
}
