package manager

import (
	"errors"
	"sort"
	"sync"
	"time"

	gxsync "github.com/dubbogo/gost/sync"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
	"github.com/zhukovaskychina/xmysql-txncore/logger"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/logs"
)

var errStopScan = errors.New("stop scan")

// RecoveryStats 恢复统计
type RecoveryStats struct {
	CheckpointLSN uint64
	AnalysisLSN   uint64
	RedoLSN       uint64
	EndLSN        uint64
	Analyzed      int
	Redone        int
	Skipped       int
	Undone        int
	Losers        int
	MaxTxnID      uint64
	MaxPageID     uint64
	Duration      time.Duration
}

// undoItem 待回滚的日志位置，按 LSN 从大到小处理
type undoItem struct {
	lsn   uint64
	txnID uint64
}

// RecoveryManager 崩溃恢复：分析、重做、回滚三个阶段
type RecoveryManager struct {
	wal      *WALManager
	cache    *PageCache
	parallel int
}

// NewRecoveryManager parallel > 1 时按页分区并行重做
func NewRecoveryManager(wal *WALManager, cache *PageCache, parallel int) *RecoveryManager {
	return &RecoveryManager{wal: wal, cache: cache, parallel: parallel}
}

// analysisState 分析阶段的结果
type analysisState struct {
	txns map[uint64]*TxnTableEntry
	dpt  map[uint64]uint64
}

// Recover 从最近的检查点恢复。重复执行得到相同结果。
func (r *RecoveryManager) Recover() (RecoveryStats, error) {
	start := time.Now()
	var stats RecoveryStats
	dir := r.wal.cfg.Dir

	cpLSN, err := ReadMaster(dir)
	if err != nil {
		return stats, &TxnError{Kind: ErrIO, Detail: "read checkpoint master", Cause: err}
	}
	stats.CheckpointLSN = cpLSN

	// 1. 分析
	state, err := r.analyze(&stats)
	if err != nil {
		return stats, err
	}
	logger.WithFields(logrus.Fields{
		"checkpoint": cpLSN, "from": stats.AnalysisLSN, "records": stats.Analyzed,
		"dirty": len(state.dpt), "losers": len(state.txns),
	}).Info("recovery analysis done")

	// 2. 重做
	if err := r.redo(state, &stats); err != nil {
		return stats, err
	}
	logger.WithFields(logrus.Fields{
		"from": stats.RedoLSN, "redone": stats.Redone, "skipped": stats.Skipped,
	}).Info("recovery redo done")

	// 3. 回滚
	if err := r.undo(state, &stats); err != nil {
		return stats, err
	}

	if err := r.wal.Flush(); err != nil {
		return stats, err
	}
	if _, err := r.cache.FlushDirty(r.wal.FlushedLSN()); err != nil {
		return stats, &TxnError{Kind: ErrIO, Detail: "flush recovered pages", Cause: err}
	}

	stats.Duration = time.Since(start)
	walCounter.WithLabelValues("recovery").Inc()
	logger.WithFields(logrus.Fields{
		"losers": stats.Losers, "undone": stats.Undone, "duration": stats.Duration,
	}).Info("recovery complete")
	return stats, nil
}

// ReadCheckpoint 读取 lsn 处的检查点记录，记录不存在时返回 nil
func ReadCheckpoint(walDir string, lsn uint64) (*CheckpointData, error) {
	var found *logs.Record
	_, err := logs.Scan(walDir, lsn, func(rec *logs.Record) error {
		found = rec
		return errStopScan
	})
	if err != nil && err != errStopScan {
		return nil, classifyWALError(err)
	}
	if found == nil || found.LSN != lsn || found.Kind != logs.KindCheckpoint {
		return nil, nil
	}
	cp, err := DecodeCheckpoint(found.Body)
	if err != nil {
		return nil, &TxnError{Kind: ErrChecksumMismatch, Detail: "checkpoint body", Cause: err}
	}
	return cp, nil
}

func (r *RecoveryManager) analyze(stats *RecoveryStats) (*analysisState, error) {
	state := &analysisState{
		txns: make(map[uint64]*TxnTableEntry),
		dpt:  make(map[uint64]uint64),
	}

	if stats.CheckpointLSN > 0 {
		cp, err := ReadCheckpoint(r.wal.cfg.Dir, stats.CheckpointLSN)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			logger.WithFields(logrus.Fields{"lsn": stats.CheckpointLSN}).
				Warn("checkpoint record not found, analysing whole log")
		} else {
			stats.AnalysisLSN = cp.BeginLSN
			for _, e := range cp.TxnTable {
				// 终结记录在检查点之前，它们已经结束
				if e.Status != TxnActive {
					continue
				}
				entry := e
				state.txns[e.TxnID] = &entry
			}
			for id, rec := range cp.DirtyPages {
				state.dpt[id] = rec
			}
			if cp.NextTxnID > 0 {
				stats.MaxTxnID = cp.NextTxnID - 1
			}
			if cp.NextPageID > 0 {
				stats.MaxPageID = cp.NextPageID - 1
			}
		}
	}

	res, err := logs.Scan(r.wal.cfg.Dir, stats.AnalysisLSN, func(rec *logs.Record) error {
		stats.Analyzed++
		if rec.TxnID > stats.MaxTxnID {
			stats.MaxTxnID = rec.TxnID
		}
		if rec.TxnID != 0 {
			entry, ok := state.txns[rec.TxnID]
			if !ok {
				entry = &TxnTableEntry{TxnID: rec.TxnID, FirstLSN: rec.LSN, Status: TxnActive}
				state.txns[rec.TxnID] = entry
			}
			if rec.LSN > entry.LastLSN {
				entry.LastLSN = rec.LSN
			}
			if rec.IsTxnEnd() {
				delete(state.txns, rec.TxnID)
			}
		}
		if rec.ChangesPage() {
			if _, ok := state.dpt[rec.PageID]; !ok {
				state.dpt[rec.PageID] = rec.LSN
			}
			if rec.PageID > stats.MaxPageID {
				stats.MaxPageID = rec.PageID
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyWALError(err)
	}
	stats.EndLSN = res.LastLSN
	stats.Losers = len(state.txns)

	for _, recLSN := range state.dpt {
		if stats.RedoLSN == 0 || recLSN < stats.RedoLSN {
			stats.RedoLSN = recLSN
		}
	}
	return state, nil
}

// redoNeeded 脏页表判断：不在表中或早于 recLSN 的修改已经在页上
func redoNeeded(dpt map[uint64]uint64, rec *logs.Record) bool {
	recLSN, ok := dpt[rec.PageID]
	return ok && rec.LSN >= recLSN
}

func (r *RecoveryManager) redo(state *analysisState, stats *RecoveryStats) error {
	if len(state.dpt) == 0 {
		return nil
	}
	if r.parallel <= 1 {
		_, err := logs.Scan(r.wal.cfg.Dir, stats.RedoLSN, func(rec *logs.Record) error {
			if !rec.ChangesPage() {
				return nil
			}
			if !redoNeeded(state.dpt, rec) {
				stats.Skipped++
				return nil
			}
			applied, err := r.cache.ApplyIfNewer(rec.PageID, rec.LSN, rec.After)
			if err != nil {
				return err
			}
			if applied {
				stats.Redone++
			} else {
				stats.Skipped++
			}
			return nil
		})
		if err != nil {
			return classifyWALError(err)
		}
		return nil
	}

	// 同一页的记录落在同一分区并保持 LSN 顺序，分区之间互不依赖
	parts := make([][]*logs.Record, r.parallel)
	_, err := logs.Scan(r.wal.cfg.Dir, stats.RedoLSN, func(rec *logs.Record) error {
		if !rec.ChangesPage() {
			return nil
		}
		if !redoNeeded(state.dpt, rec) {
			stats.Skipped++
			return nil
		}
		i := int(rec.PageID % uint64(r.parallel))
		parts[i] = append(parts[i], rec)
		return nil
	})
	if err != nil {
		return classifyWALError(err)
	}

	pool := gxsync.NewTaskPoolSimple(r.parallel)
	defer pool.Close()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		part := part
		task := func() {
			defer wg.Done()
			redone, skipped := 0, 0
			for _, rec := range part {
				applied, err := r.cache.ApplyIfNewer(rec.PageID, rec.LSN, rec.After)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				if applied {
					redone++
				} else {
					skipped++
				}
			}
			mu.Lock()
			stats.Redone += redone
			stats.Skipped += skipped
			mu.Unlock()
		}
		wg.Add(1)
		if !pool.AddTask(task) {
			task()
		}
	}
	wg.Wait()
	return firstErr
}

func (r *RecoveryManager) undo(state *analysisState, stats *RecoveryStats) error {
	if len(state.txns) == 0 {
		return nil
	}

	losers := make([]*TxnTableEntry, 0, len(state.txns))
	var from uint64
	for _, e := range state.txns {
		losers = append(losers, e)
		if from == 0 || e.FirstLSN < from {
			from = e.FirstLSN
		}
	}
	sort.Slice(losers, func(i, j int) bool { return losers[i].TxnID < losers[j].TxnID })

	// 失败事务的全部记录，回滚时沿 prev_lsn 链随机访问
	records := make(map[uint64]*logs.Record)
	_, err := logs.Scan(r.wal.cfg.Dir, from, func(rec *logs.Record) error {
		if _, ok := state.txns[rec.TxnID]; ok {
			records[rec.LSN] = rec
		}
		return nil
	})
	if err != nil {
		return classifyWALError(err)
	}

	queue := btree.NewBTreeG[undoItem](func(a, b undoItem) bool { return a.lsn > b.lsn })
	for _, e := range losers {
		r.wal.RestoreTxn(*e)
		queue.Set(undoItem{lsn: e.LastLSN, txnID: e.TxnID})
		logger.WithFields(logrus.Fields{"txn": e.TxnID, "last_lsn": e.LastLSN}).Info("rolling back loser transaction")
	}

	for queue.Len() > 0 {
		item, _ := queue.PopMin()
		rec, ok := records[item.lsn]
		if !ok {
			return &TxnError{Kind: ErrChecksumMismatch, TxnID: item.txnID, Detail: "undo chain broken"}
		}

		var next uint64
		switch rec.Kind {
		case logs.KindUpdate:
			clr := &logs.Record{
				Kind:        logs.KindCLR,
				TxnID:       rec.TxnID,
				PageID:      rec.PageID,
				After:       rec.Before,
				UndoOfLSN:   rec.LSN,
				UndoNextLSN: rec.PrevLSN,
			}
			lsn, err := r.wal.ForceAppend(clr)
			if err != nil {
				return err
			}
			if err := r.cache.Apply(rec.PageID, lsn, rec.Before); err != nil {
				return &TxnError{Kind: ErrIO, TxnID: rec.TxnID, Detail: "undo page", Cause: err}
			}
			stats.Undone++
			next = rec.PrevLSN
		case logs.KindCLR:
			next = rec.UndoNextLSN
		default:
			next = rec.PrevLSN
		}

		if next != 0 {
			queue.Set(undoItem{lsn: next, txnID: item.txnID})
			continue
		}
		if _, err := r.wal.ForceAppend(&logs.Record{Kind: logs.KindAbort, TxnID: item.txnID}); err != nil {
			return err
		}
		txnCounter.WithLabelValues("recovered_abort").Inc()
	}
	return nil
}
