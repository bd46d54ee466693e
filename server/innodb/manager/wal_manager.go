package manager

import (
	"sort"
	"sync"
	"time"

	gxbytes "github.com/dubbogo/gost/bytes"
	"github.com/juju/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"github.com/zhukovaskychina/xmysql-txncore/logger"
	"github.com/zhukovaskychina/xmysql-txncore/server/conf"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-txncore/util"
	"go.uber.org/atomic"
)

// WALManager 预写日志管理器。追加方在 mu 下分配 LSN 并放入提交缓冲，
// 单个刷盘协程按字节阈值或最长等待取出一批，一次写入并按同步模式 fsync。
type WALManager struct {
	cfg WALConfig

	mu           sync.Mutex
	notFull      *sync.Cond
	nextLSN      uint64
	pending      []*logs.Record
	pendingBytes int
	closed       bool

	flushMu    sync.Mutex
	flushed    *sync.Cond
	flushedLSN atomic.Uint64
	halted     atomic.Error

	txnTable *xsync.MapOf[uint64, *TxnTableEntry]
	writeMu  sync.Mutex
	writer   *logs.SegmentWriter

	notify   chan struct{}
	full     chan struct{}
	force    chan struct{} // Flush 请求，跳过批次等待
	stopChan chan struct{}
	done     chan struct{}

	appended     atomic.Uint64
	flushes      atomic.Uint64
	bytesWritten atomic.Uint64
	syncs        atomic.Uint64
	maxBatch     atomic.Uint64
	shed         atomic.Uint64
}

// OpenWALManager 打开日志目录。尾部残缺的记录被截掉，
// 中间出现损坏时返回 ErrChecksumMismatch。
func OpenWALManager(cfg WALConfig) (*WALManager, error) {
	cfg.normalize()
	if err := util.EnsureDir(cfg.Dir); err != nil {
		return nil, err
	}

	res, err := logs.Scan(cfg.Dir, 0, nil)
	if err != nil {
		return nil, classifyWALError(err)
	}
	if res.Torn {
		logger.WithFields(logrus.Fields{"segment": res.Tail.Path, "valid": res.TailValid}).
			Warn("truncating torn record at end of wal")
	}

	var validSize int64
	if res.Tail != nil {
		validSize = res.TailValid
	}
	writer, err := logs.OpenSegmentWriter(cfg.Dir, cfg.SegmentSize, res.Tail, validSize, res.LastLSN+1)
	if err != nil {
		return nil, classifyWALError(err)
	}

	w := &WALManager{
		cfg:      cfg,
		nextLSN:  res.LastLSN + 1,
		txnTable: xsync.NewMapOf[uint64, *TxnTableEntry](),
		writer:   writer,
		notify:   make(chan struct{}, 1),
		full:     make(chan struct{}, 1),
		force:    make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.notFull = sync.NewCond(&w.mu)
	w.flushed = sync.NewCond(&w.flushMu)
	w.flushedLSN.Store(res.LastLSN)

	go w.flusher()
	logger.WithFields(logrus.Fields{
		"dir": cfg.Dir, "next_lsn": w.nextLSN, "sync": cfg.SyncMode,
	}).Info("wal opened")
	return w, nil
}

func classifyWALError(err error) error {
	if corrupt, ok := err.(*logs.CorruptionError); ok {
		return &TxnError{Kind: ErrChecksumMismatch, Detail: "scan wal", Cause: corrupt}
	}
	return &TxnError{Kind: ErrIO, Detail: "open wal", Cause: err}
}

// Append 分配 LSN 并放入提交缓冲，不等待落盘。
// 同一事务的记录自动串成 prev_lsn 链。
func (w *WALManager) Append(rec *logs.Record) (uint64, error) {
	if err := w.append([]*logs.Record{rec}, w.cfg.OverloadPolicy == conf.OverloadShed); err != nil {
		return 0, err
	}
	return rec.LSN, nil
}

// AppendBatch 连续追加一组记录，要么全部进入缓冲，要么一条都不进入
func (w *WALManager) AppendBatch(recs ...*logs.Record) error {
	return w.append(recs, w.cfg.OverloadPolicy == conf.OverloadShed)
}

// ForceAppend 补偿与回滚记录使用，缓冲满时总是等待而不丢弃
func (w *WALManager) ForceAppend(rec *logs.Record) (uint64, error) {
	if err := w.append([]*logs.Record{rec}, false); err != nil {
		return 0, err
	}
	return rec.LSN, nil
}

func (w *WALManager) append(recs []*logs.Record, shed bool) error {
	if len(recs) == 0 {
		return nil
	}
	size := 0
	for _, rec := range recs {
		size += rec.EncodedSize()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		if err := w.halted.Load(); err != nil {
			return ErrWALHalted
		}
		if w.closed {
			return ErrClosed
		}
		if len(w.pending) == 0 ||
			(w.pendingBytes+size <= w.cfg.CommitBufferMaxBytes &&
				len(w.pending)+len(recs) <= w.cfg.CommitBufferMaxEntries) {
			break
		}
		if shed {
			w.shed.Inc()
			walCounter.WithLabelValues("shed").Inc()
			return &TxnError{Kind: ErrCapacityExceeded, TxnID: recs[0].TxnID, Cause: ErrWALOverloaded}
		}
		w.kick(w.full)
		w.notFull.Wait()
	}

	for _, rec := range recs {
		w.assignLocked(rec)
	}
	w.pending = append(w.pending, recs...)
	w.pendingBytes += size
	w.appended.Add(uint64(len(recs)))

	w.kick(w.notify)
	if w.cfg.SyncMode == conf.SyncAlways || w.pendingBytes >= w.cfg.GroupCommitMaxBytes {
		w.kick(w.full)
	}
	return nil
}

// assignLocked 分配 LSN 并维护事务表，调用方持有 mu
func (w *WALManager) assignLocked(rec *logs.Record) {
	rec.LSN = w.nextLSN
	w.nextLSN++
	if rec.TxnID == 0 {
		return
	}
	entry, ok := w.txnTable.Load(rec.TxnID)
	if !ok {
		entry = &TxnTableEntry{TxnID: rec.TxnID, FirstLSN: rec.LSN, Status: TxnActive}
		w.txnTable.Store(rec.TxnID, entry)
	}
	rec.PrevLSN = entry.LastLSN
	entry.LastLSN = rec.LSN
	switch rec.Kind {
	case logs.KindCommit:
		entry.Status = TxnCommitted
	case logs.KindAbort:
		entry.Status = TxnAborted
	}
}

// AppendAndWait 追加并等待该记录落盘
func (w *WALManager) AppendAndWait(rec *logs.Record) (uint64, error) {
	lsn, err := w.Append(rec)
	if err != nil {
		return 0, err
	}
	return lsn, w.WaitFlushed(lsn)
}

func (w *WALManager) kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// WaitFlushed 阻塞直到 lsn 及之前的记录都已落盘。
// 提交方只等待自己追加的记录，未落盘的记录最多是提交缓冲
// (CommitBufferMaxEntries 条) 加上正在写的一批，因此提交等待者的数量同样受限；
// group 模式下最长等待 GroupCommitMaxDelay 加一次写盘。
func (w *WALManager) WaitFlushed(lsn uint64) error {
	if w.flushedLSN.Load() >= lsn {
		return nil
	}
	w.kickForWait()

	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	for w.flushedLSN.Load() < lsn {
		if err := w.halted.Load(); err != nil {
			return ErrWALHalted
		}
		w.flushed.Wait()
	}
	return nil
}

func (w *WALManager) kickForWait() {
	if w.cfg.SyncMode == conf.SyncAlways {
		w.kick(w.full)
	}
}

// Flush 立即刷出缓冲中的全部记录
func (w *WALManager) Flush() error {
	w.mu.Lock()
	last := w.nextLSN - 1
	w.mu.Unlock()
	w.kick(w.force)
	return w.WaitFlushed(last)
}

// FlushedLSN 已持久化的最大 LSN
func (w *WALManager) FlushedLSN() uint64 {
	return w.flushedLSN.Load()
}

// NextLSN 下一条记录将获得的 LSN
func (w *WALManager) NextLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// Halted 致命错误，未停机时为 nil
func (w *WALManager) Halted() error {
	return w.halted.Load()
}

func (w *WALManager) flusher() {
	defer close(w.done)
	for {
		forced := false
		select {
		case <-w.notify:
		case <-w.full:
		case <-w.force:
			forced = true
		case <-w.stopChan:
			w.drain()
			return
		}

		if !forced && w.cfg.SyncMode != conf.SyncAlways && w.cfg.GroupCommitMaxDelay > 0 && !w.bufferFull() {
			timer := time.NewTimer(w.cfg.GroupCommitMaxDelay)
			select {
			case <-w.full:
			case <-w.force:
			case <-timer.C:
			case <-w.stopChan:
				timer.Stop()
				w.drain()
				return
			}
			timer.Stop()
		}

		w.drain()
	}
}

func (w *WALManager) bufferFull() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingBytes >= w.cfg.GroupCommitMaxBytes
}

func (w *WALManager) drain() {
	for w.flushBatch() {
	}
}

// flushBatch 取出不超过字节阈值的一批记录写入，返回是否写了东西
func (w *WALManager) flushBatch() bool {
	if w.halted.Load() != nil {
		return false
	}

	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return false
	}
	n, batchBytes := 0, 0
	for n < len(w.pending) {
		size := w.pending[n].EncodedSize()
		if n > 0 && batchBytes+size > w.cfg.GroupCommitMaxBytes {
			break
		}
		batchBytes += size
		n++
	}
	batch := w.pending[:n:n]
	w.pending = w.pending[n:]
	w.pendingBytes -= batchBytes
	w.notFull.Broadcast()
	w.mu.Unlock()

	buf := gxbytes.GetBytesBuffer()
	defer gxbytes.PutBytesBuffer(buf)
	for _, rec := range batch {
		rec.Encode(buf)
	}

	w.writeMu.Lock()
	err := w.writer.Write(buf.Bytes(), batch[0].LSN)
	if err == nil && w.cfg.SyncMode != conf.SyncNone {
		err = w.writer.Sync()
		w.syncs.Inc()
	}
	w.writeMu.Unlock()
	if err != nil {
		w.halt(err)
		return false
	}

	last := batch[len(batch)-1].LSN
	for _, rec := range batch {
		if rec.IsTxnEnd() {
			w.txnTable.Delete(rec.TxnID)
		}
	}

	w.flushes.Inc()
	w.bytesWritten.Add(uint64(buf.Len()))
	for {
		cur := w.maxBatch.Load()
		if uint64(n) <= cur || w.maxBatch.CAS(cur, uint64(n)) {
			break
		}
	}
	walCounter.WithLabelValues("flush").Inc()
	walBatchRecords.Observe(float64(n))

	w.flushMu.Lock()
	w.flushedLSN.Store(last)
	w.flushed.Broadcast()
	w.flushMu.Unlock()
	return true
}

// halt 刷盘失败后不再接受任何追加
func (w *WALManager) halt(cause error) {
	err := &TxnError{Kind: ErrIO, Detail: "wal flush failed", Cause: cause}
	w.halted.Store(err)
	walCounter.WithLabelValues("halt").Inc()
	logger.WithFields(logrus.Fields{"error": errors.ErrorStack(cause)}).Error("wal flush failed, halting commits")

	w.mu.Lock()
	w.notFull.Broadcast()
	w.mu.Unlock()
	w.flushMu.Lock()
	w.flushed.Broadcast()
	w.flushMu.Unlock()
}

// LastLSN 事务最后一条日志的 LSN
func (w *WALManager) LastLSN(txnID uint64) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.txnTable.Load(txnID)
	if !ok {
		return 0, false
	}
	return entry.LastLSN, true
}

// RestoreTxn 恢复时把未完成事务放回事务表，使补偿记录接上原有的 prev_lsn 链
func (w *WALManager) RestoreTxn(entry TxnTableEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry.Status = TxnActive
	w.txnTable.Store(entry.TxnID, &entry)
}

// TxnTable 事务表快照，按事务ID升序
func (w *WALManager) TxnTable() []TxnTableEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []TxnTableEntry
	w.txnTable.Range(func(_ uint64, e *TxnTableEntry) bool {
		out = append(out, *e)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TxnID < out[j].TxnID })
	return out
}

// ReadFrom 读取 LSN >= from 的所有已写入记录
func (w *WALManager) ReadFrom(from uint64, fn func(*logs.Record) error) error {
	_, err := logs.Scan(w.cfg.Dir, from, fn)
	if err != nil {
		return classifyWALError(err)
	}
	return nil
}

// Truncate 把只含 LSN < before 记录的段压缩归档，返回归档个数
func (w *WALManager) Truncate(before uint64) (int, error) {
	segs, err := logs.ListSegments(w.cfg.Dir)
	if err != nil {
		return 0, err
	}
	current := w.currentSegment()
	archived := 0
	for i := 0; i+1 < len(segs); i++ {
		if segs[i+1].FirstLSN > before || segs[i].Path == current {
			break
		}
		path, err := logs.ArchiveSegment(segs[i], w.cfg.ArchiveDir)
		if err != nil {
			return archived, err
		}
		archived++
		logger.WithFields(logrus.Fields{"segment": segs[i].Path, "archive": path}).Info("wal segment archived")
	}
	if archived > 0 {
		walCounter.WithLabelValues("archive").Add(float64(archived))
	}
	return archived, nil
}

func (w *WALManager) currentSegment() string {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.writer.Current().Path
}

// Stats 统计快照
func (w *WALManager) Stats() WALStats {
	return WALStats{
		Appended:     w.appended.Load(),
		Flushes:      w.flushes.Load(),
		BytesWritten: w.bytesWritten.Load(),
		Syncs:        w.syncs.Load(),
		MaxBatch:     w.maxBatch.Load(),
		Shed:         w.shed.Load(),
		NextLSN:      w.NextLSN(),
		FlushedLSN:   w.flushedLSN.Load(),
		ActiveTxns:   w.txnTable.Size(),
	}
}

// Close 刷出剩余记录并关闭当前段
func (w *WALManager) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.notFull.Broadcast()
	w.mu.Unlock()

	close(w.stopChan)
	<-w.done
	w.writeMu.Lock()
	err := w.writer.Close()
	w.writeMu.Unlock()
	if halted := w.halted.Load(); halted != nil {
		return halted
	}
	return err
}
