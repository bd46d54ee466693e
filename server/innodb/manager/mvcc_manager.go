package manager

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zhukovaskychina/xmysql-txncore/logger"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/mvcc"
	"go.uber.org/atomic"
)

// CommitHook 在提交临界区内、版本安装之前调用，用于写提交日志。
// 返回错误时事务不会安装任何版本。
type CommitHook func(commitTS mvcc.Timestamp) error

// MVCCManager MVCC管理器
type MVCCManager struct {
	// 提交临界区：取快照时间持读锁，提交持写锁，
	// 保证快照时间之前提交的版本都已安装
	commitMu sync.RWMutex

	clock     *mvcc.HybridClock
	store     *mvcc.VersionStore
	history   *mvcc.CommitHistory
	snapshots *mvcc.SnapshotSet

	gcRuns    atomic.Uint64
	conflicts atomic.Uint64
	commits   atomic.Uint64

	config    MVCCConfig
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMVCCManager 创建MVCC管理器
func NewMVCCManager(config MVCCConfig) *MVCCManager {
	if config.Shards <= 0 {
		config.Shards = 64
	}
	m := &MVCCManager{
		clock:     mvcc.NewHybridClock(0),
		store:     mvcc.NewVersionStore(config.Shards, config.MaxVersionsPerKey, config.GlobalMaxVersions),
		history:   mvcc.NewCommitHistory(config.HistoryMaxEntries, config.HistoryRetention),
		snapshots: mvcc.NewSnapshotSet(),
		config:    config,
		stopChan:  make(chan struct{}),
	}
	if config.GCInterval > 0 {
		m.wg.Add(1)
		go m.gcLoop()
	}
	return m
}

// Close 停止后台回收
func (m *MVCCManager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
	})
}

// Clock 全局混合时钟
func (m *MVCCManager) Clock() *mvcc.HybridClock { return m.clock }

// BeginSnapshot 取当前时间作为快照并登记
func (m *MVCCManager) BeginSnapshot(txnID uint64) mvcc.Timestamp {
	m.commitMu.RLock()
	ts := m.clock.Now()
	m.snapshots.Register(txnID, ts)
	m.commitMu.RUnlock()
	return ts
}

// ReadTimestamp 取一个不登记的读时间，用于读已提交与加锁读
func (m *MVCCManager) ReadTimestamp() mvcc.Timestamp {
	m.commitMu.RLock()
	defer m.commitMu.RUnlock()
	return m.clock.Now()
}

// EndSnapshot 注销快照
func (m *MVCCManager) EndSnapshot(txnID uint64) {
	m.snapshots.Unregister(txnID)
}

// SnapshotOf 事务登记的快照时间
func (m *MVCCManager) SnapshotOf(txnID uint64) (mvcc.Timestamp, bool) {
	return m.snapshots.Get(txnID)
}

// Read 读取对 ts 可见的已提交值
func (m *MVCCManager) Read(key string, ts mvcc.Timestamp) ([]byte, error) {
	v, ok := m.store.Read(key, ts)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// GetVersionAt 返回对 ts 可见的版本
func (m *MVCCManager) GetVersionAt(key string, ts mvcc.Timestamp) (mvcc.VersionedRecord, bool) {
	return m.store.GetVersionAt(key, ts)
}

// Write 直接安装一个已提交版本，容量不足时先做一次回收
func (m *MVCCManager) Write(key string, value []byte, txnID uint64, ts mvcc.Timestamp) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if err := m.reserveLocked([]string{key}); err != nil {
		return newTxnError(ErrCapacityExceeded, txnID, key, err)
	}
	if err := m.store.Install(key, value, txnID, ts); err != nil {
		m.store.Release(1)
		return newTxnError(ErrTimestampRegression, txnID, key, err)
	}
	return nil
}

// horizon 没有活跃快照时为当前时间
func (m *MVCCManager) horizon() (mvcc.Timestamp, bool) {
	if ts, ok := m.snapshots.Min(); ok {
		return ts, true
	}
	return m.clock.Now(), false
}

// reserveLocked 为 keys 各预留一个版本，调用方持有 commitMu 写锁
func (m *MVCCManager) reserveLocked(keys []string) error {
	n := len(keys)
	if !m.store.Reserve(n) {
		m.collectLocked()
		if !m.store.Reserve(n) {
			return ErrCapacityExceeded
		}
	}
	horizon, _ := m.horizon()
	if err := m.store.EnsureKeyCapacity(keys, horizon); err != nil {
		m.store.Release(n)
		return err
	}
	return nil
}

// CommitTransaction 校验并安装事务的写入。快照隔离检查写写冲突与写偏斜；
// 加锁的隔离级别已由锁保证串行，不再校验。
func (m *MVCCManager) CommitTransaction(txn *Transaction, hook CommitHook) (mvcc.Timestamp, error) {
	keys := txn.WriteKeys()

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if txn.Isolation.ValidatesOnCommit() {
		if c := m.history.Validate(txn.StartTS, txn.ReadKeys(), keys); c != nil {
			m.conflicts.Inc()
			txnCounter.WithLabelValues("conflict").Inc()
			logger.WithFields(logrus.Fields{
				"txn": txn.ID, "key": c.Key, "kind": c.Kind, "other": c.OtherTxnID,
			}).Debug("commit validation failed")
			err := newTxnError(ErrConflict, txn.ID, c.Key, nil)
			err.Detail = c.Kind.String()
			return mvcc.ZeroTimestamp, err
		}
	}

	if len(keys) > 0 {
		if err := m.reserveLocked(keys); err != nil {
			return mvcc.ZeroTimestamp, newTxnError(ErrCapacityExceeded, txn.ID, "", err)
		}
	}

	commitTS := m.clock.Now()
	if err := m.store.CheckAdvance(keys, commitTS); err != nil {
		m.store.Release(len(keys))
		return mvcc.ZeroTimestamp, newTxnError(ErrTimestampRegression, txn.ID, "", err)
	}
	if hook != nil {
		if err := hook(commitTS); err != nil {
			m.store.Release(len(keys))
			return mvcc.ZeroTimestamp, err
		}
	}

	// commitMu 下已校验过链头，安装不会失败
	txn.Writes(func(key string, value []byte) {
		if err := m.store.Install(key, value, txn.ID, commitTS); err != nil {
			logger.WithFields(logrus.Fields{"txn": txn.ID, "key": key, "error": err}).Error("install committed version")
		}
	})
	m.history.Append(txn.ID, commitTS, keys)
	m.commits.Inc()
	return commitTS, nil
}

// GarbageCollect 回收所有活跃快照都看不到的版本，并修剪提交历史
func (m *MVCCManager) GarbageCollect() int {
	m.commitMu.RLock()
	defer m.commitMu.RUnlock()
	return m.collectLocked()
}

func (m *MVCCManager) collectLocked() int {
	horizon, hasActive := m.horizon()
	collected := m.store.Collect(horizon)
	pruned := m.history.Prune(horizon, hasActive)
	m.gcRuns.Inc()

	mvccGauge.WithLabelValues("versions").Set(float64(m.store.TotalVersions()))
	mvccGauge.WithLabelValues("snapshots").Set(float64(m.snapshots.Len()))
	if collected > 0 || pruned > 0 {
		logger.WithFields(logrus.Fields{
			"collected": collected, "pruned": pruned, "horizon": horizon.String(),
		}).Debug("mvcc gc")
	}
	return collected
}

func (m *MVCCManager) gcLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.GarbageCollect()
		case <-m.stopChan:
			return
		}
	}
}

// Keys 所有已提交的键
func (m *MVCCManager) Keys() []string {
	return m.store.Keys()
}

// Stats 统计快照
func (m *MVCCManager) Stats() MVCCStats {
	oldest, _ := m.snapshots.Min()
	return MVCCStats{
		ActiveSnapshots: m.snapshots.Len(),
		OldestSnapshot:  oldest,
		TotalVersions:   m.store.TotalVersions(),
		Keys:            m.store.KeyCount(),
		HistoryEntries:  m.history.Len(),
		HistoryFloor:    m.history.Floor(),
		GCRuns:          m.gcRuns.Load(),
		Collected:       m.store.Reclaimed(),
		Conflicts:       m.conflicts.Load(),
		Commits:         m.commits.Load(),
	}
}
