package manager

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"github.com/zhukovaskychina/xmysql-txncore/logger"
	"github.com/zhukovaskychina/xmysql-txncore/util"
)

const maxDeadlockHistory = 64

// LockRequest 等待中的锁请求
type LockRequest struct {
	TxID     uint64     // 事务ID
	Resource ResourceID // 资源
	Mode     LockMode   // 目标模式(升级时为上确界)
	Upgrade  bool       // 是否为升级请求
	Created  time.Time  // 入队时间
	done     bool       // 已授予或已失败，受分片锁保护
	waitChan chan error
}

// LockInfo 单个资源上的锁信息
type LockInfo struct {
	Holders map[uint64]LockMode // 持有者
	Waiters []*LockRequest      // FIFO 等待队列，升级请求排在最前
}

type lockShard struct {
	mu        sync.Mutex
	lockTable map[ResourceID]*LockInfo
}

// txnLocks 单个事务持有的锁
type txnLocks struct {
	mu      sync.Mutex
	modes   map[ResourceID]LockMode
	rows    map[string]int // 每张表的行锁数量
	waiting *LockRequest
}

// LockManager 分片锁表 + 后台死锁检测
type LockManager struct {
	cfg      LockConfig
	shards   []*lockShard
	txnLocks *xsync.MapOf[uint64, *txnLocks]
	stats    LockStats

	deadlockMu sync.Mutex
	deadlocks  []DeadlockInfo

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewLockManager 创建锁管理器
func NewLockManager(cfg LockConfig) *LockManager {
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	if cfg.VictimPolicy == nil {
		cfg.VictimPolicy = YoungestVictim{}
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	lm := &LockManager{
		cfg:      cfg,
		shards:   make([]*lockShard, cfg.Shards),
		txnLocks: xsync.NewMapOf[uint64, *txnLocks](),
		stopChan: make(chan struct{}),
	}
	for i := range lm.shards {
		lm.shards[i] = &lockShard{lockTable: make(map[ResourceID]*LockInfo)}
	}
	if cfg.DeadlockInterval > 0 {
		lm.wg.Add(1)
		go lm.deadlockDetection()
	}
	return lm
}

// Close 关闭锁管理器
func (lm *LockManager) Close() {
	lm.closeOnce.Do(func() {
		close(lm.stopChan)
		lm.wg.Wait()
	})
}

func (lm *LockManager) shard(res ResourceID) *lockShard {
	return lm.shards[util.ShardIndex(string(res), len(lm.shards))]
}

func (lm *LockManager) locksOf(txnID uint64) *txnLocks {
	tl, _ := lm.txnLocks.LoadOrStore(txnID, &txnLocks{
		modes: make(map[ResourceID]LockMode),
		rows:  make(map[string]int),
	})
	return tl
}

// Acquire 以默认超时获取锁
func (lm *LockManager) Acquire(ctx context.Context, txID uint64, res ResourceID, mode LockMode) error {
	return lm.AcquireTimeout(ctx, txID, res, mode, lm.cfg.LockTimeout)
}

// AcquireTimeout 获取锁，必要时等待直到授予、超时、被选为死锁牺牲者或 ctx 结束。
// 已持有覆盖所请求模式的锁时直接返回；否则升级到两者的上确界。
func (lm *LockManager) AcquireTimeout(ctx context.Context, txID uint64, res ResourceID, mode LockMode, timeout time.Duration) error {
	req, err := lm.enqueue(txID, res, mode, true)
	if err != nil || req == nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case err := <-req.waitChan:
		return err
	case <-timer.C:
		cause = ErrLockTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	sh := lm.shard(res)
	sh.mu.Lock()
	if req.done {
		// 授予与超时同时发生，以授予结果为准
		sh.mu.Unlock()
		return <-req.waitChan
	}
	lm.failRequest(sh, req, nil)
	sh.mu.Unlock()

	if cause == ErrLockTimeout {
		lm.stats.Timeouts.Inc()
		lockCounter.WithLabelValues("timeout").Inc()
		logger.WithFields(logrus.Fields{"txn": txID, "resource": res, "mode": mode}).Debug("lock wait timeout")
	}
	return newTxnError(cause, txID, string(res), nil)
}

// TryAcquire 不等待地获取锁
func (lm *LockManager) TryAcquire(txID uint64, res ResourceID, mode LockMode) bool {
	req, err := lm.enqueue(txID, res, mode, false)
	return err == nil && req == nil
}

// enqueue 立即授予时返回 (nil, nil)；wait 为 false 且不能授予时返回 ErrLockTimeout
func (lm *LockManager) enqueue(txID uint64, res ResourceID, mode LockMode, wait bool) (*LockRequest, error) {
	tl := lm.locksOf(txID)
	if res.IsRow() {
		tl.mu.Lock()
		tableMode, ok := tl.modes[TableResource(res.Table())]
		tl.mu.Unlock()
		if ok && Covers(tableMode, mode) {
			return nil, nil
		}
	}

	sh := lm.shard(res)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	info, exists := sh.lockTable[res]
	if !exists {
		info = &LockInfo{Holders: make(map[uint64]LockMode)}
		sh.lockTable[res] = info
	}

	held, has := info.Holders[txID]
	if has && Covers(held, mode) {
		return nil, nil
	}
	target := mode
	if has {
		target = Supremum(held, mode)
	}

	if lm.grantable(info, txID, target, has) {
		lm.grant(info, txID, res, target, has)
		return nil, nil
	}
	if !wait {
		if len(info.Holders) == 0 && len(info.Waiters) == 0 {
			delete(sh.lockTable, res)
		}
		return nil, ErrLockTimeout
	}

	req := &LockRequest{
		TxID:     txID,
		Resource: res,
		Mode:     target,
		Upgrade:  has,
		Created:  time.Now(),
		waitChan: make(chan error, 1),
	}
	if has {
		pos := 0
		for pos < len(info.Waiters) && info.Waiters[pos].Upgrade {
			pos++
		}
		info.Waiters = append(info.Waiters, nil)
		copy(info.Waiters[pos+1:], info.Waiters[pos:])
		info.Waiters[pos] = req
	} else {
		info.Waiters = append(info.Waiters, req)
	}
	tl.mu.Lock()
	tl.waiting = req
	tl.mu.Unlock()

	lm.stats.Waited.Inc()
	lockCounter.WithLabelValues("wait").Inc()
	return req, nil
}

// grantable 与其他持有者兼容，且新请求不越过已有等待者
func (lm *LockManager) grantable(info *LockInfo, txID uint64, mode LockMode, upgrade bool) bool {
	for holder, held := range info.Holders {
		if holder != txID && !Compatible(held, mode) {
			return false
		}
	}
	if upgrade {
		return true
	}
	return len(info.Waiters) == 0
}

func (lm *LockManager) grant(info *LockInfo, txID uint64, res ResourceID, mode LockMode, upgrade bool) {
	info.Holders[txID] = mode
	tl := lm.locksOf(txID)
	tl.mu.Lock()
	if _, had := tl.modes[res]; !had && res.IsRow() {
		tl.rows[res.Table()]++
	}
	tl.modes[res] = mode
	tl.mu.Unlock()

	lm.stats.Acquired.Inc()
	if upgrade {
		lm.stats.Upgrades.Inc()
		lockCounter.WithLabelValues("upgrade").Inc()
	}
	lockCounter.WithLabelValues("grant").Inc()
}

// grantWaitingLocks 按队列顺序授予，遇到第一个不能授予的请求即停止
func (lm *LockManager) grantWaitingLocks(info *LockInfo) {
	for len(info.Waiters) > 0 {
		req := info.Waiters[0]
		if !lm.grantable(info, req.TxID, req.Mode, true) {
			return
		}
		info.Waiters = info.Waiters[1:]
		lm.grant(info, req.TxID, req.Resource, req.Mode, req.Upgrade)
		lm.finish(req, nil)
	}
}

func (lm *LockManager) finish(req *LockRequest, err error) {
	req.done = true
	if tl, ok := lm.txnLocks.Load(req.TxID); ok {
		tl.mu.Lock()
		if tl.waiting == req {
			tl.waiting = nil
		}
		tl.mu.Unlock()
	}
	req.waitChan <- err
}

// failRequest 从等待队列移除请求并唤醒后续可授予的请求，调用方持有分片锁
func (lm *LockManager) failRequest(sh *lockShard, req *LockRequest, err error) {
	info := sh.lockTable[req.Resource]
	if info == nil {
		return
	}
	for i, w := range info.Waiters {
		if w == req {
			info.Waiters = append(info.Waiters[:i], info.Waiters[i+1:]...)
			break
		}
	}
	if err != nil {
		lm.finish(req, err)
	} else {
		req.done = true
		if tl, ok := lm.txnLocks.Load(req.TxID); ok {
			tl.mu.Lock()
			if tl.waiting == req {
				tl.waiting = nil
			}
			tl.mu.Unlock()
		}
	}
	lm.grantWaitingLocks(info)
	if len(info.Holders) == 0 && len(info.Waiters) == 0 {
		delete(sh.lockTable, req.Resource)
	}
}

// releaseOne 释放单个资源上的锁，调用方持有分片锁
func (lm *LockManager) releaseOne(sh *lockShard, txID uint64, res ResourceID) {
	info := sh.lockTable[res]
	if info == nil {
		return
	}
	delete(info.Holders, txID)
	lm.grantWaitingLocks(info)
	if len(info.Holders) == 0 && len(info.Waiters) == 0 {
		delete(sh.lockTable, res)
	}
}

// ReleaseAll 释放事务持有的所有锁，返回释放的数量
func (lm *LockManager) ReleaseAll(txID uint64) int {
	tl, ok := lm.txnLocks.LoadAndDelete(txID)
	if !ok {
		return 0
	}
	tl.mu.Lock()
	resources := make([]ResourceID, 0, len(tl.modes))
	for res := range tl.modes {
		resources = append(resources, res)
	}
	waiting := tl.waiting
	tl.mu.Unlock()

	if waiting != nil {
		sh := lm.shard(waiting.Resource)
		sh.mu.Lock()
		if !waiting.done {
			lm.failRequest(sh, waiting, ErrTxNotActive)
		}
		sh.mu.Unlock()
	}

	for _, res := range resources {
		sh := lm.shard(res)
		sh.mu.Lock()
		lm.releaseOne(sh, txID, res)
		sh.mu.Unlock()
	}
	return len(resources)
}

// HeldMode 事务在资源上持有的模式
func (lm *LockManager) HeldMode(txID uint64, res ResourceID) (LockMode, bool) {
	tl, ok := lm.txnLocks.Load(txID)
	if !ok {
		return 0, false
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	m, ok := tl.modes[res]
	return m, ok
}

// LockCount 事务持有的锁数量
func (lm *LockManager) LockCount(txID uint64) int {
	tl, ok := lm.txnLocks.Load(txID)
	if !ok {
		return 0
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.modes)
}

// RowLockCount 事务在一张表上的行锁数量
func (lm *LockManager) RowLockCount(txID uint64, table string) int {
	tl, ok := lm.txnLocks.Load(txID)
	if !ok {
		return 0
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.rows[table]
}

// Holders 资源当前持有者的副本
func (lm *LockManager) Holders(res ResourceID) map[uint64]LockMode {
	sh := lm.shard(res)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make(map[uint64]LockMode)
	if info := sh.lockTable[res]; info != nil {
		for k, v := range info.Holders {
			out[k] = v
		}
	}
	return out
}

// Escalate 行锁数超过阈值时尝试把一张表上的行锁换成表锁。
// 表锁不能立即授予时放弃，原有行锁保持不变。
func (lm *LockManager) Escalate(txID uint64, table string) bool {
	threshold := lm.cfg.EscalationThreshold
	if threshold <= 0 {
		return false
	}
	tl, ok := lm.txnLocks.Load(txID)
	if !ok {
		return false
	}

	tl.mu.Lock()
	if tl.rows[table] <= threshold {
		tl.mu.Unlock()
		return false
	}
	target := LockS
	var rows []ResourceID
	for res, mode := range tl.modes {
		if res.IsRow() && res.Table() == table {
			rows = append(rows, res)
			if mode != LockS && mode != LockIS {
				target = LockX
			}
		}
	}
	tl.mu.Unlock()

	if !lm.TryAcquire(txID, TableResource(table), target) {
		return false
	}

	tl.mu.Lock()
	for _, res := range rows {
		delete(tl.modes, res)
	}
	tl.rows[table] = 0
	tl.mu.Unlock()

	for _, res := range rows {
		sh := lm.shard(res)
		sh.mu.Lock()
		lm.releaseOne(sh, txID, res)
		sh.mu.Unlock()
	}

	lm.stats.Escalations.Inc()
	lockCounter.WithLabelValues("escalation").Inc()
	logger.WithFields(logrus.Fields{"txn": txID, "table": table, "rows": len(rows), "mode": target}).Info("row locks escalated")
	return true
}

// deadlockDetection 死锁检测循环
func (lm *LockManager) deadlockDetection() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.cfg.DeadlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lm.DetectDeadlocks()
		case <-lm.stopChan:
			return
		}
	}
}

// DetectDeadlocks 锁住所有分片构建等待图，对每个环按策略选出一个牺牲者并让它的等待请求以 ErrDeadlock 失败
func (lm *LockManager) DetectDeadlocks() []DeadlockInfo {
	for _, sh := range lm.shards {
		sh.mu.Lock()
	}
	defer func() {
		for i := len(lm.shards) - 1; i >= 0; i-- {
			lm.shards[i].mu.Unlock()
		}
	}()

	graph := NewWaitForGraph()
	pending := make(map[uint64]*LockRequest)
	for _, sh := range lm.shards {
		for _, info := range sh.lockTable {
			for i, w := range info.Waiters {
				pending[w.TxID] = w
				for holder, held := range info.Holders {
					if holder != w.TxID && !Compatible(held, w.Mode) {
						graph.AddWaitFor(w.TxID, holder)
					}
				}
				// 队列严格按顺序授予，前面的等待者不论模式是否兼容都挡住 w
				for _, ahead := range info.Waiters[:i] {
					graph.AddWaitFor(w.TxID, ahead.TxID)
				}
			}
		}
	}

	var found []DeadlockInfo
	for {
		cycle := graph.FindCycle()
		if cycle == nil {
			break
		}
		candidates := make([]VictimCandidate, 0, len(cycle))
		for _, id := range cycle {
			candidates = append(candidates, VictimCandidate{TxnID: id, LocksHeld: lm.LockCount(id)})
		}
		victim := lm.cfg.VictimPolicy.Choose(candidates)
		info := DeadlockInfo{
			DetectedAt: time.Now(),
			Cycle:      cycle,
			VictimTxID: victim,
			Policy:     lm.cfg.VictimPolicy.Name(),
		}
		found = append(found, info)
		graph.RemoveTransaction(victim)

		if req := pending[victim]; req != nil && !req.done {
			lm.failRequest(lm.shard(req.Resource), req, newTxnError(ErrDeadlock, victim, string(req.Resource), nil))
		}
		lm.stats.Deadlocks.Inc()
		lockCounter.WithLabelValues("deadlock").Inc()
		logger.WithFields(logrus.Fields{"cycle": cycle, "victim": victim, "policy": info.Policy}).Warn("deadlock detected")
	}

	if len(found) > 0 {
		lm.deadlockMu.Lock()
		lm.deadlocks = append(lm.deadlocks, found...)
		if n := len(lm.deadlocks); n > maxDeadlockHistory {
			lm.deadlocks = append([]DeadlockInfo(nil), lm.deadlocks[n-maxDeadlockHistory:]...)
		}
		lm.deadlockMu.Unlock()
	}
	return found
}

// RecentDeadlocks 最近检测到的死锁
func (lm *LockManager) RecentDeadlocks() []DeadlockInfo {
	lm.deadlockMu.Lock()
	defer lm.deadlockMu.Unlock()
	return append([]DeadlockInfo(nil), lm.deadlocks...)
}

// Stats 统计快照
func (lm *LockManager) Stats() LockStatsSnapshot {
	resources := 0
	for _, sh := range lm.shards {
		sh.mu.Lock()
		resources += len(sh.lockTable)
		sh.mu.Unlock()
	}
	return LockStatsSnapshot{
		Acquired:    lm.stats.Acquired.Load(),
		Waited:      lm.stats.Waited.Load(),
		Upgrades:    lm.stats.Upgrades.Load(),
		Timeouts:    lm.stats.Timeouts.Load(),
		Deadlocks:   lm.stats.Deadlocks.Load(),
		Escalations: lm.stats.Escalations.Load(),
		Resources:   resources,
	}
}
