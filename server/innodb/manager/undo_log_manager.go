package manager

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// UndoLogEntry 一条可撤销的页修改，对应事务 prev_lsn 链上的一条 UPDATE 记录
type UndoLogEntry struct {
	LSN     uint64 // UPDATE 记录
	PrevLSN uint64 // 同一事务的上一条记录，回滚到它之后作为 undo_next
	PageID  uint64
	Before  []byte
}

type undoChain struct {
	mu      sync.Mutex
	entries []UndoLogEntry
}

// UndoLogManager 撤销日志管理器：每个活跃事务的修改按写入顺序保存在内存里，
// 与日志中的 prev_lsn 链一一对应
type UndoLogManager struct {
	logs *xsync.MapOf[uint64, *undoChain]
}

// NewUndoLogManager 创建撤销日志管理器
func NewUndoLogManager() *UndoLogManager {
	return &UndoLogManager{logs: xsync.NewMapOf[uint64, *undoChain]()}
}

// Append 追加一条撤销日志
func (u *UndoLogManager) Append(txnID uint64, entry UndoLogEntry) {
	chain, _ := u.logs.LoadOrStore(txnID, &undoChain{})
	chain.mu.Lock()
	chain.entries = append(chain.entries, entry)
	chain.mu.Unlock()
}

// Rollback 从新到旧逐条回滚，每条调用一次 undo。
// undo 失败时停止，已回滚的条目被移除，剩余的保留以便重试。
func (u *UndoLogManager) Rollback(txnID uint64, undo func(entry UndoLogEntry) error) (int, error) {
	chain, ok := u.logs.Load(txnID)
	if !ok {
		return 0, nil
	}
	chain.mu.Lock()
	defer chain.mu.Unlock()

	undone := 0
	for i := len(chain.entries) - 1; i >= 0; i-- {
		if err := undo(chain.entries[i]); err != nil {
			chain.entries = chain.entries[:i+1]
			return undone, err
		}
		undone++
	}
	chain.entries = nil
	u.logs.Delete(txnID)
	return undone, nil
}

// Discard 提交后丢弃
func (u *UndoLogManager) Discard(txnID uint64) {
	u.logs.Delete(txnID)
}

// Count 事务的撤销日志条数
func (u *UndoLogManager) Count(txnID uint64) int {
	chain, ok := u.logs.Load(txnID)
	if !ok {
		return 0
	}
	chain.mu.Lock()
	defer chain.mu.Unlock()
	return len(chain.entries)
}

// GetActiveTxns 持有撤销日志的事务
func (u *UndoLogManager) GetActiveTxns() []uint64 {
	var txns []uint64
	u.logs.Range(func(id uint64, _ *undoChain) bool {
		txns = append(txns, id)
		return true
	})
	return txns
}
