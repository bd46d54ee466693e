package mvcc

import (
	"sync"

	"github.com/tidwall/btree"
)

type snapshotEntry struct {
	ts    Timestamp
	txnID uint64
}

// SnapshotSet 活跃快照集合，按时间戳有序，最小值即 GC 水位
type SnapshotSet struct {
	mu      sync.Mutex
	byTxn   map[uint64]Timestamp
	ordered *btree.BTreeG[snapshotEntry]
}

// NewSnapshotSet 创建快照集合
func NewSnapshotSet() *SnapshotSet {
	return &SnapshotSet{
		byTxn: make(map[uint64]Timestamp),
		ordered: btree.NewBTreeG[snapshotEntry](func(a, b snapshotEntry) bool {
			if c := a.ts.Compare(b.ts); c != 0 {
				return c < 0
			}
			return a.txnID < b.txnID
		}),
	}
}

// Register 登记快照，同一事务重复登记时以新值为准
func (s *SnapshotSet) Register(txnID uint64, ts Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byTxn[txnID]; ok {
		s.ordered.Delete(snapshotEntry{ts: old, txnID: txnID})
	}
	s.byTxn[txnID] = ts
	s.ordered.Set(snapshotEntry{ts: ts, txnID: txnID})
}

// Unregister 注销快照
func (s *SnapshotSet) Unregister(txnID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.byTxn[txnID]
	if !ok {
		return false
	}
	delete(s.byTxn, txnID)
	s.ordered.Delete(snapshotEntry{ts: ts, txnID: txnID})
	return true
}

// Get 查询事务的快照时间戳
func (s *SnapshotSet) Get(txnID uint64) (Timestamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.byTxn[txnID]
	return ts, ok
}

// Min 最老的活跃快照
func (s *SnapshotSet) Min() (Timestamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ordered.Min()
	return e.ts, ok
}

// Len 活跃快照数
func (s *SnapshotSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTxn)
}
