package mvcc

import (
	"math"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// ConflictKind 提交校验失败的原因
type ConflictKind int

const (
	ConflictWriteWrite ConflictKind = iota + 1
	ConflictWriteSkew
	ConflictHistoryTruncated
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictWriteWrite:
		return "write-write"
	case ConflictWriteSkew:
		return "write-skew"
	case ConflictHistoryTruncated:
		return "history-truncated"
	}
	return "unknown"
}

// Conflict 一次提交冲突的描述
type Conflict struct {
	Kind        ConflictKind
	Key         string
	OtherTxnID  uint64
	OtherCommit Timestamp
}

// CommitRecord 已提交事务的写集合
type CommitRecord struct {
	CommitTS  Timestamp
	TxnID     uint64
	Keys      map[string]struct{}
	Committed time.Time
}

func commitLess(a, b *CommitRecord) bool {
	if c := a.CommitTS.Compare(b.CommitTS); c != 0 {
		return c < 0
	}
	return a.TxnID < b.TxnID
}

// CommitHistory 按提交时间排序的已提交写集合，用于写写与写偏斜检测。
// floor 之前的记录已被强制淘汰，快照早于 floor 的事务无法校验。
type CommitHistory struct {
	mu         sync.RWMutex
	tree       *btree.BTreeG[*CommitRecord]
	maxEntries int
	retention  time.Duration
	floor      Timestamp
	now        func() time.Time
}

// NewCommitHistory 创建提交历史，retention 为 0 表示只按条数限制
func NewCommitHistory(maxEntries int, retention time.Duration) *CommitHistory {
	return &CommitHistory{
		tree:       btree.NewBTreeG[*CommitRecord](commitLess),
		maxEntries: maxEntries,
		retention:  retention,
		now:        time.Now,
	}
}

// Validate 检查 snapshotTS 之后提交的事务是否写过 writeSet 或 readSet 中的键
func (h *CommitHistory) Validate(snapshotTS Timestamp, readSet, writeSet []string) *Conflict {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if snapshotTS.Less(h.floor) {
		return &Conflict{Kind: ConflictHistoryTruncated, OtherCommit: h.floor}
	}

	var conflict *Conflict
	pivot := &CommitRecord{CommitTS: snapshotTS, TxnID: math.MaxUint64}
	h.tree.Ascend(pivot, func(rec *CommitRecord) bool {
		if !rec.CommitTS.After(snapshotTS) {
			return true
		}
		for _, key := range writeSet {
			if _, ok := rec.Keys[key]; ok {
				conflict = &Conflict{Kind: ConflictWriteWrite, Key: key, OtherTxnID: rec.TxnID, OtherCommit: rec.CommitTS}
				return false
			}
		}
		for _, key := range readSet {
			if _, ok := rec.Keys[key]; ok {
				conflict = &Conflict{Kind: ConflictWriteSkew, Key: key, OtherTxnID: rec.TxnID, OtherCommit: rec.CommitTS}
				return false
			}
		}
		return true
	})
	return conflict
}

// Append 记录一次提交，随后按上限淘汰
func (h *CommitHistory) Append(txnID uint64, commitTS Timestamp, keys []string) {
	if len(keys) == 0 {
		return
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tree.Set(&CommitRecord{CommitTS: commitTS, TxnID: txnID, Keys: set, Committed: h.now()})
	h.enforceLimitsLocked()
}

// Prune 丢弃早于所有活跃快照的记录；没有活跃快照时全部丢弃
func (h *CommitHistory) Prune(minActive Timestamp, hasActive bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	pruned := 0
	for {
		rec, ok := h.tree.Min()
		if !ok || (hasActive && !rec.CommitTS.Less(minActive)) {
			break
		}
		h.tree.PopMin()
		pruned++
	}
	return pruned + h.enforceLimitsLocked()
}

// enforceLimitsLocked 超过条数上限或保留时间的记录强制淘汰，并抬高 floor
func (h *CommitHistory) enforceLimitsLocked() int {
	evicted := 0
	deadline := h.now().Add(-h.retention)
	for {
		rec, ok := h.tree.Min()
		if !ok {
			break
		}
		overCount := h.maxEntries > 0 && h.tree.Len() > h.maxEntries
		expired := h.retention > 0 && rec.Committed.Before(deadline)
		if !overCount && !expired {
			break
		}
		h.tree.PopMin()
		if rec.CommitTS.After(h.floor) {
			h.floor = rec.CommitTS
		}
		evicted++
	}
	return evicted
}

// Len 历史记录条数
func (h *CommitHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tree.Len()
}

// Floor 已被强制淘汰的最大提交时间
func (h *CommitHistory) Floor() Timestamp {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.floor
}
