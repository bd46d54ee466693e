package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/mvcc"
	"go.uber.org/atomic"
)

// TxnStatus 事务状态
type TxnStatus uint8

const (
	TxnActive TxnStatus = iota
	TxnCommitting
	TxnCommitted
	TxnAborted
)

func (s TxnStatus) String() string {
	switch s {
	case TxnActive:
		return "ACTIVE"
	case TxnCommitting:
		return "COMMITTING"
	case TxnCommitted:
		return "COMMITTED"
	case TxnAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// Transaction 表示一个事务。读写集合只由持有 mu 的一方修改。
type Transaction struct {
	mu sync.Mutex

	ID        uint64
	Isolation mvcc.IsolationLevel
	Status    TxnStatus
	StartTS   mvcc.Timestamp // 快照时间
	StartTime time.Time

	readSet    map[string]struct{}
	writes     map[string][]byte // 缓冲的写入，提交时安装为版本
	writeOrder []string

	BeginLogged bool   // 是否已写 BEGIN 记录
	LastLSN     uint64 // 本事务最后一条日志记录

	ctx    context.Context
	cancel context.CancelFunc
}

func newTransaction(id uint64, level mvcc.IsolationLevel) *Transaction {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transaction{
		ID:        id,
		Isolation: level,
		Status:    TxnActive,
		StartTime: time.Now(),
		readSet:   make(map[string]struct{}),
		writes:    make(map[string][]byte),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context 事务被收割或关闭时取消
func (t *Transaction) Context() context.Context { return t.ctx }

// recordRead 调用方持有 t.mu
func (t *Transaction) recordRead(key string) {
	t.readSet[key] = struct{}{}
}

// bufferWrite 调用方持有 t.mu
func (t *Transaction) bufferWrite(key string, value []byte) {
	if _, ok := t.writes[key]; !ok {
		t.writeOrder = append(t.writeOrder, key)
	}
	t.writes[key] = append([]byte(nil), value...)
}

// pendingWrite 本事务尚未提交的写入，调用方持有 t.mu
func (t *Transaction) pendingWrite(key string) ([]byte, bool) {
	v, ok := t.writes[key]
	return v, ok
}

// ReadKeys 读集合，按字典序
func (t *Transaction) ReadKeys() []string {
	keys := make([]string, 0, len(t.readSet))
	for k := range t.readSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteKeys 写集合，按字典序
func (t *Transaction) WriteKeys() []string {
	keys := append([]string(nil), t.writeOrder...)
	sort.Strings(keys)
	return keys
}

// Writes 按首次写入顺序返回写入
func (t *Transaction) Writes(fn func(key string, value []byte)) {
	for _, k := range t.writeOrder {
		fn(k, t.writes[k])
	}
}

// TxnRegistry 活跃事务登记表
type TxnRegistry struct {
	txns   *xsync.MapOf[uint64, *Transaction]
	nextID atomic.Uint64
}

// NewTxnRegistry 创建登记表
func NewTxnRegistry() *TxnRegistry {
	return &TxnRegistry{txns: xsync.NewMapOf[uint64, *Transaction]()}
}

// NextID 分配事务ID，从 1 开始严格递增
func (r *TxnRegistry) NextID() uint64 {
	return r.nextID.Inc()
}

// ResumeAbove 恢复后保证新的事务ID大于 id
func (r *TxnRegistry) ResumeAbove(id uint64) {
	for {
		cur := r.nextID.Load()
		if cur >= id || r.nextID.CAS(cur, id) {
			return
		}
	}
}

// Register 登记新事务
func (r *TxnRegistry) Register(level mvcc.IsolationLevel) *Transaction {
	txn := newTransaction(r.NextID(), level)
	r.txns.Store(txn.ID, txn)
	return txn
}

// Get 查找事务
func (r *TxnRegistry) Get(id uint64) (*Transaction, bool) {
	return r.txns.Load(id)
}

// Remove 事务结束且清理完成后移除
func (r *TxnRegistry) Remove(id uint64) {
	if txn, ok := r.txns.LoadAndDelete(id); ok {
		txn.cancel()
	}
}

// Range 遍历活跃事务
func (r *TxnRegistry) Range(fn func(txn *Transaction) bool) {
	r.txns.Range(func(_ uint64, txn *Transaction) bool {
		return fn(txn)
	})
}

// Count 活跃事务数
func (r *TxnRegistry) Count() int {
	return r.txns.Size()
}

// Expired 运行时间超过 maxDuration 的事务，按ID升序
func (r *TxnRegistry) Expired(maxDuration time.Duration) []*Transaction {
	if maxDuration <= 0 {
		return nil
	}
	deadline := time.Now().Add(-maxDuration)
	var out []*Transaction
	r.txns.Range(func(_ uint64, txn *Transaction) bool {
		if txn.StartTime.Before(deadline) {
			out = append(out, txn)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
