package mvcc

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/xmysql-txncore/util"
	"go.uber.org/atomic"
)

// ErrCapacityExceeded 版本数超过上限
var ErrCapacityExceeded = errors.New("mvcc: version capacity exceeded")

// ErrTimestampRegression 新版本的时间戳不晚于链头
var ErrTimestampRegression = errors.New("mvcc: version timestamp not after chain head")

type storeShard struct {
	sync.RWMutex
	chains map[string]*VersionChain
}

// VersionStore 按键分片保存版本链，并维护全局版本计数
type VersionStore struct {
	shards    []*storeShard
	total     atomic.Int64 // 全部版本数(含已预留)
	maxPerKey int
	globalMax int64
	reclaimed atomic.Int64
}

// NewVersionStore 创建版本存储
func NewVersionStore(shardCount, maxPerKey, globalMax int) *VersionStore {
	if shardCount <= 0 {
		shardCount = 1
	}
	s := &VersionStore{
		shards:    make([]*storeShard, shardCount),
		maxPerKey: maxPerKey,
		globalMax: int64(globalMax),
	}
	for i := range s.shards {
		s.shards[i] = &storeShard{chains: make(map[string]*VersionChain)}
	}
	return s
}

func (s *VersionStore) shard(key string) *storeShard {
	return s.shards[util.ShardIndex(key, len(s.shards))]
}

func (s *VersionStore) chain(key string) *VersionChain {
	sh := s.shard(key)
	sh.RLock()
	c := sh.chains[key]
	sh.RUnlock()
	return c
}

func (s *VersionStore) chainOrCreate(key string) *VersionChain {
	if c := s.chain(key); c != nil {
		return c
	}
	sh := s.shard(key)
	sh.Lock()
	defer sh.Unlock()
	c, ok := sh.chains[key]
	if !ok {
		c = NewVersionChain()
		sh.chains[key] = c
	}
	return c
}

// Read 读取对 ts 可见的值
func (s *VersionStore) Read(key string, ts Timestamp) ([]byte, bool) {
	c := s.chain(key)
	if c == nil {
		return nil, false
	}
	return c.Read(ts)
}

// GetVersionAt 返回对 ts 可见的完整版本
func (s *VersionStore) GetVersionAt(key string, ts Timestamp) (VersionedRecord, bool) {
	c := s.chain(key)
	if c == nil {
		return VersionedRecord{}, false
	}
	return c.GetVersionAt(ts)
}

// LatestCommit 键当前版本的提交时间
func (s *VersionStore) LatestCommit(key string) (Timestamp, bool) {
	c := s.chain(key)
	if c == nil {
		return ZeroTimestamp, false
	}
	return c.Latest()
}

// Reserve 预留 n 个版本名额，超过全局上限时返回 false
func (s *VersionStore) Reserve(n int) bool {
	for {
		cur := s.total.Load()
		if cur+int64(n) > s.globalMax {
			return false
		}
		if s.total.CAS(cur, cur+int64(n)) {
			return true
		}
	}
}

// Release 归还未使用的预留
func (s *VersionStore) Release(n int) {
	s.total.Sub(int64(n))
}

// EnsureKeyCapacity 保证每个键都还能再放一个版本，必要时先在 horizon
// 之前做局部回收。调用方需保证期间没有并发安装。
func (s *VersionStore) EnsureKeyCapacity(keys []string, horizon Timestamp) error {
	for _, key := range keys {
		c := s.chain(key)
		if c == nil {
			continue
		}
		c.mu.Lock()
		if len(c.versions) >= s.maxPerKey {
			n := c.prune(horizon)
			s.total.Sub(int64(n))
			s.reclaimed.Add(int64(n))
		}
		size := len(c.versions)
		c.mu.Unlock()
		if size >= s.maxPerKey {
			return errors.Wrapf(ErrCapacityExceeded, "key %q already holds %d versions", key, size)
		}
	}
	return nil
}

// CheckAdvance 确认 ts 晚于每个键的链头
func (s *VersionStore) CheckAdvance(keys []string, ts Timestamp) error {
	for _, key := range keys {
		c := s.chain(key)
		if c == nil {
			continue
		}
		c.mu.RLock()
		err := c.checkAdvance(ts)
		c.mu.RUnlock()
		if err != nil {
			return errors.Wrapf(err, "key %q", key)
		}
	}
	return nil
}

// Install 安装一个已预留名额的新版本
func (s *VersionStore) Install(key string, value []byte, txnID uint64, ts Timestamp) error {
	c := s.chainOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.install(value, txnID, ts)
}

// Collect 回收 horizon 之前已被覆盖的版本，返回回收个数
func (s *VersionStore) Collect(horizon Timestamp) int {
	collected := 0
	for _, sh := range s.shards {
		sh.RLock()
		chains := make([]*VersionChain, 0, len(sh.chains))
		for _, c := range sh.chains {
			chains = append(chains, c)
		}
		sh.RUnlock()

		for _, c := range chains {
			c.mu.Lock()
			collected += c.prune(horizon)
			c.mu.Unlock()
		}
	}
	s.total.Sub(int64(collected))
	s.reclaimed.Add(int64(collected))
	return collected
}

// Keys 当前所有键，按字典序
func (s *VersionStore) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.RLock()
		for k := range sh.chains {
			keys = append(keys, k)
		}
		sh.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// KeyCount 键数
func (s *VersionStore) KeyCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.RLock()
		n += len(sh.chains)
		sh.RUnlock()
	}
	return n
}

// TotalVersions 全局版本数
func (s *VersionStore) TotalVersions() int64 { return s.total.Load() }

// Reclaimed 累计回收的版本数
func (s *VersionStore) Reclaimed() int64 { return s.reclaimed.Load() }

// ChainLen 某个键的版本链长度
func (s *VersionStore) ChainLen(key string) int {
	c := s.chain(key)
	if c == nil {
		return 0
	}
	return c.Len()
}
