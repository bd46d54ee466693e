package mvcc

import (
	"strings"

	"github.com/pkg/errors"
)

// IsolationLevel 事务隔离级别
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	SnapshotIsolation
	RepeatableRead
	Serializable
)

// UsesLocking 可重复读与串行化走两阶段锁，其余走多版本快照
func (l IsolationLevel) UsesLocking() bool {
	return l == RepeatableRead || l == Serializable
}

// ValidatesOnCommit 快照隔离在提交时做写写与写偏斜检查
func (l IsolationLevel) ValidatesOnCommit() bool {
	return l == SnapshotIsolation
}

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "READ-COMMITTED"
	case SnapshotIsolation:
		return "SNAPSHOT"
	case RepeatableRead:
		return "REPEATABLE-READ"
	case Serializable:
		return "SERIALIZABLE"
	}
	return "UNKNOWN"
}

// ParseIsolationLevel 接受 READ-COMMITTED / read_committed 等写法
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToUpper(strings.NewReplacer("_", "-", " ", "-").Replace(strings.TrimSpace(s)))
	switch norm {
	case "READ-COMMITTED":
		return ReadCommitted, nil
	case "SNAPSHOT", "SNAPSHOT-ISOLATION":
		return SnapshotIsolation, nil
	case "REPEATABLE-READ":
		return RepeatableRead, nil
	case "SERIALIZABLE":
		return Serializable, nil
	}
	return ReadCommitted, errors.Errorf("unknown isolation level %q", s)
}
