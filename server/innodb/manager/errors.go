package manager

import (
	"errors"
	"fmt"

	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/mvcc"
)

// Transaction manager errors
var (
	ErrTxNotFound    = errors.New("transaction not found")
	ErrTxNotActive   = errors.New("transaction not active")
	ErrNotFound      = errors.New("key not found")
	ErrValueTooLarge = errors.New("value too large for page")
	ErrClosed        = errors.New("transaction manager closed")
)

// MVCC manager errors
var (
	ErrConflict            = errors.New("serialization conflict")
	ErrCapacityExceeded    = mvcc.ErrCapacityExceeded
	ErrTimestampRegression = mvcc.ErrTimestampRegression
)

// Lock manager errors
var (
	ErrLockTimeout = errors.New("lock wait timeout")
	ErrDeadlock    = errors.New("deadlock victim")
)

// WAL errors
var (
	ErrChecksumMismatch = logs.ErrChecksumMismatch
	ErrIO               = errors.New("i/o failure")
	ErrWALHalted        = errors.New("wal halted after fatal error")
	ErrWALOverloaded    = errors.New("wal commit buffer full")
)

// TxnError 带上下文的事务错误，errors.Is 按 Kind 匹配
type TxnError struct {
	Kind   error
	TxnID  uint64
	Key    string
	Detail string
	Cause  error
}

func (e *TxnError) Error() string {
	msg := fmt.Sprintf("txn %d: %v", e.TxnID, e.Kind)
	if e.Key != "" {
		msg += fmt.Sprintf(" on %q", e.Key)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Cause != nil && e.Cause != e.Kind {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TxnError) Is(target error) bool { return target == e.Kind }

func (e *TxnError) Unwrap() error { return e.Cause }

func newTxnError(kind error, txnID uint64, key string, cause error) *TxnError {
	return &TxnError{Kind: kind, TxnID: txnID, Key: key, Cause: cause}
}

// IsRetryable 冲突、锁超时、死锁与容量不足由调用方重试事务
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrDeadlock) ||
		errors.Is(err, ErrCapacityExceeded)
}

// IsFatal 日志路径上的校验或 I/O 失败，需要人工介入
func IsFatal(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrWALHalted)
}

// Retryable 见 IsRetryable
func (e *TxnError) Retryable() bool { return IsRetryable(e) }
