package manager

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/mvcc"
)

func newTestMVCC(t *testing.T, perKey, global, history int) *MVCCManager {
	m := NewMVCCManager(MVCCConfig{
		MaxVersionsPerKey: perKey,
		GlobalMaxVersions: global,
		HistoryMaxEntries: history,
		Shards:            4,
	})
	t.Cleanup(m.Close)
	return m
}

func beginTxn(m *MVCCManager, id uint64, level mvcc.IsolationLevel) *Transaction {
	txn := newTransaction(id, level)
	txn.StartTS = m.BeginSnapshot(id)
	return txn
}

// readTxn 先读自己的写入，再读快照
func readTxn(m *MVCCManager, txn *Transaction, key string) ([]byte, error) {
	if v, ok := txn.pendingWrite(key); ok {
		return v, nil
	}
	txn.recordRead(key)
	return m.Read(key, txn.StartTS)
}

func commitTxn(m *MVCCManager, txn *Transaction) error {
	_, err := m.CommitTransaction(txn, nil)
	m.EndSnapshot(txn.ID)
	return err
}

func TestMVCC_LostUpdate(t *testing.T) {
	m := newTestMVCC(t, 16, 1024, 1024)

	t1 := beginTxn(m, 1, mvcc.SnapshotIsolation)
	t1.bufferWrite("k", []byte("1"))

	t2 := beginTxn(m, 2, mvcc.SnapshotIsolation)
	_, err := readTxn(m, t2, "k")
	assert.True(t, errors.Is(err, ErrNotFound), "未提交的写入不可见")
	t2.bufferWrite("k", []byte("2"))
	require.NoError(t, commitTxn(m, t2))

	err = commitTxn(m, t1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, IsRetryable(err))

	v, err := m.Read("k", m.ReadTimestamp())
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
	assert.Equal(t, uint64(1), m.Stats().Conflicts)
}

func TestMVCC_WriteSkew(t *testing.T) {
	m := newTestMVCC(t, 16, 1024, 1024)
	require.NoError(t, m.Write("x", []byte("1"), 0, m.ReadTimestamp()))
	require.NoError(t, m.Write("y", []byte("1"), 0, m.ReadTimestamp()))

	t.Run("快照隔离检测写偏斜", func(t *testing.T) {
		t1 := beginTxn(m, 1, mvcc.SnapshotIsolation)
		t2 := beginTxn(m, 2, mvcc.SnapshotIsolation)
		_, err := readTxn(m, t1, "x")
		require.NoError(t, err)
		_, err = readTxn(m, t2, "y")
		require.NoError(t, err)
		t1.bufferWrite("y", []byte("0"))
		t2.bufferWrite("x", []byte("0"))

		require.NoError(t, commitTxn(m, t1))
		err = commitTxn(m, t2)
		assert.True(t, errors.Is(err, ErrConflict))
		var txnErr *TxnError
		require.True(t, errors.As(err, &txnErr))
		assert.Equal(t, "y", txnErr.Key)
		assert.Equal(t, mvcc.ConflictWriteSkew.String(), txnErr.Detail)
	})

	t.Run("读已提交不校验", func(t *testing.T) {
		t3 := beginTxn(m, 3, mvcc.ReadCommitted)
		t4 := beginTxn(m, 4, mvcc.SnapshotIsolation)
		t3.bufferWrite("x", []byte("3"))
		t4.bufferWrite("x", []byte("4"))
		require.NoError(t, commitTxn(m, t4))
		require.NoError(t, commitTxn(m, t3))
		v, _ := m.Read("x", m.ReadTimestamp())
		assert.Equal(t, "3", string(v))
	})
}

func TestMVCC_ReadYourOwnWrites(t *testing.T) {
	m := newTestMVCC(t, 16, 1024, 1024)
	txn := beginTxn(m, 1, mvcc.SnapshotIsolation)
	txn.bufferWrite("a", []byte("mine"))
	v, err := readTxn(m, txn, "a")
	require.NoError(t, err)
	assert.Equal(t, "mine", string(v))
	assert.Empty(t, txn.ReadKeys())
}

func TestMVCC_GCSafety(t *testing.T) {
	m := newTestMVCC(t, 16, 1024, 1024)
	require.NoError(t, m.Write("k", []byte("v0"), 0, m.ReadTimestamp()))

	commitValue := func(id uint64, value string) {
		w := beginTxn(m, id, mvcc.SnapshotIsolation)
		w.bufferWrite("k", []byte(value))
		require.NoError(t, commitTxn(m, w))
	}
	commitValue(1, "v1")
	reader := beginTxn(m, 100, mvcc.SnapshotIsolation)
	commitValue(2, "v2")
	commitValue(3, "v3")
	assert.Equal(t, int64(4), m.Stats().TotalVersions)

	// v0 在 reader 之前就被覆盖，可以回收；reader 看到的 v1 必须保留
	before, ok := m.GetVersionAt("k", reader.StartTS)
	require.True(t, ok)
	assert.Equal(t, 1, m.GarbageCollect())
	after, ok := m.GetVersionAt("k", reader.StartTS)
	require.True(t, ok)
	assert.Equal(t, before.Value, after.Value)
	assert.Equal(t, "v1", string(after.Value))

	m.EndSnapshot(reader.ID)
	assert.Equal(t, 2, m.GarbageCollect())
	assert.Equal(t, int64(1), m.Stats().TotalVersions)
	v, _ := m.Read("k", m.ReadTimestamp())
	assert.Equal(t, "v3", string(v))
}

func TestMVCC_Capacity(t *testing.T) {
	t.Run("全局上限", func(t *testing.T) {
		m := newTestMVCC(t, 16, 3, 1024)
		txn := beginTxn(m, 1, mvcc.SnapshotIsolation)
		for i := 0; i < 4; i++ {
			txn.bufferWrite(fmt.Sprintf("k%d", i), []byte("v"))
		}
		err := commitTxn(m, txn)
		assert.True(t, errors.Is(err, ErrCapacityExceeded))
		assert.Equal(t, int64(0), m.Stats().TotalVersions)

		small := beginTxn(m, 2, mvcc.SnapshotIsolation)
		small.bufferWrite("k0", []byte("v"))
		require.NoError(t, commitTxn(m, small))
		assert.Equal(t, int64(1), m.Stats().TotalVersions)
	})

	t.Run("单键上限先回收再拒绝", func(t *testing.T) {
		m := newTestMVCC(t, 2, 1024, 1024)
		require.NoError(t, m.Write("k", []byte("a"), 0, m.ReadTimestamp()))
		require.NoError(t, m.Write("k", []byte("b"), 0, m.ReadTimestamp()))
		// 没有快照时旧版本可回收
		require.NoError(t, m.Write("k", []byte("c"), 0, m.ReadTimestamp()))

		pin := beginTxn(m, 9, mvcc.SnapshotIsolation)
		require.NoError(t, m.Write("k", []byte("d"), 0, m.ReadTimestamp()))
		err := m.Write("k", []byte("e"), 0, m.ReadTimestamp())
		assert.True(t, errors.Is(err, ErrCapacityExceeded))
		m.EndSnapshot(pin.ID)
		require.NoError(t, m.Write("k", []byte("e"), 0, m.ReadTimestamp()))
	})
}

func TestMVCC_HistoryFloor(t *testing.T) {
	m := newTestMVCC(t, 16, 1024, 1)
	old := beginTxn(m, 1, mvcc.SnapshotIsolation)
	for i := 2; i <= 3; i++ {
		w := beginTxn(m, uint64(i), mvcc.SnapshotIsolation)
		w.bufferWrite(fmt.Sprintf("other%d", i), []byte("v"))
		require.NoError(t, commitTxn(m, w))
	}
	// 历史只保留一条，old 的冲突窗口已不完整
	old.bufferWrite("mine", []byte("v"))
	err := commitTxn(m, old)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, m.Stats().HistoryFloor.IsZero())
}

func TestMVCC_CommitHookFailure(t *testing.T) {
	m := newTestMVCC(t, 16, 1024, 1024)
	txn := beginTxn(m, 1, mvcc.SnapshotIsolation)
	txn.bufferWrite("k", []byte("v"))
	_, err := m.CommitTransaction(txn, func(mvcc.Timestamp) error { return ErrWALHalted })
	assert.True(t, errors.Is(err, ErrWALHalted))
	assert.Equal(t, int64(0), m.Stats().TotalVersions)
	_, err = m.Read("k", m.ReadTimestamp())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMVCC_TimestampRegression(t *testing.T) {
	m := newTestMVCC(t, 16, 1024, 1024)
	old := m.ReadTimestamp()
	require.NoError(t, m.Write("k", []byte("new"), 0, m.ReadTimestamp()))

	t.Run("写入早于链头的版本", func(t *testing.T) {
		err := m.Write("k", []byte("stale"), 0, old)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTimestampRegression))
		assert.False(t, IsRetryable(err))
		assert.Equal(t, int64(1), m.Stats().TotalVersions)
		v, err := m.Read("k", m.ReadTimestamp())
		require.NoError(t, err)
		assert.Equal(t, "new", string(v))
	})

	t.Run("链头在提交时间之后", func(t *testing.T) {
		future := m.Clock().Now()
		future.Physical += 60000
		require.NoError(t, m.Write("f", []byte("ahead"), 0, future))

		txn := beginTxn(m, 1, mvcc.SnapshotIsolation)
		txn.bufferWrite("f", []byte("x"))
		txn.bufferWrite("g", []byte("y"))
		err := commitTxn(m, txn)
		assert.True(t, errors.Is(err, ErrTimestampRegression))
		// 整个事务都不安装
		assert.Equal(t, int64(2), m.Stats().TotalVersions)
		_, err = m.Read("g", m.ReadTimestamp())
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}
