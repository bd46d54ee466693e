package manager

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xmysql-txncore/server/conf"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/storage/store/logs"
)

func testWALConfig(t *testing.T) WALConfig {
	dir := t.TempDir()
	return WALConfig{
		Dir:                 filepath.Join(dir, "wal"),
		ArchiveDir:          filepath.Join(dir, "archive"),
		SegmentSize:         1 << 20,
		GroupCommitMaxBytes: 4096,
		GroupCommitMaxDelay: time.Millisecond,
		SyncMode:            conf.SyncGroup,
	}
}

func openTestWAL(t *testing.T, cfg WALConfig) *WALManager {
	w, err := OpenWALManager(cfg)
	require.NoError(t, err)
	return w
}

func updateRecord(txnID, pageID uint64) *logs.Record {
	return &logs.Record{
		Kind:   logs.KindUpdate,
		TxnID:  txnID,
		PageID: pageID,
		After:  bytes.Repeat([]byte{'v'}, 40),
	}
}

func readAll(t *testing.T, w *WALManager) []*logs.Record {
	var recs []*logs.Record
	require.NoError(t, w.ReadFrom(0, func(r *logs.Record) error {
		recs = append(recs, r)
		return nil
	}))
	return recs
}

func TestWALGroupCommitConcurrent(t *testing.T) {
	const (
		workers   = 8
		perWorker = 1250
		total     = workers * perWorker
	)
	cfg := testWALConfig(t)
	cfg.SyncMode = conf.SyncNone
	cfg.GroupCommitMaxDelay = 20 * time.Millisecond
	cfg.GroupCommitMaxBytes = updateRecord(1, 1).EncodedSize() * total / 50
	w := openTestWAL(t, cfg)

	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			txnID := uint64(g + 1)
			for i := 0; i < perWorker; i++ {
				_, err := w.Append(updateRecord(txnID, uint64(g*100000+i)))
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Flush())

	stats := w.Stats()
	assert.Equal(t, uint64(total), stats.Appended)
	assert.True(t, stats.Flushes >= 50, "flushes = %d", stats.Flushes)
	assert.True(t, stats.MaxBatch > 1, "records should be grouped")

	recs := readAll(t, w)
	require.Len(t, recs, total)

	seen := make(map[uint64]bool, total)
	lastOfTxn := make(map[uint64]uint64)
	for i, r := range recs {
		// LSN 连续且无空洞
		assert.Equal(t, uint64(i+1), r.LSN)
		assert.False(t, seen[r.PageID], "record %d written twice", r.PageID)
		seen[r.PageID] = true
		// 同一事务的记录串成 prev_lsn 链
		assert.Equal(t, lastOfTxn[r.TxnID], r.PrevLSN)
		lastOfTxn[r.TxnID] = r.LSN
	}
	assert.Len(t, seen, total)
	require.NoError(t, w.Close())
}

func TestWALTxnTable(t *testing.T) {
	cfg := testWALConfig(t)
	cfg.GroupCommitMaxDelay = time.Hour
	cfg.GroupCommitMaxBytes = 1 << 20
	w := openTestWAL(t, cfg)
	defer w.Close()

	begin, err := w.Append(&logs.Record{Kind: logs.KindBegin, TxnID: 7})
	require.NoError(t, err)
	upd, err := w.Append(updateRecord(7, 1))
	require.NoError(t, err)

	table := w.TxnTable()
	require.Len(t, table, 1)
	assert.Equal(t, TxnTableEntry{TxnID: 7, FirstLSN: begin, LastLSN: upd, Status: TxnActive}, table[0])

	_, err = w.Append(&logs.Record{Kind: logs.KindCommit, TxnID: 7})
	require.NoError(t, err)
	// 提交记录落盘之前仍在表中
	table = w.TxnTable()
	require.Len(t, table, 1)
	assert.Equal(t, TxnCommitted, table[0].Status)

	require.NoError(t, w.Flush())
	assert.Empty(t, w.TxnTable())
	_, ok := w.LastLSN(7)
	assert.False(t, ok)
}

func TestWALFlushSkipsGroupDelay(t *testing.T) {
	const rounds = 200
	cfg := testWALConfig(t)
	cfg.GroupCommitMaxDelay = time.Hour
	cfg.GroupCommitMaxBytes = 1 << 20
	w := openTestWAL(t, cfg)
	defer w.Close()

	// 追加与 Flush 交替，flusher 可能先被 notify 或 full 唤醒
	done := make(chan error, 1)
	go func() {
		for i := 1; i <= rounds; i++ {
			if _, err := w.Append(updateRecord(7, uint64(i))); err != nil {
				done <- err
				return
			}
			if err := w.Flush(); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("flush waited for the group commit delay")
	}
	assert.Equal(t, uint64(rounds), w.FlushedLSN())
	assert.Equal(t, uint64(rounds), w.Stats().Flushes)
}

func TestWALTornTail(t *testing.T) {
	cfg := testWALConfig(t)
	w := openTestWAL(t, cfg)
	for i := 1; i <= 5; i++ {
		_, err := w.Append(updateRecord(0, uint64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	seg := w.currentSegment()
	require.NoError(t, w.Close())

	// 模拟写到一半崩溃
	f, err := os.OpenFile(seg, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 6, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w = openTestWAL(t, cfg)
	assert.Equal(t, uint64(6), w.NextLSN())
	assert.Equal(t, uint64(5), w.FlushedLSN())
	_, err = w.AppendAndWait(updateRecord(0, 6))
	require.NoError(t, err)

	recs := readAll(t, w)
	require.Len(t, recs, 6)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.LSN)
	}
	require.NoError(t, w.Close())
}

func TestWALZeroFilledTail(t *testing.T) {
	cfg := testWALConfig(t)
	w := openTestWAL(t, cfg)
	for i := 1; i <= 5; i++ {
		_, err := w.Append(updateRecord(1, uint64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	seg := w.currentSegment()
	require.NoError(t, w.Close())

	// 预分配后未写满的段尾
	f, err := os.OpenFile(seg, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 100))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w = openTestWAL(t, cfg)
	assert.Equal(t, uint64(6), w.NextLSN())
	_, err = w.AppendAndWait(updateRecord(1, 6))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// 截掉补零部分后新记录紧接在后面，再次打开仍然完整
	w = openTestWAL(t, cfg)
	defer w.Close()
	recs := readAll(t, w)
	require.Len(t, recs, 6)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.LSN)
	}
}

func TestWALCorruptionStopsOpen(t *testing.T) {
	cfg := testWALConfig(t)
	w := openTestWAL(t, cfg)
	for i := 1; i <= 10; i++ {
		_, err := w.Append(updateRecord(0, uint64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	seg := w.currentSegment()
	require.NoError(t, w.Close())

	// 破坏第三条记录的负载，后面还有完整记录
	data, err := os.ReadFile(seg)
	require.NoError(t, err)
	size := updateRecord(0, 1).EncodedSize()
	data[2*size+logs.HeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(seg, data, 0644))

	_, err = OpenWALManager(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.True(t, IsFatal(err))
	// 损坏位置只出现一次
	assert.Equal(t, 1, strings.Count(err.Error(), "wal corruption in"), err.Error())
	var ce *logs.CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(2*size), ce.Offset)
}

func TestWALOverloadShed(t *testing.T) {
	cfg := testWALConfig(t)
	cfg.GroupCommitMaxDelay = time.Hour
	cfg.GroupCommitMaxBytes = 1 << 20
	cfg.CommitBufferMaxEntries = 2
	cfg.OverloadPolicy = conf.OverloadShed
	w := openTestWAL(t, cfg)
	defer w.Close()

	_, err := w.Append(updateRecord(1, 1))
	require.NoError(t, err)
	_, err = w.Append(updateRecord(1, 2))
	require.NoError(t, err)

	_, err = w.Append(updateRecord(1, 3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	assert.True(t, errors.Is(err, ErrWALOverloaded))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, uint64(1), w.Stats().Shed)

	t.Run("批量追加不会部分进入缓冲", func(t *testing.T) {
		err := w.AppendBatch(updateRecord(2, 4), updateRecord(2, 5))
		require.Error(t, err)
		_, ok := w.LastLSN(2)
		assert.False(t, ok)
	})

	t.Run("刷盘后恢复接受追加", func(t *testing.T) {
		require.NoError(t, w.Flush())
		lsn, err := w.Append(updateRecord(1, 3))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), lsn)
	})
}

func TestWALHaltOnWriteFailure(t *testing.T) {
	cfg := testWALConfig(t)
	w := openTestWAL(t, cfg)

	_, err := w.AppendAndWait(updateRecord(1, 1))
	require.NoError(t, err)

	// 关掉底层文件，下一次刷盘失败
	w.writeMu.Lock()
	require.NoError(t, w.writer.Close())
	w.writeMu.Unlock()

	_, err = w.AppendAndWait(updateRecord(1, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWALHalted))
	assert.NotNil(t, w.Halted())
	assert.True(t, IsFatal(w.Halted()))

	_, err = w.Append(updateRecord(1, 3))
	assert.True(t, errors.Is(err, ErrWALHalted))

	assert.Error(t, w.Close())
}

func TestWALTruncateArchivesSegments(t *testing.T) {
	cfg := testWALConfig(t)
	cfg.SegmentSize = 1024
	cfg.GroupCommitMaxBytes = 512
	w := openTestWAL(t, cfg)
	defer w.Close()

	for i := 1; i <= 100; i++ {
		_, err := w.AppendAndWait(updateRecord(0, uint64(i)))
		require.NoError(t, err)
	}
	before, err := logs.ListSegments(cfg.Dir)
	require.NoError(t, err)
	require.True(t, len(before) > 3)

	archived, err := w.Truncate(60)
	require.NoError(t, err)
	assert.True(t, archived > 0)

	archives, err := logs.ListArchives(cfg.ArchiveDir)
	require.NoError(t, err)
	assert.Len(t, archives, archived)

	recs := readAll(t, w)
	require.NotEmpty(t, recs)
	assert.True(t, recs[0].LSN <= 60, "records from lsn 60 must stay online")
	for i, r := range recs {
		assert.Equal(t, recs[0].LSN+uint64(i), r.LSN)
	}
	assert.Equal(t, uint64(100), recs[len(recs)-1].LSN)
}

func TestCheckpointDataCodec(t *testing.T) {
	data := CheckpointData{
		BeginLSN: 42,
		TxnTable: []TxnTableEntry{
			{TxnID: 3, FirstLSN: 10, LastLSN: 40, Status: TxnActive},
			{TxnID: 5, FirstLSN: 20, LastLSN: 41, Status: TxnCommitted},
		},
		DirtyPages: map[uint64]uint64{7: 12, 9: 30},
		NextTxnID:  6,
		NextPageID: 10,
	}
	decoded, err := DecodeCheckpoint(data.Encode())
	require.NoError(t, err)
	assert.Equal(t, &data, decoded)
	assert.Equal(t, uint64(12), decoded.RedoLSN())
	assert.Equal(t, uint64(10), decoded.LowWaterLSN())

	_, err = DecodeCheckpoint([]byte("garbage"))
	assert.Error(t, err)
}
