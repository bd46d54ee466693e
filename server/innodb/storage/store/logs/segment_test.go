package logs

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecords(t *testing.T, w *SegmentWriter, from, to uint64) {
	for lsn := from; lsn <= to; lsn++ {
		var buf bytes.Buffer
		(&Record{LSN: lsn, TxnID: lsn % 3, Kind: KindUpdate, PageID: lsn, After: bytes.Repeat([]byte{'x'}, 40)}).Encode(&buf)
		require.NoError(t, w.Write(buf.Bytes(), lsn))
	}
	require.NoError(t, w.Sync())
}

func TestSegmentWriteAndScan(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenSegmentWriter(dir, 512, nil, 0, 1)
	require.NoError(t, err)
	writeRecords(t, w, 1, 50)
	require.NoError(t, w.Close())

	segs, err := ListSegments(dir)
	require.NoError(t, err)
	assert.True(t, len(segs) > 1, "segments should rotate")
	assert.Equal(t, uint64(1), segs[0].FirstLSN)

	t.Run("全量扫描", func(t *testing.T) {
		var lsns []uint64
		res, err := Scan(dir, 0, func(r *Record) error {
			lsns = append(lsns, r.LSN)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 50, res.Records)
		assert.Equal(t, uint64(50), res.LastLSN)
		assert.False(t, res.Torn)
		for i, lsn := range lsns {
			assert.Equal(t, uint64(i+1), lsn)
		}
	})

	t.Run("从指定LSN扫描", func(t *testing.T) {
		res, err := Scan(dir, 30, nil)
		require.NoError(t, err)
		assert.Equal(t, 21, res.Records)
		assert.Equal(t, uint64(30), res.FirstLSN)
	})
}

func TestSegmentTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenSegmentWriter(dir, 1<<20, nil, 0, 1)
	require.NoError(t, err)
	writeRecords(t, w, 1, 5)
	// 模拟写到一半崩溃
	require.NoError(t, w.Write([]byte{0, 0, 0, 0, 0, 0, 0, 6, 0, 0}, 6))
	require.NoError(t, w.Close())

	res, err := Scan(dir, 0, nil)
	require.NoError(t, err)
	assert.True(t, res.Torn)
	assert.Equal(t, uint64(5), res.LastLSN)

	// 截断后继续追加
	w, err = OpenSegmentWriter(dir, 1<<20, res.Tail, res.TailValid, res.LastLSN+1)
	require.NoError(t, err)
	writeRecords(t, w, 6, 8)
	require.NoError(t, w.Close())

	res, err = Scan(dir, 0, nil)
	require.NoError(t, err)
	assert.False(t, res.Torn)
	assert.Equal(t, 8, res.Records)
}

func TestSegmentGarbageTail(t *testing.T) {
	oversized := make([]byte, HeaderSize+8)
	oversized[7] = 6
	oversized[17] = 0xff // 负载长度超过上限

	cases := []struct {
		name string
		tail []byte
	}{
		{"补零的尾部", make([]byte, 100)},
		{"负载长度越界", oversized},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			w, err := OpenSegmentWriter(dir, 1<<20, nil, 0, 1)
			require.NoError(t, err)
			writeRecords(t, w, 1, 5)
			require.NoError(t, w.Write(c.tail, 6))
			require.NoError(t, w.Close())

			res, err := Scan(dir, 0, nil)
			require.NoError(t, err)
			assert.True(t, res.Torn)
			assert.Equal(t, 5, res.Records)
			assert.Equal(t, uint64(5), res.LastLSN)

			info, err := os.Stat(res.Tail.Path)
			require.NoError(t, err)
			assert.Equal(t, info.Size()-int64(len(c.tail)), res.TailValid)
		})
	}

	t.Run("坏记录之后仍有完整记录", func(t *testing.T) {
		dir := t.TempDir()
		w, err := OpenSegmentWriter(dir, 1<<20, nil, 0, 1)
		require.NoError(t, err)
		writeRecords(t, w, 1, 3)
		require.NoError(t, w.Write(make([]byte, 40), 4))
		writeRecords(t, w, 4, 5)
		require.NoError(t, w.Close())

		_, err = Scan(dir, 0, nil)
		var ce *CorruptionError
		require.True(t, errors.As(err, &ce))
	})
}

func TestSegmentCorruptionInMiddle(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenSegmentWriter(dir, 1<<20, nil, 0, 1)
	require.NoError(t, err)
	writeRecords(t, w, 1, 10)
	require.NoError(t, w.Close())

	segs, err := ListSegments(dir)
	require.NoError(t, err)
	data, err := os.ReadFile(segs[0].Path)
	require.NoError(t, err)
	data[HeaderSize+20] ^= 0x01 // 第一条记录的负载
	require.NoError(t, os.WriteFile(segs[0].Path, data, 0644))

	var seen int
	_, err = Scan(dir, 0, func(*Record) error { seen++; return nil })
	require.Error(t, err)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.Equal(t, int64(0), ce.Offset)
	assert.Equal(t, 0, seen)
}

func TestArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(t.TempDir(), "archive")
	w, err := OpenSegmentWriter(dir, 1<<20, nil, 0, 1)
	require.NoError(t, err)
	writeRecords(t, w, 1, 20)
	require.NoError(t, w.Close())

	segs, err := ListSegments(dir)
	require.NoError(t, err)
	original, err := os.ReadFile(segs[0].Path)
	require.NoError(t, err)

	archived, err := ArchiveSegment(segs[0], archiveDir)
	require.NoError(t, err)
	_, err = os.Stat(segs[0].Path)
	assert.True(t, os.IsNotExist(err))

	list, err := ListArchives(archiveDir)
	require.NoError(t, err)
	assert.Equal(t, []string{archived}, list)

	restored, err := RestoreSegment(archived, dir)
	require.NoError(t, err)
	data, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}
