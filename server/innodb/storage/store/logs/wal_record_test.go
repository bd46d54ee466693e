package logs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCodec(t *testing.T) {
	t.Run("各类型记录编解码", func(t *testing.T) {
		recs := []*Record{
			{LSN: 1, TxnID: 9, Kind: KindBegin},
			{LSN: 2, TxnID: 9, PrevLSN: 1, Kind: KindUpdate, PageID: 42, Before: []byte("old"), After: []byte("new")},
			{LSN: 3, TxnID: 9, PrevLSN: 2, Kind: KindCLR, PageID: 42, UndoOfLSN: 2, UndoNextLSN: 1, After: []byte("old")},
			{LSN: 4, TxnID: 9, PrevLSN: 3, Kind: KindCommit, CommitPhysical: 1700000000123, CommitLogical: 5},
			{LSN: 5, Kind: KindCheckpoint, Body: []byte{1, 2, 3}},
		}
		var buf bytes.Buffer
		for _, r := range recs {
			before := buf.Len()
			r.Encode(&buf)
			assert.Equal(t, r.EncodedSize(), buf.Len()-before)
		}

		data := buf.Bytes()
		// 头部按大端写入
		assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, data[0:8])
		assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 9}, data[8:16])
		assert.Equal(t, byte(KindBegin), data[16])
		for _, want := range recs {
			got, n, err := Decode(data)
			require.NoError(t, err)
			data = data[n:]
			assert.Equal(t, want.LSN, got.LSN)
			assert.Equal(t, want.Kind, got.Kind)
			assert.Equal(t, want.PrevLSN, got.PrevLSN)
			assert.Equal(t, want.PageID, got.PageID)
			assert.Equal(t, want.UndoNextLSN, got.UndoNextLSN)
			assert.Equal(t, want.CommitPhysical, got.CommitPhysical)
			assert.Equal(t, string(want.After), string(got.After))
			assert.Equal(t, string(want.Before), string(got.Before))
			assert.Equal(t, want.Body, got.Body)
		}
		assert.Empty(t, data)
	})

	t.Run("校验和发现篡改", func(t *testing.T) {
		var buf bytes.Buffer
		(&Record{LSN: 7, TxnID: 1, Kind: KindUpdate, PageID: 3, After: []byte("abc")}).Encode(&buf)
		data := buf.Bytes()
		data[HeaderSize+10] ^= 0xff
		_, _, err := Decode(data)
		assert.Equal(t, ErrChecksumMismatch, err)
	})

	t.Run("不完整记录", func(t *testing.T) {
		var buf bytes.Buffer
		(&Record{LSN: 7, TxnID: 1, Kind: KindBegin}).Encode(&buf)
		_, _, err := Decode(buf.Bytes()[:buf.Len()-1])
		assert.Equal(t, ErrShortRecord, err)
		_, _, err = Decode(buf.Bytes()[:5])
		assert.Equal(t, ErrShortRecord, err)
	})
}
