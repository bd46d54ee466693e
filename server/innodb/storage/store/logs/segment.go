package logs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-txncore/util"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

// SegmentName 段文件名，以段内第一条记录的 LSN 命名
func SegmentName(firstLSN uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, firstLSN, segmentSuffix)
}

// SegmentInfo 段文件信息
type SegmentInfo struct {
	Path     string
	FirstLSN uint64
	Size     int64
}

// ListSegments 列出目录下的段文件，按起始 LSN 升序
func ListSegments(dir string) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "list wal dir %s", dir)
	}
	var segs []SegmentInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		lsn, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, errors.Trace(err)
		}
		segs = append(segs, SegmentInfo{Path: filepath.Join(dir, name), FirstLSN: lsn, Size: info.Size()})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].FirstLSN < segs[j].FirstLSN })
	return segs, nil
}

// CorruptionError 日志中间出现的损坏记录
type CorruptionError struct {
	Segment string
	Offset  int64
	Cause   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal corruption in %s at offset %d: %v", filepath.Base(e.Segment), e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

// ScanResult 扫描结果
type ScanResult struct {
	Records   int
	FirstLSN  uint64
	LastLSN   uint64
	Tail      *SegmentInfo // 最后一个段
	TailValid int64        // 最后一个段中有效数据的长度
	Torn      bool         // 最后一个段尾部有残缺记录
}

// Scan 依次读取全部段，对 LSN >= fromLSN 的记录回调 fn。
// 最后一个段里坏记录之后再没有可解码的记录时，视为写入中途崩溃
// (含预分配或补零的尾部)，只做标记；其余位置的损坏返回 *CorruptionError。
func Scan(dir string, fromLSN uint64, fn func(*Record) error) (ScanResult, error) {
	var res ScanResult
	segs, err := ListSegments(dir)
	if err != nil {
		return res, err
	}
	var prevLSN uint64
	for i := range segs {
		seg := segs[i]
		last := i == len(segs)-1
		if last {
			res.Tail = &segs[i]
		}
		if !last && segs[i+1].FirstLSN <= fromLSN {
			prevLSN = segs[i+1].FirstLSN - 1
			continue
		}

		data, err := os.ReadFile(seg.Path)
		if err != nil {
			return res, errors.Annotatef(err, "read segment %s", seg.Path)
		}
		off := 0
		for off < len(data) {
			rec, n, derr := Decode(data[off:])
			if derr == nil && rec.LSN <= prevLSN {
				derr = errors.Errorf("lsn %d not above %d", rec.LSN, prevLSN)
			}
			if derr != nil {
				if last && !hasValidRecord(data[off+1:], prevLSN) {
					res.Torn = true
					break
				}
				return res, &CorruptionError{Segment: seg.Path, Offset: int64(off), Cause: classify(derr)}
			}
			off += n
			prevLSN = rec.LSN
			if rec.LSN < fromLSN {
				continue
			}
			if res.Records == 0 {
				res.FirstLSN = rec.LSN
			}
			res.Records++
			res.LastLSN = rec.LSN
			if fn != nil {
				if err := fn(rec); err != nil {
					return res, err
				}
			}
		}
		if last {
			res.TailValid = int64(off)
		}
	}
	if res.LastLSN == 0 {
		res.LastLSN = prevLSN
	}
	return res, nil
}

// hasValidRecord 逐字节寻找一条能完整解码且 LSN 大于 after 的记录
func hasValidRecord(data []byte, after uint64) bool {
	for i := 0; i+HeaderSize+TrailerSize <= len(data); i++ {
		if rec, _, err := Decode(data[i:]); err == nil && rec.LSN > after {
			return true
		}
	}
	return false
}

func classify(err error) error {
	if err == ErrBadPayload {
		return err
	}
	return ErrChecksumMismatch
}

// SegmentWriter 顺序写段文件，超过大小上限时在批次边界切换新段
type SegmentWriter struct {
	dir     string
	maxSize int64
	file    *os.File
	info    SegmentInfo
}

// OpenSegmentWriter 打开写入器。tail 不为空时截断到 validSize 并继续追加，
// 否则以 nextLSN 新建段。
func OpenSegmentWriter(dir string, maxSize int64, tail *SegmentInfo, validSize int64, nextLSN uint64) (*SegmentWriter, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, err
	}
	w := &SegmentWriter{dir: dir, maxSize: maxSize}
	if tail == nil {
		return w, w.create(nextLSN)
	}

	f, err := os.OpenFile(tail.Path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "open segment %s", tail.Path)
	}
	if err := f.Truncate(validSize); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "truncate segment %s", tail.Path)
	}
	if _, err := f.Seek(validSize, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	w.file = f
	w.info = SegmentInfo{Path: tail.Path, FirstLSN: tail.FirstLSN, Size: validSize}
	return w, nil
}

func (w *SegmentWriter) create(firstLSN uint64) error {
	path := filepath.Join(w.dir, SegmentName(firstLSN))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Annotatef(err, "create segment %s", path)
	}
	w.file = f
	w.info = SegmentInfo{Path: path, FirstLSN: firstLSN}
	return util.SyncDir(w.dir)
}

// Write 写入一批编码好的记录，firstLSN 为批次第一条记录的 LSN
func (w *SegmentWriter) Write(p []byte, firstLSN uint64) error {
	if w.info.Size > 0 && w.info.Size+int64(len(p)) > w.maxSize {
		if err := w.rotate(firstLSN); err != nil {
			return err
		}
	}
	n, err := w.file.Write(p)
	w.info.Size += int64(n)
	if err != nil {
		return errors.Annotatef(err, "write segment %s", w.info.Path)
	}
	return nil
}

func (w *SegmentWriter) rotate(firstLSN uint64) error {
	if err := w.file.Sync(); err != nil {
		return errors.Trace(err)
	}
	if err := w.file.Close(); err != nil {
		return errors.Trace(err)
	}
	return w.create(firstLSN)
}

// Sync 持久化当前段
func (w *SegmentWriter) Sync() error {
	return errors.Trace(w.file.Sync())
}

// Current 当前段信息
func (w *SegmentWriter) Current() SegmentInfo {
	return w.info
}

// Close 关闭当前段
func (w *SegmentWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return errors.Trace(err)
}
