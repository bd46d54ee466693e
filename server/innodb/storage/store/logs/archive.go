package logs

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"
	"github.com/zhukovaskychina/xmysql-txncore/util"
)

const archiveSuffix = ".lz4"

// ArchiveSegment 把段文件压缩到归档目录并删除原文件，返回归档路径
func ArchiveSegment(seg SegmentInfo, archiveDir string) (string, error) {
	if err := util.EnsureDir(archiveDir); err != nil {
		return "", err
	}
	dst := filepath.Join(archiveDir, filepath.Base(seg.Path)+archiveSuffix)

	src, err := os.Open(seg.Path)
	if err != nil {
		return "", errors.Annotatef(err, "open segment %s", seg.Path)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", errors.Annotatef(err, "create archive %s", dst)
	}
	zw := lz4.NewWriter(out)
	_, err = io.Copy(zw, src)
	if err == nil {
		err = zw.Close()
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", errors.Annotatef(err, "archive segment %s", seg.Path)
	}
	if err := os.Remove(seg.Path); err != nil {
		return dst, errors.Annotatef(err, "remove archived segment %s", seg.Path)
	}
	return dst, nil
}

// RestoreSegment 把归档解压回日志目录，用于介质恢复
func RestoreSegment(archivePath, walDir string) (string, error) {
	if err := util.EnsureDir(walDir); err != nil {
		return "", err
	}
	name := strings.TrimSuffix(filepath.Base(archivePath), archiveSuffix)
	dst := filepath.Join(walDir, name)

	in, err := os.Open(archivePath)
	if err != nil {
		return "", errors.Annotatef(err, "open archive %s", archivePath)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", errors.Annotatef(err, "create segment %s", dst)
	}
	_, err = io.Copy(out, lz4.NewReader(in))
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", errors.Annotatef(err, "restore %s", archivePath)
	}
	return dst, nil
}

// ListArchives 归档目录下的全部归档文件
func ListArchives(archiveDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(archiveDir, segmentPrefix+"*"+segmentSuffix+archiveSuffix))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return matches, nil
}
