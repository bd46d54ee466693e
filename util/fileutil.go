package util

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// EnsureDir 目录不存在则创建
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Annotatef(err, "create dir %s", dir)
	}
	return nil
}

func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// SyncDir 对目录做 fsync，使新建或改名的文件项持久化
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Trace(err)
	}
	defer d.Close()
	return errors.Trace(d.Sync())
}

// WriteFileAtomic 先写临时文件再改名，崩溃时要么是旧内容要么是新内容
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Annotatef(err, "create temp for %s", path)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return errors.Annotatef(err, "write %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Annotatef(err, "rename %s", tmpName)
	}
	return SyncDir(dir)
}
