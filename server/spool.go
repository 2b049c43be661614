package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaos-io/cutout/util/log"
	"github.com/segmentio/ksuid"
)

const maxExtLen = 5

// Spool 上传文件的落盘目录：先写盘再解码，处理完立即删除
type Spool struct {
	dir string
	ttl time.Duration
}

func NewSpool(dir string, ttl time.Duration) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Spool{dir: dir, ttl: ttl}, nil
}

// Path 为上传文件生成落盘路径；客户端文件名只保留安全的扩展名
func (s *Spool) Path(filename string) string {
	return filepath.Join(s.dir, ksuid.New().String()+safeExt(filename))
}

func (s *Spool) Remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Logger().WithError(err).WithField("path", path).Warn("could not clean up upload")
	}
}

// Sweep 删除超过 ttl 的残留文件，返回删除数量
func (s *Spool) Sweep(now time.Time) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read upload dir: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < s.ttl {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > maxExtLen+1 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
