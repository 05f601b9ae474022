package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tubefm/logger"
	"tubefm/model"

	"github.com/fsnotify/fsnotify"
)

// Watch 监听存储根目录，外部删除的缓存目录会从索引中移除。阻塞直到 ctx 结束。
func (s *TrackStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("watch %s: %w", s.root, err)
	}
	logger.Info("开始监听缓存目录", logger.String("root", s.root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.handleRemoved(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("缓存目录监听出错", logger.ErrorField(err))
		}
	}
}

func (s *TrackStore) handleRemoved(path string) {
	if filepath.Dir(path) != s.root {
		return
	}
	key := model.CacheKey(filepath.Base(path))

	// 目录可能已经被重新提交
	if _, err := os.Stat(filepath.Join(path, metaFileName)); err == nil {
		return
	}

	s.mu.Lock()
	_, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		s.reportUsageLocked()
	}
	s.mu.Unlock()

	if ok {
		logger.Warn("缓存目录被外部删除", logger.String("key", string(key)))
	}
}
