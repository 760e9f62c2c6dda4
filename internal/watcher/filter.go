package watcher

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/kubotak-is/librarian/internal/models"
)

// DefaultIgnorePatterns 隐藏文件、编辑器临时文件、备份文件与系统元数据文件
var DefaultIgnorePatterns = []string{
	".*",
	"~*",
	"*~",
	"*.tmp",
	"*.swp",
	"*.bak",
	"*.DS_Store*",
}

// shouldIgnore 文件名或相对路径命中任一模式时忽略
func shouldIgnore(patterns []string, rel string) bool {
	rel = filepath.ToSlash(rel)
	name := filepath.Base(rel)
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
		if strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return true
			}
		}
	}
	return false
}

// normalize 将 fsnotify 操作映射为变更类型，仅权限变化的事件被丢弃
func normalize(op fsnotify.Op) (models.ChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return models.ChangeCreated, true
	case op.Has(fsnotify.Remove):
		return models.ChangeDeleted, true
	case op.Has(fsnotify.Rename):
		return models.ChangeRenamed, true
	case op.Has(fsnotify.Write):
		return models.ChangeModified, true
	default:
		return "", false
	}
}

// within 判断 path 是否位于 dir 内部
func within(dir, path string) (string, bool) {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// isWriteTemp 原子写入产生的临时文件：同目录下已有文件名后接数字后缀
func isWriteTemp(path string) bool {
	name := filepath.Base(path)
	target := strings.TrimRight(name, "0123456789")
	if target == name || target == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(filepath.Dir(path), target))
	return err == nil && !info.IsDir()
}
