package library

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MaxSearchDepth 仓库搜索的最大目录深度
const MaxSearchDepth = 3

// FindRepositories 在搜索根目录下查找包含 agent library 的仓库，返回其父目录
func FindRepositories(searchRoots []string) []string {
	var repositories []string

	for _, root := range searchRoots {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		root = filepath.Clean(root)

		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() && path != root {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				return nil
			}

			depth := depthOf(root, path)
			if depth > MaxSearchDepth {
				return fs.SkipDir
			}

			if d.Name() == DirName && path != root {
				repositories = append(repositories, filepath.Dir(path))
				return fs.SkipDir
			}
			return nil
		})
	}

	return repositories
}

func depthOf(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
