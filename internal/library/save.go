package library

import (
	"fmt"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/kubotak-is/librarian/internal/errs"
	"github.com/kubotak-is/librarian/internal/logger"
)

// SavePrompt 将提示词内容写回到其源文件
//
// 写入不会更新缓存表；目录修改时间变化后下一次 Load 会重新解析。
func (s *Store) SavePrompt(repoPath, promptID, content string, maxBytes int64) error {
	if maxBytes > 0 && int64(len(content)) > maxBytes {
		return fmt.Errorf("%w: content size exceeds maximum limit (%d bytes)", errs.ErrSecurityRejected, maxBytes)
	}

	lib, err := s.Load(repoPath)
	if err != nil {
		return fmt.Errorf("failed to parse agent library: %w", err)
	}

	prompt, ok := lib.FindPrompt(promptID)
	if !ok {
		ids := make([]string, 0, len(lib.Prompts))
		for _, p := range lib.Prompts {
			ids = append(ids, p.ID)
		}
		logger.WarnWithFields("Prompt not found", map[string]interface{}{
			"prompt_id":         promptID,
			"available_prompts": strings.Join(ids, ","),
		})
		return fmt.Errorf("%w: prompt with ID '%s' not found", errs.ErrNotFound, promptID)
	}

	if err := atomic.WriteFile(prompt.FilePath, strings.NewReader(content)); err != nil {
		return fmt.Errorf("%w: failed to write to file %s: %v", errs.ErrIO, prompt.FilePath, err)
	}

	logger.InfoWithFields("Prompt file saved", map[string]interface{}{
		"prompt_id":      promptID,
		"path":           prompt.FilePath,
		"content_length": len(content),
	})
	return nil
}
