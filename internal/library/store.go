package library

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/kubotak-is/librarian/internal/errs"
	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/models"
)

const (
	// DirName 仓库中 agent library 目录名
	DirName = ".agent_library"
	// IndexFile 索引文件名
	IndexFile = "agent_index.yml"
)

type cacheEntry struct {
	library models.AgentLibrary
	modTime time.Time
}

// Store 按目录缓存解析结果，以目录修改时间判断是否失效
type Store struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group

	hits   int
	misses int
}

// NewStore 创建 Library Store
func NewStore() *Store {
	return &Store{
		entries: make(map[string]cacheEntry),
	}
}

// LibraryDir 返回仓库对应的 agent library 目录
func LibraryDir(repoPath string) string {
	return filepath.Join(repoPath, DirName)
}

// Validate 判断仓库是否包含 agent library 目录
func (s *Store) Validate(repoPath string) bool {
	info, err := os.Stat(LibraryDir(repoPath))
	return err == nil && info.IsDir()
}

// Load 加载仓库的 agent library，缓存命中时返回副本
func (s *Store) Load(repoPath string) (models.AgentLibrary, error) {
	libDir := LibraryDir(repoPath)

	info, err := os.Stat(libDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.AgentLibrary{}, fmt.Errorf("%w: %s directory not found in %s", errs.ErrNotFound, DirName, repoPath)
		}
		return models.AgentLibrary{}, fmt.Errorf("%w: stat %s: %v", errs.ErrIO, libDir, err)
	}
	if !info.IsDir() {
		return models.AgentLibrary{}, fmt.Errorf("%w: %s is not a directory", errs.ErrNotFound, libDir)
	}
	modTime := info.ModTime()

	if lib, ok := s.lookup(libDir, modTime); ok {
		logger.Debug("Serving agent library from cache: %s", libDir)
		return lib, nil
	}

	v, err, _ := s.group.Do(libDir, func() (interface{}, error) {
		logger.Debug("Cache miss, parsing agent library: %s", libDir)
		lib, err := parse(libDir)
		if err != nil {
			return nil, err
		}
		s.store(libDir, lib, modTime)
		return lib, nil
	})
	if err != nil {
		return models.AgentLibrary{}, err
	}

	return v.(models.AgentLibrary).Clone(), nil
}

// Invalidate 删除仓库的缓存条目，下一次 Load 必定重新解析
func (s *Store) Invalidate(repoPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, LibraryDir(repoPath))
}

// Stats 返回缓存命中与未命中次数
func (s *Store) Stats() (hits, misses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses
}

func (s *Store) lookup(libDir string, modTime time.Time) (models.AgentLibrary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[libDir]
	if ok && !modTime.After(entry.modTime) {
		s.hits++
		return entry.library.Clone(), true
	}
	s.misses++
	return models.AgentLibrary{}, false
}

func (s *Store) store(libDir string, lib models.AgentLibrary, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[libDir] = cacheEntry{library: lib.Clone(), modTime: modTime}
}

func parse(libDir string) (models.AgentLibrary, error) {
	index, err := parseIndex(libDir)
	if err != nil {
		return models.AgentLibrary{}, err
	}

	prompts, err := parsePrompts(libDir, index)
	if err != nil {
		return models.AgentLibrary{}, err
	}

	return models.AgentLibrary{
		Index:    index,
		BasePath: libDir,
		Prompts:  prompts,
	}, nil
}

func parseIndex(libDir string) (models.AgentIndex, error) {
	indexPath := filepath.Join(libDir, IndexFile)

	data, err := os.ReadFile(indexPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.AgentIndex{}, fmt.Errorf("%w: %s not found in %s", errs.ErrNotFound, IndexFile, libDir)
		}
		return models.AgentIndex{}, fmt.Errorf("%w: failed to read %s: %v", errs.ErrIO, indexPath, err)
	}

	var doc manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return models.AgentIndex{}, fmt.Errorf("%w: failed to parse YAML from %s: %v", errs.ErrParse, indexPath, err)
	}

	index, err := doc.toIndex()
	if err != nil {
		return models.AgentIndex{}, fmt.Errorf("%w: %s: %v", errs.ErrParse, indexPath, err)
	}

	return index, nil
}

// manifest 用指针字段区分缺失的键与空字符串
type manifest struct {
	Name         string             `yaml:"name"`
	Description  string             `yaml:"description"`
	Version      string             `yaml:"version"`
	McpEndpoints []manifestEndpoint `yaml:"mcp_endpoints"`
}

type manifestEndpoint struct {
	ID          *string `yaml:"id"`
	Label       *string `yaml:"label"`
	Description *string `yaml:"description"`
	PromptFile  *string `yaml:"prompt_file"`
	Trigger     *string `yaml:"trigger"`
	Category    *string `yaml:"category"`
}

func (m manifest) toIndex() (models.AgentIndex, error) {
	if m.McpEndpoints == nil {
		return models.AgentIndex{}, errors.New("missing field mcp_endpoints")
	}

	index := models.AgentIndex{
		Name:         m.Name,
		Description:  m.Description,
		Version:      m.Version,
		McpEndpoints: make([]models.McpEndpoint, 0, len(m.McpEndpoints)),
	}

	seen := make(map[string]struct{}, len(m.McpEndpoints))
	for i, ep := range m.McpEndpoints {
		switch {
		case ep.ID == nil:
			return models.AgentIndex{}, fmt.Errorf("mcp_endpoints[%d]: missing field id", i)
		case ep.Label == nil:
			return models.AgentIndex{}, fmt.Errorf("mcp_endpoints[%d]: missing field label", i)
		case ep.Description == nil:
			return models.AgentIndex{}, fmt.Errorf("mcp_endpoints[%d]: missing field description", i)
		case ep.PromptFile == nil:
			return models.AgentIndex{}, fmt.Errorf("mcp_endpoints[%d]: missing field prompt_file", i)
		}
		if _, dup := seen[*ep.ID]; dup {
			return models.AgentIndex{}, fmt.Errorf("mcp_endpoints[%d]: duplicate id %q", i, *ep.ID)
		}
		seen[*ep.ID] = struct{}{}

		index.McpEndpoints = append(index.McpEndpoints, models.McpEndpoint{
			ID:          *ep.ID,
			Label:       *ep.Label,
			Description: *ep.Description,
			PromptFile:  *ep.PromptFile,
			Trigger:     ep.Trigger,
			Category:    ep.Category,
		})
	}
	return index, nil
}

func parsePrompts(libDir string, index models.AgentIndex) ([]models.Prompt, error) {
	prompts := make([]models.Prompt, 0, len(index.McpEndpoints))

	for _, ep := range index.McpEndpoints {
		promptPath, ok := resolvePromptPath(libDir, ep.PromptFile)
		if !ok {
			logger.WarnWithFields("Prompt file escapes the library directory, skipping", map[string]interface{}{
				"endpoint":    ep.ID,
				"prompt_file": ep.PromptFile,
			})
			continue
		}

		content, err := os.ReadFile(promptPath)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Prompt file %s not found", promptPath)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %v", errs.ErrIO, promptPath, err)
		}

		prompts = append(prompts, models.Prompt{
			ID:          ep.ID,
			Title:       ep.Label,
			Description: ep.Description,
			Content:     string(content),
			FilePath:    promptPath,
		})
	}

	return prompts, nil
}

func resolvePromptPath(libDir, promptFile string) (string, bool) {
	if filepath.IsAbs(promptFile) {
		return "", false
	}
	p := filepath.Join(libDir, promptFile)
	rel, err := filepath.Rel(libDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}
