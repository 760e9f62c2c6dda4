package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/kubotak-is/librarian/internal/errs"
	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/models"
)

const schema = `
	CREATE TABLE IF NOT EXISTS repositories (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		path         TEXT NOT NULL,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		last_updated TEXT NOT NULL,
		mcp_port     INTEGER,
		mcp_status   TEXT
	)
`

// SQLStore 基于 SQL 数据库的仓库记录存储，支持 sqlite 与 postgres
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore 打开数据库并创建表结构
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("Database connected successfully (driver=%s)", driver)

	return &SQLStore{db: db, driver: driver}, nil
}

// Close 关闭数据库连接
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ListRepositories 获取全部仓库记录
func (s *SQLStore) ListRepositories(ctx context.Context) ([]models.RepositoryConfig, error) {
	query := `
		SELECT id, name, path, is_active, last_updated, mcp_port, mcp_status
		FROM repositories
		ORDER BY name, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}
	defer rows.Close()

	repos := []models.RepositoryConfig{}
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}

	return repos, rows.Err()
}

// GetRepository 根据 id 获取仓库记录
func (s *SQLStore) GetRepository(ctx context.Context, id string) (models.RepositoryConfig, error) {
	query := s.rebind(`
		SELECT id, name, path, is_active, last_updated, mcp_port, mcp_status
		FROM repositories
		WHERE id = ?
	`)

	repo, err := scanRepository(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RepositoryConfig{}, fmt.Errorf("%w: repository '%s' not found", errs.ErrNotFound, id)
	}
	if err != nil {
		return models.RepositoryConfig{}, fmt.Errorf("failed to query repository: %w", err)
	}
	return repo, nil
}

// SaveRepository 添加或替换仓库记录
func (s *SQLStore) SaveRepository(ctx context.Context, repo models.RepositoryConfig) (models.RepositoryConfig, error) {
	repo = prepareRecord(repo)

	var port sql.NullInt64
	var status sql.NullString
	if repo.MCPServer != nil {
		port = sql.NullInt64{Int64: int64(repo.MCPServer.Port), Valid: true}
		status = sql.NullString{String: repo.MCPServer.Status, Valid: true}
	}

	query := s.rebind(`
		INSERT INTO repositories (id, name, path, is_active, last_updated, mcp_port, mcp_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			is_active = excluded.is_active,
			last_updated = excluded.last_updated,
			mcp_port = excluded.mcp_port,
			mcp_status = excluded.mcp_status
	`)

	if _, err := s.db.ExecContext(ctx, query, repo.ID, repo.Name, repo.Path, repo.IsActive, repo.LastUpdated, port, status); err != nil {
		return models.RepositoryConfig{}, fmt.Errorf("failed to save repository: %w", err)
	}
	return repo, nil
}

// RemoveRepository 删除仓库记录，返回是否存在
func (s *SQLStore) RemoveRepository(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM repositories WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("failed to remove repository: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove repository: %w", err)
	}
	return n > 0, nil
}

// UpdateServerStatus 回写仓库的服务器端口与状态
func (s *SQLStore) UpdateServerStatus(ctx context.Context, id string, port int, status string) error {
	query := s.rebind(`
		UPDATE repositories
		SET mcp_port = ?, mcp_status = ?, last_updated = ?
		WHERE id = ?
	`)

	result, err := s.db.ExecContext(ctx, query, port, status, models.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update server status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update server status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: repository '%s' not found", errs.ErrNotFound, id)
	}
	return nil
}

// rebind 将 ? 占位符转换为 postgres 的 $n 形式
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (models.RepositoryConfig, error) {
	var repo models.RepositoryConfig
	var port sql.NullInt64
	var status sql.NullString

	err := row.Scan(
		&repo.ID,
		&repo.Name,
		&repo.Path,
		&repo.IsActive,
		&repo.LastUpdated,
		&port,
		&status,
	)
	if err != nil {
		return models.RepositoryConfig{}, err
	}

	if port.Valid || status.Valid {
		repo.MCPServer = &models.MCPServerConfig{Port: int(port.Int64), Status: status.String}
	}
	return repo, nil
}
