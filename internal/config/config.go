package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath 默认配置文件路径
const DefaultConfigPath = "config/librarian.yaml"

// Config 主配置结构
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	MCP          MCPConfig          `yaml:"mcp"`
	Cache        CacheConfig        `yaml:"cache"`
	Watcher      WatcherConfig      `yaml:"watcher"`
	Storage      StorageConfig      `yaml:"storage"`
	Repositories RepositoriesConfig `yaml:"repositories"`
	Logging      LoggingConfig      `yaml:"logging"`
	Security     SecurityConfig     `yaml:"security"`
}

// ServerConfig 管理接口监听配置
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MCPConfig 每个仓库的 MCP 服务器配置
type MCPConfig struct {
	Host          string `yaml:"host"`
	PortMin       int    `yaml:"port_min"`
	PortMax       int    `yaml:"port_max"`
	AllowedOrigin string `yaml:"allowed_origin"`
	ServerName    string `yaml:"server_name"`
	ServerVersion string `yaml:"server_version"`
	BodyLimit     string `yaml:"body_limit"`
}

// CacheConfig 响应缓存配置
type CacheConfig struct {
	PromptListTTL   time.Duration `yaml:"prompt_list_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// WatcherConfig 文件监听配置
type WatcherConfig struct {
	Interval        time.Duration `yaml:"interval"`
	IgnorePatterns  []string      `yaml:"ignore_patterns"`
	AutoReload      bool          `yaml:"auto_reload"`
	AutoReloadDelay time.Duration `yaml:"auto_reload_delay"`
}

// StorageConfig 仓库记录存储配置
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// RepositoriesConfig 仓库发现与自动启动配置
type RepositoriesConfig struct {
	SearchRoots []string `yaml:"search_roots"`
	AutoStart   bool     `yaml:"auto_start"`
	AutoWatch   bool     `yaml:"auto_watch"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SecurityConfig 安全限制配置
type SecurityConfig struct {
	MaxPromptBytes int64    `yaml:"max_prompt_bytes"`
	DeniedPrefixes []string `yaml:"denied_prefixes"`
}

// GetServerAddr 获取管理接口监听地址
func (s *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Addr 获取指定端口的 MCP 监听地址
func (m *MCPConfig) Addr(port int) string {
	return fmt.Sprintf("%s:%d", m.Host, port)
}

// Default 返回全部使用默认值的配置
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// LoadConfig 加载配置文件，文件不存在时使用默认值
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	setDefaults(&config)

	return &config, nil
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "127.0.0.1"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 9499
	}

	if config.MCP.Host == "" {
		config.MCP.Host = "127.0.0.1"
	}
	if config.MCP.PortMin == 0 {
		config.MCP.PortMin = 9500
	}
	if config.MCP.PortMax == 0 {
		config.MCP.PortMax = 9599
	}
	if config.MCP.AllowedOrigin == "" {
		config.MCP.AllowedOrigin = "http://localhost:1420"
	}
	if config.MCP.ServerName == "" {
		config.MCP.ServerName = "librarian"
	}
	if config.MCP.ServerVersion == "" {
		config.MCP.ServerVersion = "0.1.0"
	}
	if config.MCP.BodyLimit == "" {
		config.MCP.BodyLimit = "2M"
	}

	if config.Cache.PromptListTTL == 0 {
		config.Cache.PromptListTTL = 30 * time.Second
	}
	if config.Cache.CleanupInterval == 0 {
		config.Cache.CleanupInterval = time.Minute
	}

	if config.Watcher.Interval == 0 {
		config.Watcher.Interval = 500 * time.Millisecond
	}
	if config.Watcher.AutoReloadDelay == 0 {
		config.Watcher.AutoReloadDelay = 300 * time.Millisecond
	}

	if config.Storage.Driver == "" {
		config.Storage.Driver = "json"
	}
	if config.Storage.Path == "" {
		config.Storage.Path = defaultStoragePath(config.Storage.Driver)
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}

	if config.Security.MaxPromptBytes == 0 {
		config.Security.MaxPromptBytes = 1024 * 1024
	}
	if config.Security.DeniedPrefixes == nil {
		config.Security.DeniedPrefixes = []string{"/etc", "/usr", "/bin", "/sbin", "/var", "/boot", "/dev", "/proc", "/sys"}
	}
}

func defaultStoragePath(driver string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	switch driver {
	case "sqlite":
		return dir + "/librarian/librarian.db"
	default:
		return dir + "/librarian/config.json"
	}
}

// LoadConfigFromEnv 从环境变量加载配置（优先级高于配置文件）
func LoadConfigFromEnv(config *Config) {
	if host := os.Getenv("LIBRARIAN_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("LIBRARIAN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("LIBRARIAN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if driver := os.Getenv("LIBRARIAN_STORAGE_DRIVER"); driver != "" {
		config.Storage.Driver = driver
	}
	if dsn := os.Getenv("LIBRARIAN_STORAGE_DSN"); dsn != "" {
		config.Storage.DSN = dsn
	}

	if v := os.Getenv("LIBRARIAN_AUTO_RELOAD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Watcher.AutoReload = b
		}
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.MCP.PortMin < 1 || c.MCP.PortMax > 65535 {
		return fmt.Errorf("mcp port range %d-%d is out of bounds", c.MCP.PortMin, c.MCP.PortMax)
	}
	if c.MCP.PortMin > c.MCP.PortMax {
		return fmt.Errorf("mcp port range %d-%d is inverted", c.MCP.PortMin, c.MCP.PortMax)
	}
	if c.Server.Port >= c.MCP.PortMin && c.Server.Port <= c.MCP.PortMax {
		return fmt.Errorf("server port %d overlaps the mcp port range", c.Server.Port)
	}

	// 所有服务器只允许监听回环地址
	if !isLoopbackHost(c.Server.Host) {
		return fmt.Errorf("server host %q is not a loopback address", c.Server.Host)
	}
	if !isLoopbackHost(c.MCP.Host) {
		return fmt.Errorf("mcp host %q is not a loopback address", c.MCP.Host)
	}

	if c.Cache.PromptListTTL <= 0 {
		return fmt.Errorf("cache prompt_list_ttl must be positive, got %s", c.Cache.PromptListTTL)
	}

	switch c.Storage.Driver {
	case "json", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage driver %s requires a path", c.Storage.Driver)
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage driver postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
