package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelMapping = map[LogLevel]log.Level{
	DEBUG: log.DebugLevel,
	INFO:  log.InfoLevel,
	WARN:  log.WarnLevel,
	ERROR: log.ErrorLevel,
	FATAL: log.FatalLevel,
}

var defaultLogger atomic.Pointer[log.Logger]

func init() {
	defaultLogger.Store(newLogger(os.Stderr, log.TextFormatter))
}

func newLogger(w io.Writer, formatter log.Formatter) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "librarian",
		Formatter:       formatter,
	})
}

// Setup 根据配置初始化日志输出，返回需要在退出时关闭的资源
func Setup(level, format, file string) (io.Closer, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", file, err)
		}
		w, closer = f, f
	}

	var formatter log.Formatter
	switch strings.ToLower(format) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		formatter = log.TextFormatter
	}

	defaultLogger.Store(newLogger(w, formatter))
	SetLevelFromString(level)
	return closer, nil
}

// SetLevel 设置日志级别
func SetLevel(level LogLevel) {
	defaultLogger.Load().SetLevel(levelMapping[level])
}

// SetLevelFromString 从字符串设置日志级别
func SetLevelFromString(levelStr string) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		SetLevel(DEBUG)
	case "WARN":
		SetLevel(WARN)
	case "ERROR":
		SetLevel(ERROR)
	case "FATAL":
		SetLevel(FATAL)
	default:
		SetLevel(INFO)
	}
}

// With 返回带固定字段的子日志记录器
func With(keyvals ...interface{}) *log.Logger {
	return defaultLogger.Load().With(keyvals...)
}

func Debug(format string, args ...interface{}) {
	defaultLogger.Load().Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.Load().Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.Load().Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.Load().Errorf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	defaultLogger.Load().Fatalf(format, args...)
}

// 结构化日志方法
func InfoWithFields(message string, fields map[string]interface{}) {
	defaultLogger.Load().Info(message, formatFields(fields)...)
}

func WarnWithFields(message string, fields map[string]interface{}) {
	defaultLogger.Load().Warn(message, formatFields(fields)...)
}

func ErrorWithFields(message string, fields map[string]interface{}) {
	defaultLogger.Load().Error(message, formatFields(fields)...)
}

func formatFields(fields map[string]interface{}) []interface{} {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	keyvals := make([]interface{}, 0, len(fields)*2)
	for _, key := range keys {
		keyvals = append(keyvals, key, fields[key])
	}
	return keyvals
}
