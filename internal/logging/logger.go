package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`    // 日志级别 (debug, info, warn, error)
	Format string `mapstructure:"format" json:"format" yaml:"format"` // 日志格式 (json, text)
	Output string `mapstructure:"output" json:"output" yaml:"output"` // 输出路径 (stdout, stderr, file path)
}

// DefaultLogConfig 默认日志配置
var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "json",
	Output: "stdout",
}

// NewLogger 根据配置创建logrus日志器
func NewLogger(config *LogConfig) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}

	writer, err := getLogWriter(config)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(writer)

	switch config.Format {
	case "json", "":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	return logger, nil
}

// parseLogLevel 解析日志级别
func parseLogLevel(levelStr string) (logrus.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("未知的日志级别: %s", levelStr)
	}
}

// getLogWriter 获取日志输出
func getLogWriter(config *LogConfig) (io.Writer, error) {
	switch config.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		// 文件输出
		dir := filepath.Dir(config.Output)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}

		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}

		return file, nil
	}
}

// NewEntryLogger 登记记录处理专用日志器
func NewEntryLogger(base *logrus.Logger, operation string, entryID uint64) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component": "registry",
		"operation": operation,
		"entry_id":  entryID,
	})
}

// NewOperationLogger 管理操作专用日志器
func NewOperationLogger(base *logrus.Logger, operation, caller string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component": "registry",
		"operation": operation,
		"caller":    caller,
	})
}
