package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"txguard/internal/config"
	"txguard/pkg/models"

	"github.com/sirupsen/logrus"
)

// 输出格式
const (
	FormatNone       = "none"
	FormatJSON       = "json"
	FormatJSONAsync  = "json_async"
	FormatKafka      = "kafka"
	FormatKafkaAsync = "kafka_async"
)

// Output 审计事件输出接口
type Output interface {
	WriteEvent(event *models.AuditEvent) error
	Close() error
}

// StatsReporter 可上报发送统计的输出器
type StatsReporter interface {
	GetStats() map[string]interface{}
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return NopOutput{}, nil
	}

	switch cfg.Format {
	case "", FormatNone:
		logger.Info("审计事件输出已关闭")
		return NopOutput{}, nil
	case FormatJSON:
		return NewFileOutput(cfg.Directory)
	case FormatJSONAsync:
		return NewAsyncFileOutput(cfg.Directory, logger)
	case FormatKafka, FormatKafkaAsync:
		brokers := []string{"localhost:9092"}
		topics := map[string]string{}
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			if cfg.Kafka.Topics != nil {
				topics = cfg.Kafka.Topics
			}
		}
		if cfg.Format == FormatKafkaAsync {
			return NewAsyncKafkaOutput(brokers, topics, logger)
		}
		return NewKafkaOutput(brokers, topics, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// NopOutput 丢弃所有事件
type NopOutput struct{}

// WriteEvent 丢弃事件
func (NopOutput) WriteEvent(*models.AuditEvent) error { return nil }

// Close 无需关闭
func (NopOutput) Close() error { return nil }

// FileOutput 以JSON Lines格式写入本地文件
type FileOutput struct {
	outputDir string
	path      string
	file      *os.File
	mu        sync.Mutex
}

// NewFileOutput 在outputDir下创建审计事件文件
func NewFileOutput(outputDir string) (*FileOutput, error) {
	if outputDir == "" {
		outputDir = "./outputs"
	}

	// 确保输出目录存在
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	path := eventFilePath(outputDir)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建审计事件文件失败: %w", err)
	}

	return &FileOutput{
		outputDir: outputDir,
		path:      path,
		file:      file,
	}, nil
}

// WriteEvent 写入一行事件并刷新到磁盘
func (o *FileOutput) WriteEvent(event *models.AuditEvent) error {
	if event == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化审计事件失败: %w", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return fmt.Errorf("审计事件文件已关闭")
	}
	if _, err := o.file.Write(data); err != nil {
		return fmt.Errorf("写入审计事件文件失败: %w", err)
	}

	// 强制刷新到磁盘
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("刷新审计事件文件失败: %w", err)
	}
	return nil
}

// Path 当前写入的文件路径
func (o *FileOutput) Path() string {
	return o.path
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	if err != nil {
		return fmt.Errorf("关闭审计事件文件失败: %w", err)
	}
	return nil
}

func eventFilePath(dir string) string {
	timestamp := time.Now().Format("20060102_150405")
	return filepath.Join(dir, fmt.Sprintf("audit_events_%s.jsonl", timestamp))
}
