package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"txguard/pkg/models"

	"github.com/sirupsen/logrus"
)

// AsyncFileOutput 异步批量写入的JSON Lines输出器
type AsyncFileOutput struct {
	outputDir string
	path      string
	file      *os.File
	writer    *bufio.Writer
	logger    *logrus.Logger

	// 异步写入通道
	eventChan chan *models.AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool

	// 批量写入配置
	batchSize     int
	flushInterval time.Duration

	// 统计信息
	written int64
	dropped int64
	failed  int64
}

// NewAsyncFileOutput 创建异步文件输出器
func NewAsyncFileOutput(outputDir string, logger *logrus.Logger) (*AsyncFileOutput, error) {
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

	o := &AsyncFileOutput{
		outputDir:     outputDir,
		path:          path,
		file:          file,
		writer:        bufio.NewWriterSize(file, 64*1024),
		logger:        logger,
		eventChan:     make(chan *models.AuditEvent, 1000),
		done:          make(chan struct{}),
		batchSize:     100,
		flushInterval: time.Second,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.eventWriter()
	}()

	logger.Infof("异步文件输出器已初始化: %s", path)
	return o, nil
}

// eventWriter 批量写入，达到批量大小或定时器触发时刷新
func (o *AsyncFileOutput) eventWriter() {
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	buffered := 0
	for {
		select {
		case event := <-o.eventChan:
			o.writeOne(event)
			buffered++
			if buffered >= o.batchSize {
				o.flush()
				buffered = 0
			}
		case <-ticker.C:
			if buffered > 0 {
				o.flush()
				buffered = 0
			}
		case <-o.done:
			// 写完通道中剩余的事件
			for {
				select {
				case event := <-o.eventChan:
					o.writeOne(event)
				default:
					o.flush()
					return
				}
			}
		}
	}
}

func (o *AsyncFileOutput) writeOne(event *models.AuditEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		atomic.AddInt64(&o.failed, 1)
		o.logger.Errorf("序列化审计事件 %d 失败: %v", event.Seq, err)
		return
	}
	data = append(data, '\n')
	if _, err := o.writer.Write(data); err != nil {
		atomic.AddInt64(&o.failed, 1)
		o.logger.Errorf("写入审计事件 %d 失败: %v", event.Seq, err)
		return
	}
	atomic.AddInt64(&o.written, 1)
}

func (o *AsyncFileOutput) flush() {
	if err := o.writer.Flush(); err != nil {
		o.logger.Errorf("刷新审计事件文件失败: %v", err)
		return
	}
	if err := o.file.Sync(); err != nil {
		o.logger.Errorf("同步审计事件文件失败: %v", err)
	}
}

// WriteEvent 放入写入队列，队列满时立即返回错误
func (o *AsyncFileOutput) WriteEvent(event *models.AuditEvent) error {
	if event == nil {
		return nil
	}

	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	if o.closed {
		return fmt.Errorf("异步文件输出器已关闭")
	}

	select {
	case o.eventChan <- event:
		return nil
	default:
		atomic.AddInt64(&o.dropped, 1)
		return fmt.Errorf("审计事件写入队列已满")
	}
}

// Path 当前写入的文件路径
func (o *AsyncFileOutput) Path() string {
	return o.path
}

// GetStats 获取统计信息
func (o *AsyncFileOutput) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"written": atomic.LoadInt64(&o.written),
		"dropped": atomic.LoadInt64(&o.dropped),
		"failed":  atomic.LoadInt64(&o.failed),
		"queued":  len(o.eventChan),
	}
}

// Close 写完队列中的事件后关闭文件
func (o *AsyncFileOutput) Close() error {
	var closeErr error
	o.closeOnce.Do(func() {
		o.closeMu.Lock()
		o.closed = true
		o.closeMu.Unlock()

		close(o.done)
		o.wg.Wait()

		if err := o.file.Close(); err != nil {
			closeErr = fmt.Errorf("关闭审计事件文件失败: %w", err)
		}
		o.logger.Infof("异步文件输出器已关闭，共写入 %d 条事件", atomic.LoadInt64(&o.written))
	})
	return closeErr
}
