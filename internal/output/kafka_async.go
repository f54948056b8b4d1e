package output

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"txguard/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AsyncKafkaOutput 异步Kafka输出器
type AsyncKafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.AsyncProducer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// 统计信息
	sentCount  int64
	errorCount int64
	pending    int64

	flushTimeout time.Duration
	closeOnce    sync.Once
}

// NewAsyncKafkaOutput 创建异步Kafka输出器
func NewAsyncKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	logger.Infof("初始化异步Kafka输出器，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	// 配置异步Kafka生产者
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0

	// 批量发送配置
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Compression = sarama.CompressionSnappy
	config.ChannelBufferSize = 1000

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建异步Kafka生产者失败: %w", err)
	}

	logger.Info("异步Kafka生产者已创建并启动")
	return NewAsyncKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewAsyncKafkaOutputWithProducer 使用已有生产者创建输出器并启动后台处理
func NewAsyncKafkaOutputWithProducer(producer sarama.AsyncProducer, topics map[string]string, logger *logrus.Logger) *AsyncKafkaOutput {
	ctx, cancel := context.WithCancel(context.Background())

	k := &AsyncKafkaOutput{
		logger:       logger,
		topics:       topics,
		producer:     producer,
		ctx:          ctx,
		cancel:       cancel,
		flushTimeout: 30 * time.Second,
	}
	k.startBackgroundHandlers()
	return k
}

// startBackgroundHandlers 启动后台处理程序
func (k *AsyncKafkaOutput) startBackgroundHandlers() {
	k.wg.Add(3)
	go func() {
		defer k.wg.Done()
		k.handleSuccesses()
	}()
	go func() {
		defer k.wg.Done()
		k.handleErrors()
	}()
	go func() {
		defer k.wg.Done()
		k.reportStats()
	}()
}

// handleSuccesses 处理成功发送的消息，通道关闭后退出
func (k *AsyncKafkaOutput) handleSuccesses() {
	for success := range k.producer.Successes() {
		atomic.AddInt64(&k.sentCount, 1)
		atomic.AddInt64(&k.pending, -1)
		k.logger.Debugf("审计事件成功发送到 topic %s, partition %d, offset %d",
			success.Topic, success.Partition, success.Offset)
	}
}

// handleErrors 处理发送失败的消息，通道关闭后退出
func (k *AsyncKafkaOutput) handleErrors() {
	for perr := range k.producer.Errors() {
		atomic.AddInt64(&k.errorCount, 1)
		atomic.AddInt64(&k.pending, -1)
		k.logger.Errorf("Kafka发送失败: topic=%s, error=%v", perr.Msg.Topic, perr.Err)
	}
}

// reportStats 定期报告统计信息
func (k *AsyncKafkaOutput) reportStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent := atomic.LoadInt64(&k.sentCount)
			failed := atomic.LoadInt64(&k.errorCount)
			if sent > 0 || failed > 0 {
				successRate := float64(sent) / float64(sent+failed) * 100
				k.logger.Infof("Kafka统计: 已发送 %d 条事件, 失败 %d 条, 成功率 %.2f%%",
					sent, failed, successRate)
			}
		case <-k.ctx.Done():
			return
		}
	}
}

// WriteEvent 将事件放入生产者输入通道，通道满时立即返回错误
func (k *AsyncKafkaOutput) WriteEvent(event *models.AuditEvent) error {
	if event == nil {
		return nil
	}

	msg, err := buildMessage(k.topics, event)
	if err != nil {
		return err
	}

	select {
	case <-k.ctx.Done():
		return fmt.Errorf("Kafka生产者已关闭")
	default:
	}

	atomic.AddInt64(&k.pending, 1)
	select {
	case k.producer.Input() <- msg:
		return nil
	default:
		atomic.AddInt64(&k.pending, -1)
		return fmt.Errorf("Kafka生产者输入通道已满")
	}
}

// Flush 等待所有已提交的事件得到确认
func (k *AsyncKafkaOutput) Flush() error {
	if atomic.LoadInt64(&k.pending) == 0 {
		return nil
	}

	timeout := time.After(k.flushTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if atomic.LoadInt64(&k.pending) <= 0 {
				k.logger.Debug("所有审计事件已发送完成")
				return nil
			}
		case <-timeout:
			remaining := atomic.LoadInt64(&k.pending)
			k.logger.Warnf("刷新超时，%d 条事件可能未发送完成", remaining)
			return fmt.Errorf("刷新超时，剩余 %d 条事件", remaining)
		}
	}
}

// GetStats 获取统计信息
func (k *AsyncKafkaOutput) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"sent":    atomic.LoadInt64(&k.sentCount),
		"errors":  atomic.LoadInt64(&k.errorCount),
		"pending": atomic.LoadInt64(&k.pending),
	}
}

// Close 刷新后关闭生产者
func (k *AsyncKafkaOutput) Close() error {
	var closeErr error
	k.closeOnce.Do(func() {
		k.logger.Info("关闭异步Kafka生产者...")

		if err := k.Flush(); err != nil {
			k.logger.Warnf("刷新缓冲区时出现错误: %v", err)
		}

		k.cancel()

		// 关闭生产者后Successes和Errors通道随之关闭
		if err := k.producer.Close(); err != nil {
			k.logger.Errorf("关闭Kafka生产者失败: %v", err)
			closeErr = err
		}
		k.wg.Wait()

		stats := k.GetStats()
		k.logger.Infof("异步Kafka生产者已关闭，总计发送: %v，错误: %v", stats["sent"], stats["errors"])
	})
	return closeErr
}
