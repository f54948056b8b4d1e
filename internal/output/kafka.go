package output

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"txguard/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTopic 未按事件类型配置时使用的topic
	DefaultTopic = "txguard_audit_events"

	// topics中的通配键
	defaultTopicKey = "audit_events"
)

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 事件类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	// 配置Kafka生产者
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0

	// 创建同步生产者
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

// WriteEvent 同步发送审计事件
func (k *KafkaOutput) WriteEvent(event *models.AuditEvent) error {
	if event == nil {
		return nil
	}

	msg, err := buildMessage(k.topics, event)
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.Debugf("审计事件 %d (%s) 已发送到 topic '%s' (partition: %d, offset: %d)",
		event.Seq, event.Kind, msg.Topic, partition, offset)
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}

// topicFor 选择事件对应的topic，viper加载的键为小写
func topicFor(topics map[string]string, kind models.EventKind) string {
	for _, key := range []string{string(kind), strings.ToLower(string(kind))} {
		if topic, exists := topics[key]; exists && topic != "" {
			return topic
		}
	}
	if topic, exists := topics[defaultTopicKey]; exists && topic != "" {
		return topic
	}
	return DefaultTopic
}

// buildMessage 同一记录的事件使用相同的key，保证分区内有序
func buildMessage(topics map[string]string, event *models.AuditEvent) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(event.ToKafkaMessage())
	if err != nil {
		return nil, fmt.Errorf("序列化审计事件失败: %w", err)
	}

	key := "registry"
	if event.EntryID != 0 {
		key = strconv.FormatUint(event.EntryID, 10)
	}

	return &sarama.ProducerMessage{
		Topic: topicFor(topics, event.Kind),
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(event.ID)},
			{Key: []byte("kind"), Value: []byte(event.Kind)},
		},
	}, nil
}
