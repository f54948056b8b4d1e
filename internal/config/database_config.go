package config

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// 支持的键值配置表
var configTables = map[string]string{
	"registry": "registry_config",
	"output":   "output_config",
	"chain":    "chain_config",
	"system":   "system_config",
}

// ErrUnknownConfigType 配置类型不在支持列表中
var ErrUnknownConfigType = stderrors.New("不支持的配置类型")

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 连接PostgreSQL并创建配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigFromDB(db, logger), nil
}

// NewDatabaseConfigFromDB 使用已有连接创建配置管理器
func NewDatabaseConfigFromDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}
}

// ApplyTo 用数据库中的配置覆盖config，数据库中没有的项保持不变
func (dc *DatabaseConfig) ApplyTo(config *Config) error {
	if err := dc.applyRegistryConfig(config); err != nil {
		return fmt.Errorf("加载登记簿配置失败: %w", err)
	}
	if err := dc.applyOutputConfig(config); err != nil {
		return fmt.Errorf("加载输出配置失败: %w", err)
	}
	if err := dc.applyChainConfig(config); err != nil {
		return fmt.Errorf("加载链配置失败: %w", err)
	}
	return nil
}

// applyRegistryConfig 加载角色地址
func (dc *DatabaseConfig) applyRegistryConfig(config *Config) error {
	values, err := dc.ListConfigs("registry")
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	if config.Registry == nil {
		config.Registry = &RegistryConfig{}
	}
	if v, ok := values["owner"]; ok {
		config.Registry.Owner = v
	}
	if v, ok := values["oracle"]; ok {
		config.Registry.Oracle = v
	}
	return nil
}

// applyOutputConfig 加载输出配置和Kafka主题
func (dc *DatabaseConfig) applyOutputConfig(config *Config) error {
	values, err := dc.ListConfigs("output")
	if err != nil {
		return err
	}

	if config.Output == nil {
		config.Output = &OutputConfig{}
	}
	out := config.Output

	for key, value := range values {
		switch key {
		case "format":
			out.Format = value
		case "directory":
			out.Directory = value
		case "kafka_brokers":
			var brokers []string
			if err := json.Unmarshal([]byte(value), &brokers); err != nil {
				dc.logger.Warnf("忽略无效的kafka_brokers配置: %v", err)
				continue
			}
			if out.Kafka == nil {
				out.Kafka = &KafkaConfig{}
			}
			out.Kafka.Brokers = brokers
		}
	}

	// 加载Kafka主题配置
	if strings.HasPrefix(out.Format, "kafka") {
		topics, err := dc.loadKafkaTopics()
		if err != nil {
			return err
		}
		if len(topics) > 0 {
			if out.Kafka == nil {
				out.Kafka = &KafkaConfig{}
			}
			out.Kafka.Topics = topics
		}
	}
	return nil
}

// applyChainConfig 加载链参数和节点
func (dc *DatabaseConfig) applyChainConfig(config *Config) error {
	values, err := dc.ListConfigs("chain")
	if err != nil {
		return err
	}
	nodes, err := dc.loadChainNodes()
	if err != nil {
		return err
	}
	if len(values) == 0 && len(nodes) == 0 {
		return nil
	}

	if config.Chain == nil {
		config.Chain = &ChainConfig{}
	}
	chain := config.Chain

	for key, value := range values {
		switch key {
		case "enabled":
			chain.Enabled = strings.ToLower(value) == "true"
		case "chain_id":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				chain.ChainID = v
			}
		case "gas_limit":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				chain.GasLimit = v
			}
		case "retry_limit":
			if v, err := strconv.Atoi(value); err == nil {
				chain.RetryLimit = v
			}
		case "receipt_timeout":
			chain.ReceiptTimeout = value
		case "private_key_env":
			chain.PrivateKeyEnv = value
		}
	}
	if len(nodes) > 0 {
		chain.Nodes = nodes
	}
	return nil
}

// loadChainNodes 按优先级加载节点
func (dc *DatabaseConfig) loadChainNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, priority FROM chain_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// loadKafkaTopics 加载事件类型到主题的映射
func (dc *DatabaseConfig) loadKafkaTopics() (map[string]string, error) {
	query := `SELECT event_kind, topic_name FROM kafka_topics WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topics := make(map[string]string)
	for rows.Next() {
		var kind, topic string
		if err := rows.Scan(&kind, &topic); err != nil {
			return nil, err
		}
		topics[kind] = topic
	}
	return topics, rows.Err()
}

func tableFor(configType string) (string, error) {
	table, ok := configTables[configType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConfigType, configType)
	}
	return table, nil
}

// UpdateConfig 更新配置
func (dc *DatabaseConfig) UpdateConfig(configType, key, value string) error {
	tableName, err := tableFor(configType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, updated_at = CURRENT_TIMESTAMP
	`, tableName)

	_, err = dc.DB.Exec(query, key, value)
	return err
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(configType, key string) (string, error) {
	tableName, err := tableFor(configType)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`SELECT config_value FROM %s WHERE config_key = $1 AND is_active = true`, tableName)
	var value string
	err = dc.DB.QueryRow(query, key).Scan(&value)
	return value, err
}

// ListConfigs 列出所有配置
func (dc *DatabaseConfig) ListConfigs(configType string) (map[string]string, error) {
	tableName, err := tableFor(configType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT config_key, config_value FROM %s WHERE is_active = true`, tableName)
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}
	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
