package config

import (
	"fmt"
	"os"
	"strings"

	"txguard/internal/errors"
	"txguard/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// 环境变量
const (
	EnvDatabaseDSN = "TXGUARD_DB_DSN"
	EnvPrefix      = "TXGUARD"

	defaultDatabaseConfigFile = "configs/database.yaml"
)

// Config 主配置
type Config struct {
	Registry *RegistryConfig    `mapstructure:"registry"`
	Storage  *StorageConfig     `mapstructure:"storage"`
	Output   *OutputConfig      `mapstructure:"output"`
	Chain    *ChainConfig       `mapstructure:"chain"`
	API      *APIConfig         `mapstructure:"api"`
	Decoder  *DecoderConfig     `mapstructure:"decoder"`
	Logging  *logging.LogConfig `mapstructure:"logging"`
}

// RegistryConfig 登记簿角色配置，仅在首次初始化时生效
type RegistryConfig struct {
	Owner  string `mapstructure:"owner"`
	Oracle string `mapstructure:"oracle"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Type string `mapstructure:"type"` // bolt 或 memory
	Path string `mapstructure:"path"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"` // 事件类型到topic，audit_events为默认topic
}

// OutputConfig 审计事件输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"`
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// ChainConfig 提现转账使用的链配置
type ChainConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ChainID        int64         `mapstructure:"chain_id"`
	Nodes          []*NodeConfig `mapstructure:"nodes"`
	PrivateKeyEnv  string        `mapstructure:"private_key_env"`
	GasLimit       uint64        `mapstructure:"gas_limit"`
	ReceiptTimeout string        `mapstructure:"receipt_timeout"`
	RetryLimit     int           `mapstructure:"retry_limit"`
}

// APIConfig HTTP服务配置
type APIConfig struct {
	Port         int    `mapstructure:"port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// DecoderConfig 交易数据解码配置
type DecoderConfig struct {
	EnableAPI      bool   `mapstructure:"enable_api"` // 本地未知的选择器是否查询4byte.directory
	FourByteAPIURL string `mapstructure:"four_byte_api_url"`
	APITimeout     string `mapstructure:"api_timeout"`
	CacheSize      int    `mapstructure:"cache_size"`
}

// LoadConfig 加载配置：先读YAML文件，再用数据库中的配置覆盖
func LoadConfig(configPath string) (*Config, error) {
	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	dsn := DatabaseDSN()
	if dsn == "" {
		return config, nil
	}

	logger := logrus.New()
	dbConfig, err := NewDatabaseConfig(dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("连接配置数据库失败: %w", err)
	}
	defer dbConfig.Close()

	if err := dbConfig.ApplyTo(config); err != nil {
		return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
	}
	logger.Info("已从数据库加载配置")
	return config, nil
}

// DatabaseDSN 配置数据库的连接串，环境变量优先，未配置时返回空
func DatabaseDSN() string {
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		return dsn
	}
	return databaseDSNFromFile(defaultDatabaseConfigFile)
}

// databaseDSNFromFile 读取数据库配置文件中的DSN，文件不存在时返回空
func databaseDSNFromFile(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	dbViper := viper.New()
	dbViper.SetConfigFile(path)
	dbViper.SetConfigType("yaml")
	if err := dbViper.ReadInConfig(); err != nil {
		return ""
	}
	return dbViper.GetString("database.dsn")
}

// LoadConfigFromFile 从文件加载配置，未设置的字段使用默认值
//
// configPath为空时只使用默认值和环境变量。
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 环境变量只对已知键生效
	for _, key := range []string{"registry.owner", "registry.oracle", "storage.path", "output.format", "api.port", "logging.level"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Registry: &RegistryConfig{},
		Storage: &StorageConfig{
			Type: "bolt",
			Path: "./data/txguard.db",
		},
		Output: &OutputConfig{
			Format:    "json",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"audit_events": "txguard_audit_events",
				},
			},
		},
		Chain: &ChainConfig{
			Enabled:        false,
			ChainID:        1,
			PrivateKeyEnv:  "TXGUARD_PRIVATE_KEY",
			GasLimit:       21000,
			ReceiptTimeout: "2m",
			RetryLimit:     3,
		},
		API: &APIConfig{
			Port:         8080,
			ReadTimeout:  "15s",
			WriteTimeout: "15s",
		},
		Decoder: &DecoderConfig{
			EnableAPI:      false,
			FourByteAPIURL: "https://www.4byte.directory/api/v1/signatures/",
			APITimeout:     "5s",
			CacheSize:      10000,
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Registry == nil {
		return invalid("registry", "缺少登记簿配置")
	}
	if err := validateAddress("registry.owner", c.Registry.Owner); err != nil {
		return err
	}
	if err := validateAddress("registry.oracle", c.Registry.Oracle); err != nil {
		return err
	}

	if c.Storage != nil {
		switch c.Storage.Type {
		case "", "bolt", "memory":
		default:
			return invalid("storage.type", fmt.Sprintf("不支持的存储类型: %s", c.Storage.Type))
		}
	}

	if c.Output != nil {
		switch c.Output.Format {
		case "", "none", "json", "json_async":
		case "kafka", "kafka_async":
			if c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0 {
				return invalid("output.kafka.brokers", "Kafka输出需要至少一个broker")
			}
		default:
			return invalid("output.format", fmt.Sprintf("不支持的输出格式: %s", c.Output.Format))
		}
	}

	if c.Chain != nil && c.Chain.Enabled {
		if len(c.Chain.Nodes) == 0 {
			return invalid("chain.nodes", "启用链上转账需要至少一个节点")
		}
		for _, node := range c.Chain.Nodes {
			if node.URL == "" {
				return invalid("chain.nodes", fmt.Sprintf("节点 %s 缺少URL", node.Name))
			}
		}
		if c.Chain.ChainID <= 0 {
			return invalid("chain.chain_id", "链ID必须为正数")
		}
		if c.Chain.PrivateKeyEnv == "" {
			return invalid("chain.private_key_env", "缺少私钥环境变量名")
		}
	}

	if c.Decoder != nil && c.Decoder.EnableAPI && c.Decoder.FourByteAPIURL == "" {
		return invalid("decoder.four_byte_api_url", "启用签名查询需要API地址")
	}

	if c.API != nil && (c.API.Port <= 0 || c.API.Port > 65535) {
		return invalid("api.port", fmt.Sprintf("端口无效: %d", c.API.Port))
	}
	return nil
}

func validateAddress(field, value string) error {
	if !common.IsHexAddress(value) {
		return invalid(field, fmt.Sprintf("地址格式无效: %q", value))
	}
	if common.HexToAddress(value) == (common.Address{}) {
		return invalid(field, "地址不能为零地址")
	}
	return nil
}

func invalid(field, reason string) error {
	return errors.ErrInvalidConfig.WithContext("field", field).WithContext("reason", reason)
}
