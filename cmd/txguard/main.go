package main

import (
	"fmt"
	"os"

	"txguard/internal/config"
	"txguard/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "txguard",
		Short:        "交易取证登记服务",
		Long:         `登记待提交交易、接收预言机风险告警并管理托管资金的取证服务`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	rootCmd.AddCommand(
		newServeCmd(),
		newEntryCmd(),
		newAlertsCmd(),
		newStatusCmd(),
		newEventsCmd(),
		newConfigCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger 按配置创建日志器
func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	return logger, nil
}
