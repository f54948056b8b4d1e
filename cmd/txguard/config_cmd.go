package main

import (
	"fmt"
	"sort"

	"txguard/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "管理数据库中的配置",
	}

	listCmd := &cobra.Command{
		Use:   "list <type>",
		Short: "列出配置 (registry, output, chain, system)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabaseConfig(func(dc *config.DatabaseConfig) error {
				configs, err := dc.ListConfigs(args[0])
				if err != nil {
					return err
				}

				keys := make([]string, 0, len(configs))
				for k := range configs {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("%s = %s\n", k, configs[k])
				}
				return nil
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <type> <key> <value>",
		Short: "更新配置，重启服务后生效",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabaseConfig(func(dc *config.DatabaseConfig) error {
				if err := dc.UpdateConfig(args[0], args[1], args[2]); err != nil {
					return err
				}
				fmt.Printf("已更新 %s.%s\n", args[0], args[1])
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, setCmd)
	return cmd
}

// withDatabaseConfig 连接配置数据库
func withDatabaseConfig(fn func(dc *config.DatabaseConfig) error) error {
	dsn := config.DatabaseDSN()
	if dsn == "" {
		return fmt.Errorf("未配置数据库，请设置 %s 或 configs/database.yaml", config.EnvDatabaseDSN)
	}

	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	dc, err := config.NewDatabaseConfig(dsn, logger)
	if err != nil {
		return fmt.Errorf("连接配置数据库失败: %w", err)
	}
	defer dc.Close()

	return fn(dc)
}
