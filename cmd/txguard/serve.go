package main

import (
	"context"
	"fmt"
	"time"

	"txguard/internal/api"
	"txguard/internal/chain"
	"txguard/internal/config"
	"txguard/internal/decoder"
	"txguard/internal/metrics"
	"txguard/internal/output"
	"txguard/internal/registry"
	"txguard/internal/shutdown"
	"txguard/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动API服务",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)

	st, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	gs.Register("store", shutdown.OrderCloseStore, func(context.Context) error {
		return st.Close()
	})

	sink, err := output.NewOutput(cfg.Output, logger)
	if err != nil {
		st.Close()
		return fmt.Errorf("创建输出器失败: %w", err)
	}
	gs.Register("output", shutdown.OrderFlushOutput, func(context.Context) error {
		return sink.Close()
	})

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	payloadDecoder := decoder.NewPayloadDecoder(cfg.Decoder, logger)
	serverOpts := []api.Option{
		api.WithGatherer(promRegistry),
		api.WithDecoder(payloadDecoder),
		api.WithStatsReporter("decoder", payloadDecoder),
	}
	if reporter, ok := sink.(output.StatsReporter); ok {
		serverOpts = append(serverOpts, api.WithStatsReporter("output", reporter))
	}

	transferer, err := buildTransferer(ctx, cfg.Chain, logger, gs, &serverOpts)
	if err != nil {
		gs.Shutdown()
		return err
	}

	reg, err := registry.New(
		common.HexToAddress(cfg.Registry.Owner),
		common.HexToAddress(cfg.Registry.Oracle),
		registry.WithStore(st),
		registry.WithSink(sink),
		registry.WithTransferer(transferer),
		registry.WithLogger(logger),
		registry.WithMetrics(m),
	)
	if err != nil {
		gs.Shutdown()
		return fmt.Errorf("创建登记簿失败: %w", err)
	}

	if dsn := config.DatabaseDSN(); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			logger.Warnf("配置数据库不可用，配置管理接口未启用: %v", err)
		} else {
			serverOpts = append(serverOpts, api.WithDatabaseConfig(dbConfig))
			gs.Register("config_db", shutdown.OrderCloseConnections, func(context.Context) error {
				return dbConfig.Close()
			})
		}
	}

	server := api.NewServer(reg, cfg.API, logger, serverOpts...)
	gs.Register("api", shutdown.OrderStopAcceptingRequests, server.Stop)

	status := reg.Status()
	logger.WithFields(logrus.Fields{
		"owner":   status.Owner.Hex(),
		"oracle":  status.Oracle.Hex(),
		"entries": status.Entries,
		"next_id": status.NextID,
		"output":  cfg.Output.Format,
	}).Info("登记簿已就绪")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		return gs.Shutdown()
	})
	return g.Wait()
}

// openStore 按配置打开快照存储
func openStore(cfg *config.StorageConfig, logger *logrus.Logger) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		logger.Warn("使用内存存储，重启后数据丢失")
		return store.NewMemoryStore(), nil
	default:
		st, err := store.NewBoltStore(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("打开存储失败: %w", err)
		}
		return st, nil
	}
}

// buildTransferer 启用链上转账时连接节点，否则使用记账式转账
func buildTransferer(ctx context.Context, cfg *config.ChainConfig, logger *logrus.Logger,
	gs *shutdown.GracefulShutdown, serverOpts *[]api.Option) (registry.Transferer, error) {
	if !cfg.Enabled {
		ledger := chain.NewLedgerTransferer(logger)
		*serverOpts = append(*serverOpts, api.WithStatsReporter("ledger", ledger))
		logger.Info("链上转账未启用，提款仅记账")
		return ledger, nil
	}

	key, err := chain.LoadPrivateKey(cfg.PrivateKeyEnv)
	if err != nil {
		return nil, err
	}

	pool := chain.NewNodePool(cfg.Nodes, chain.DialEthClient, logger)
	if err := pool.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("初始化节点连接池失败: %w", err)
	}

	poolCtx, cancelPool := context.WithCancel(ctx)
	pool.Start(poolCtx)
	gs.Register("node_pool", shutdown.OrderStopNodePool, func(context.Context) error {
		cancelPool()
		return nil
	})
	gs.Register("node_connections", shutdown.OrderCloseConnections, func(context.Context) error {
		return pool.Close()
	})
	*serverOpts = append(*serverOpts, api.WithStatsReporter("nodes", pool))

	transferer, err := chain.NewEthTransferer(pool, key, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.WithField("from", transferer.From().Hex()).Info("链上转账已启用")
	return transferer, nil
}
