package main

import (
	"encoding/json"
	"fmt"
	"os"

	"txguard/internal/errors"
	"txguard/internal/store"
	"txguard/internal/validation"
	"txguard/pkg/models"

	"github.com/spf13/cobra"
)

// 离线查询命令直接读取bbolt快照，服务运行时数据库被锁定，需先停止服务

func newEntryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entry <id>",
		Short: "查看登记记录",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseEntryID(args[0])
			if err != nil {
				return err
			}
			return withSnapshot(func(snap *store.Snapshot, _ *store.BoltStore) error {
				entry, ok := snap.Entries[id]
				if !ok || !entry.Exists() {
					return errors.ErrNotFound.WithContext("entry_id", id)
				}
				return printJSON(entry)
			})
		},
	}
}

func newAlertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts <id>",
		Short: "查看记录的告警",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseEntryID(args[0])
			if err != nil {
				return err
			}
			return withSnapshot(func(snap *store.Snapshot, _ *store.BoltStore) error {
				alerts := snap.Alerts[id]
				if alerts == nil {
					alerts = []*models.Alert{}
				}
				return printJSON(map[string]interface{}{
					"entry_id": id,
					"alerts":   alerts,
					"total":    len(alerts),
				})
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "查看登记簿状态",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSnapshot(func(snap *store.Snapshot, st *store.BoltStore) error {
				alerted := 0
				for _, alerts := range snap.Alerts {
					if len(alerts) > 0 {
						alerted++
					}
				}
				return printJSON(map[string]interface{}{
					"db_path":         st.GetDBPath(),
					"owner":           snap.State.Owner.Hex(),
					"oracle":          snap.State.Oracle.Hex(),
					"paused":          snap.State.Paused,
					"next_id":         snap.State.NextID,
					"event_seq":       snap.State.EventSeq,
					"balance":         snap.State.Balance.String(),
					"entries":         len(snap.Entries),
					"alerted_entries": alerted,
				})
			})
		},
	}
}

func newEventsCmd() *cobra.Command {
	var since uint64

	cmd := &cobra.Command{
		Use:   "events",
		Short: "查看审计事件",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSnapshot(func(_ *store.Snapshot, st *store.BoltStore) error {
				events, err := st.Events()
				if err != nil {
					return err
				}

				enc := json.NewEncoder(os.Stdout)
				for _, ev := range events {
					if ev.Seq <= since {
						continue
					}
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "只显示序号大于该值的事件")
	return cmd
}

// withSnapshot 打开bbolt存储并读取快照
func withSnapshot(fn func(snap *store.Snapshot, st *store.BoltStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Type == "memory" {
		return fmt.Errorf("内存存储没有可查询的快照")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	st, err := store.NewBoltStore(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("打开存储失败（服务是否仍在运行？）: %w", err)
	}
	defer st.Close()

	snap, err := st.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("存储 %s 中没有快照", st.GetDBPath())
	}
	return fn(snap, st)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
