package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"txguard/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/txguard.db"

	// 存储桶名称
	MetaBucket    = "meta"
	EntriesBucket = "entries"
	AlertsBucket  = "alerts"
	EventsBucket  = "events"

	// 全局状态键
	StateKey = "state"
)

// BoltStore 基于BoltDB的登记簿存储
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.Mutex
}

// NewBoltStore 打开（或创建）登记簿数据库
func NewBoltStore(dbPath string, logger *logrus.Logger) (*BoltStore, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开登记簿数据库失败: %w", err)
	}

	s := &BoltStore{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("登记簿存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

// initDB 初始化数据库结构
func (s *BoltStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{MetaBucket, EntriesBucket, AlertsBucket, EventsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// Load 读取完整快照；数据库为空时返回nil
func (s *BoltStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(MetaBucket)).Get([]byte(StateKey))
		if data == nil {
			return nil
		}

		snap = &Snapshot{
			State:   &State{},
			Entries: make(map[uint64]*models.Entry),
			Alerts:  make(map[uint64][]*models.Alert),
		}
		if err := json.Unmarshal(data, snap.State); err != nil {
			return fmt.Errorf("解析全局状态失败: %w", err)
		}

		// 加载记录
		err := tx.Bucket([]byte(EntriesBucket)).ForEach(func(k, v []byte) error {
			var entry models.Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("解析记录 %d 失败: %w", decodeKey(k), err)
			}
			snap.Entries[entry.ID] = &entry
			return nil
		})
		if err != nil {
			return err
		}

		// 加载告警，每个记录一个子桶，按序号顺序遍历即插入顺序
		alerts := tx.Bucket([]byte(AlertsBucket))
		return alerts.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			entryID := decodeKey(k)
			return alerts.Bucket(k).ForEach(func(_, av []byte) error {
				var alert models.Alert
				if err := json.Unmarshal(av, &alert); err != nil {
					return fmt.Errorf("解析记录 %d 的告警失败: %w", entryID, err)
				}
				snap.Alerts[entryID] = append(snap.Alerts[entryID], &alert)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	if snap != nil {
		s.logger.Infof("已加载登记簿快照: %d 条记录, 下一个ID %d", len(snap.Entries), snap.State.NextID)
	}
	return snap, nil
}

// Commit 在单个事务中写入变更
func (s *BoltStore) Commit(m *Mutation) error {
	if m == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		if m.State != nil {
			data, err := json.Marshal(m.State)
			if err != nil {
				return fmt.Errorf("序列化全局状态失败: %w", err)
			}
			if err := tx.Bucket([]byte(MetaBucket)).Put([]byte(StateKey), data); err != nil {
				return fmt.Errorf("保存全局状态失败: %w", err)
			}
		}

		entries := tx.Bucket([]byte(EntriesBucket))
		if m.PutEntry != nil {
			data, err := json.Marshal(m.PutEntry)
			if err != nil {
				return fmt.Errorf("序列化记录失败: %w", err)
			}
			if err := entries.Put(encodeKey(m.PutEntry.ID), data); err != nil {
				return fmt.Errorf("保存记录失败: %w", err)
			}
		}
		if m.DeleteEntry != 0 {
			if err := entries.Delete(encodeKey(m.DeleteEntry)); err != nil {
				return fmt.Errorf("清除记录失败: %w", err)
			}
		}

		if m.Alert != nil {
			bucket, err := tx.Bucket([]byte(AlertsBucket)).CreateBucketIfNotExists(encodeKey(m.Alert.EntryID))
			if err != nil {
				return fmt.Errorf("创建告警存储桶失败: %w", err)
			}
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(m.Alert)
			if err != nil {
				return fmt.Errorf("序列化告警失败: %w", err)
			}
			if err := bucket.Put(encodeKey(seq), data); err != nil {
				return fmt.Errorf("保存告警失败: %w", err)
			}
		}

		events := tx.Bucket([]byte(EventsBucket))
		for _, event := range m.Events {
			data, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("序列化审计事件失败: %w", err)
			}
			if err := events.Put(encodeKey(event.Seq), data); err != nil {
				return fmt.Errorf("保存审计事件失败: %w", err)
			}
		}

		return nil
	})
}

// Events 按序号顺序读取全部审计事件
func (s *BoltStore) Events() ([]*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]*models.AuditEvent, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(EventsBucket)).ForEach(func(k, v []byte) error {
			var event models.AuditEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("解析审计事件 %d 失败: %w", decodeKey(k), err)
			}
			events = append(events, &event)
			return nil
		})
	})
	return events, err
}

// GetDBPath 获取数据库路径
func (s *BoltStore) GetDBPath() string {
	return s.dbPath
}

// Close 关闭存储
func (s *BoltStore) Close() error {
	if s.db != nil {
		s.logger.Info("关闭登记簿存储")
		return s.db.Close()
	}
	return nil
}

func encodeKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func decodeKey(key []byte) uint64 {
	if len(key) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}
