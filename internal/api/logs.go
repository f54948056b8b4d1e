package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 保存最近日志的环形缓冲区
type LogManager struct {
	logs    []LogEntry
	next    int
	full    bool
	maxLogs int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志，超出容量时覆盖最旧的一条
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	lm.next = (lm.next + 1) % lm.maxLogs
	if lm.next == 0 {
		lm.full = true
	}
}

// LogFilter 日志过滤条件，空值表示不过滤
type LogFilter struct {
	Level   string
	EntryID string
}

func (f LogFilter) match(e LogEntry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.EntryID != "" {
		id, ok := e.Fields["entry_id"]
		if !ok {
			return false
		}
		switch v := id.(type) {
		case uint64:
			return strconv.FormatUint(v, 10) == f.EntryID
		case string:
			return v == f.EntryID
		default:
			return false
		}
	}
	return true
}

// GetLogsWithPagination 获取分页日志，最新的在前
func (lm *LogManager) GetLogsWithPagination(filter LogFilter, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	count := lm.next
	if lm.full {
		count = lm.maxLogs
	}

	matched := make([]LogEntry, 0)
	for i := 0; i < count; i++ {
		idx := (lm.next - 1 - i + lm.maxLogs) % lm.maxLogs
		if filter.match(lm.logs[idx]) {
			matched = append(matched, lm.logs[idx])
		}
	}

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// LogHook 把logrus日志写入LogManager
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 只收集info及以上级别
func (h *LogHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

// getLogs 获取最近日志
func (s *Server) getLogs(c *gin.Context) {
	page := 1 // 默认第1页
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}

	pageSize := 20 // 默认每页20条
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 && ps <= 200 {
		pageSize = ps
	}

	filter := LogFilter{
		Level:   c.Query("level"),
		EntryID: c.Query("entry_id"),
	}
	logs, total := s.logManager.GetLogsWithPagination(filter, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}
