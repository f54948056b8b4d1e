package errors

import (
	stderrors "errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器：统一记录日志并累计统计
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
		stats:  NewErrorStats(),
	}
}

// HandleError 处理错误，返回规范化后的RegistryError
func (eh *ErrorHandler) HandleError(operation string, err error) *RegistryError {
	if err == nil {
		return nil
	}

	var regErr *RegistryError
	if !stderrors.As(err, &regErr) {
		// 包装普通错误
		regErr = WrapError(err, ErrorTypeStorage, SeverityHigh, "UNKNOWN_ERROR", "未知错误")
	}
	if regErr.Operation == "" {
		regErr = regErr.WithOperation(operation)
	}

	eh.mu.Lock()
	eh.stats.RecordError(regErr)
	eh.mu.Unlock()

	eh.log(regErr)
	return regErr
}

// log 根据严重级别选择日志级别
func (eh *ErrorHandler) log(err *RegistryError) {
	entry := eh.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"operation":  err.Operation,
	})
	for k, v := range err.Context {
		entry = entry.WithField(k, v)
	}
	if err.Cause != nil {
		entry = entry.WithError(err.Cause)
	}

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
}

// GetStats 获取错误统计信息的副本
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := *eh.stats
	snapshot.ErrorsByType = copyCounts(eh.stats.ErrorsByType)
	snapshot.ErrorsBySeverity = copyCounts(eh.stats.ErrorsBySeverity)
	snapshot.ErrorsByOperation = copyCounts(eh.stats.ErrorsByOperation)
	snapshot.RecentErrors = append([]*RegistryError(nil), eh.stats.RecentErrors...)
	return snapshot
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

func copyCounts(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
