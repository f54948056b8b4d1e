package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 访问控制
	ErrorTypeNotAuthorized ErrorType = iota

	// 参数与状态前置条件
	ErrorTypeInvalidArgument
	ErrorTypeNotFound
	ErrorTypeAlreadyPaused
	ErrorTypeNotPaused
	ErrorTypeReentrant

	// 外部转账
	ErrorTypeTransferFailed

	// 系统相关错误
	ErrorTypeInvalidConfig
	ErrorTypeStorage
	ErrorTypePublish
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// RegistryError 登记簿错误类型
type RegistryError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Operation string                 `json:"operation,omitempty"`
}

// Error 实现error接口
func (e *RegistryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *RegistryError) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较，使预定义错误的副本也能被errors.Is识别
func (e *RegistryError) Is(target error) bool {
	t, ok := target.(*RegistryError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// clone 复制错误，预定义错误不会被修改
func (e *RegistryError) clone() *RegistryError {
	c := *e
	c.Timestamp = time.Now()
	if e.Context != nil {
		c.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// WithContext 返回附加了上下文信息的副本
func (e *RegistryError) WithContext(key string, value interface{}) *RegistryError {
	c := e.clone()
	if c.Context == nil {
		c.Context = make(map[string]interface{})
	}
	c.Context[key] = value
	return c
}

// WithOperation 返回标注了操作名的副本
func (e *RegistryError) WithOperation(op string) *RegistryError {
	c := e.clone()
	c.Operation = op
	return c
}

// Wrap 返回以err为原因的副本
func (e *RegistryError) Wrap(err error) *RegistryError {
	c := e.clone()
	c.Cause = err
	return c
}

// NewRegistryError 创建新的错误
func NewRegistryError(errorType ErrorType, severity ErrorSeverity, code, message string) *RegistryError {
	return &RegistryError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *RegistryError {
	e := NewRegistryError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// TypeOf 取出错误链中的RegistryError类型
func TypeOf(err error) (ErrorType, bool) {
	var re *RegistryError
	if stderrors.As(err, &re) {
		return re.Type, true
	}
	return 0, false
}

// IsType 判断错误链中是否包含指定类型的RegistryError
func IsType(err error, errorType ErrorType) bool {
	t, ok := TypeOf(err)
	return ok && t == errorType
}

// 预定义错误
var (
	ErrNotAuthorized = NewRegistryError(
		ErrorTypeNotAuthorized,
		SeverityMedium,
		"NOT_AUTHORIZED",
		"调用方无权执行该操作",
	)

	ErrInvalidArgument = NewRegistryError(
		ErrorTypeInvalidArgument,
		SeverityLow,
		"INVALID_ARGUMENT",
		"参数无效",
	)

	ErrEmptyPayload = NewRegistryError(
		ErrorTypeInvalidArgument,
		SeverityLow,
		"EMPTY_PAYLOAD",
		"交易数据不能为空",
	)

	ErrZeroAddress = NewRegistryError(
		ErrorTypeInvalidArgument,
		SeverityLow,
		"ZERO_ADDRESS",
		"地址不能为零地址",
	)

	ErrNotFound = NewRegistryError(
		ErrorTypeNotFound,
		SeverityLow,
		"NOT_FOUND",
		"记录不存在",
	)

	ErrAlreadyPaused = NewRegistryError(
		ErrorTypeAlreadyPaused,
		SeverityLow,
		"ALREADY_PAUSED",
		"登记簿已暂停",
	)

	ErrEnforcedPause = NewRegistryError(
		ErrorTypeAlreadyPaused,
		SeverityLow,
		"ENFORCED_PAUSE",
		"登记簿暂停中，操作被拒绝",
	)

	ErrNotPaused = NewRegistryError(
		ErrorTypeNotPaused,
		SeverityLow,
		"NOT_PAUSED",
		"登记簿未暂停",
	)

	ErrReentrant = NewRegistryError(
		ErrorTypeReentrant,
		SeverityHigh,
		"REENTRANT_CALL",
		"检测到重入调用",
	)

	ErrTransferFailed = NewRegistryError(
		ErrorTypeTransferFailed,
		SeverityHigh,
		"TRANSFER_FAILED",
		"转账失败",
	)

	ErrInsufficientBalance = NewRegistryError(
		ErrorTypeTransferFailed,
		SeverityMedium,
		"INSUFFICIENT_BALANCE",
		"余额不足",
	)

	ErrInvalidConfig = NewRegistryError(
		ErrorTypeInvalidConfig,
		SeverityCritical,
		"INVALID_CONFIG",
		"配置无效",
	)

	ErrStorageFailed = NewRegistryError(
		ErrorTypeStorage,
		SeverityCritical,
		"STORAGE_FAILED",
		"持久化失败",
	)

	ErrPublishFailed = NewRegistryError(
		ErrorTypePublish,
		SeverityMedium,
		"PUBLISH_FAILED",
		"审计事件发布失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeNotAuthorized:   "NotAuthorized",
	ErrorTypeInvalidArgument: "InvalidArgument",
	ErrorTypeNotFound:        "NotFound",
	ErrorTypeAlreadyPaused:   "AlreadyPaused",
	ErrorTypeNotPaused:       "NotPaused",
	ErrorTypeReentrant:       "Reentrant",
	ErrorTypeTransferFailed:  "TransferFailed",
	ErrorTypeInvalidConfig:   "InvalidConfig",
	ErrorTypeStorage:         "Storage",
	ErrorTypePublish:         "Publish",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int              `json:"total_errors"`
	ErrorsByType      map[string]int   `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int   `json:"errors_by_severity"`
	ErrorsByOperation map[string]int   `json:"errors_by_operation"`
	RecentErrors      []*RegistryError `json:"recent_errors"`
	LastError         *RegistryError   `json:"last_error"`
	LastErrorTime     time.Time        `json:"last_error_time"`
	maxRecent         int
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByOperation: make(map[string]int),
		RecentErrors:      make([]*RegistryError, 0),
		maxRecent:         100,
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *RegistryError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	if err.Operation != "" {
		es.ErrorsByOperation[err.Operation]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > es.maxRecent {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}
