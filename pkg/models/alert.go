package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RiskLevel 风险等级，按严重程度递增
type RiskLevel uint8

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
)

var riskLevelNames = map[RiskLevel]string{
	RiskNone:   "None",
	RiskLow:    "Low",
	RiskMedium: "Medium",
	RiskHigh:   "High",
}

// String 返回风险等级名称
func (r RiskLevel) String() string {
	if name, exists := riskLevelNames[r]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", r)
}

// Valid 是否为已定义的风险等级
func (r RiskLevel) Valid() bool {
	return r <= RiskHigh
}

// MarshalText 以名称形式序列化
func (r RiskLevel) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("无效的风险等级: %d", r)
	}
	return []byte(r.String()), nil
}

// UnmarshalText 从名称解析
func (r *RiskLevel) UnmarshalText(text []byte) error {
	level, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*r = level
	return nil
}

// ParseRiskLevel 解析风险等级名称（大小写不敏感）
func ParseRiskLevel(s string) (RiskLevel, error) {
	for level, name := range riskLevelNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return level, nil
		}
	}
	return RiskNone, fmt.Errorf("未知的风险等级: %q", s)
}

// Alert 预言机附加到记录上的风险告警，只追加不修改
type Alert struct {
	EntryID    uint64         `json:"entry_id"`
	Risk       RiskLevel      `json:"risk"`
	Confidence uint8          `json:"confidence"` // 约定0-100，登记时不校验
	Reason     string         `json:"reason"`
	Timestamp  time.Time      `json:"timestamp"`
	Reporter   common.Address `json:"reporter"`
}

// Clone 拷贝告警
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// ToKafkaMessage 转换为Kafka消息格式
func (a *Alert) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"entry_id":   a.EntryID,
		"risk":       a.Risk.String(),
		"confidence": a.Confidence,
		"reason":     a.Reason,
		"timestamp":  a.Timestamp.Unix(),
		"reporter":   a.Reporter.Hex(),
	}
}
