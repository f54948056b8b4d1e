package validation

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"txguard/internal/errors"
	"txguard/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MaxReasonLength 告警原因的最大长度
const MaxReasonLength = 1024

var payloadRegex = regexp.MustCompile("^0x([0-9a-fA-F]{2})*$")

// invalid 构造带字段信息的参数错误
func invalid(field, reason string) *errors.RegistryError {
	return errors.ErrInvalidArgument.WithContext("field", field).WithContext("reason", reason)
}

// ParseAddress 解析0x开头的以太坊地址，零地址也会返回，由调用方决定是否接受
func ParseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return common.Address{}, invalid(field, fmt.Sprintf("地址格式无效: %q", s))
	}
	return common.HexToAddress(s), nil
}

// ParseNonZeroAddress 解析地址并拒绝零地址
func ParseNonZeroAddress(field, s string) (common.Address, error) {
	addr, err := ParseAddress(field, s)
	if err != nil {
		return addr, err
	}
	if addr == (common.Address{}) {
		return addr, errors.ErrZeroAddress.WithContext("field", field)
	}
	return addr, nil
}

// ParsePayload 解析十六进制交易数据
func ParsePayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !payloadRegex.MatchString(s) {
		return nil, invalid("payload", "交易数据必须是0x开头的偶数长度十六进制")
	}
	payload, err := hexutil.Decode(s)
	if err != nil {
		return nil, invalid("payload", err.Error())
	}
	return payload, nil
}

// ParseAmount 解析非负十进制金额，空字符串视为0
func ParseAmount(field, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}

	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, invalid(field, fmt.Sprintf("金额必须是十进制整数: %q", s))
	}
	if amount.Sign() < 0 {
		return nil, invalid(field, "金额不能为负数")
	}
	return amount, nil
}

// ParseRisk 解析风险等级，支持名称和数字
func ParseRisk(s string) (models.RiskLevel, error) {
	if n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8); err == nil {
		level := models.RiskLevel(n)
		if !level.Valid() {
			return 0, invalid("risk", fmt.Sprintf("未知的风险等级: %d", n))
		}
		return level, nil
	}

	level, err := models.ParseRiskLevel(s)
	if err != nil {
		return 0, invalid("risk", err.Error())
	}
	return level, nil
}

// ParseEntryID 解析记录编号
//
// 只检查格式，记录是否存在由登记簿判断，0同样作为未知编号处理。
func ParseEntryID(s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, invalid("id", fmt.Sprintf("记录编号无效: %q", s))
	}
	return id, nil
}

// ValidateReason 检查告警原因长度
func ValidateReason(reason string) error {
	if len(reason) > MaxReasonLength {
		return invalid("reason", fmt.Sprintf("原因长度不能超过 %d 字节", MaxReasonLength))
	}
	return nil
}
