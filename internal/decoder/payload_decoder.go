package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"txguard/internal/config"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// 签名来源
const (
	SourceBuiltin  = "builtin"
	SourceFourByte = "4byte"
	SourceUnknown  = "unknown"
)

// 常见的代币与DEX方法，抢跑检测最关心这些调用
var builtinSignatures = []string{
	"transfer(address,uint256)",
	"approve(address,uint256)",
	"transferFrom(address,address,uint256)",
	"swapExactTokensForTokens(uint256,uint256,address[],address,uint256)",
	"swapTokensForExactTokens(uint256,uint256,address[],address,uint256)",
	"swapExactETHForTokens(uint256,address[],address,uint256)",
	"swapETHForExactTokens(uint256,address[],address,uint256)",
	"swapExactTokensForETH(uint256,uint256,address[],address,uint256)",
	"addLiquidity(address,address,uint256,uint256,uint256,uint256,address,uint256)",
	"removeLiquidity(address,address,uint256,uint256,uint256,address,uint256)",
	"deposit()",
	"withdraw(uint256)",
}

// DecodedCall 交易数据的解码结果
type DecodedCall struct {
	Selector  string   `json:"selector"`
	Signature string   `json:"signature,omitempty"`
	Args      []string `json:"args,omitempty"`
	Source    string   `json:"source"`
}

// FourByteResponse 4byte.directory API响应
type FourByteResponse struct {
	Count   int         `json:"count"`
	Results []signature `json:"results"`
}

type signature struct {
	ID            int    `json:"id"`
	TextSignature string `json:"text_signature"`
	HexSignature  string `json:"hex_signature"`
}

// PayloadDecoder 按函数选择器解码交易数据
type PayloadDecoder struct {
	logger  *logrus.Logger
	config  *config.DecoderConfig
	client  *http.Client
	builtin map[string]string // 选择器到签名

	mu    sync.RWMutex
	cache map[string]string // 4byte查询结果，空字符串表示查无结果
}

// NewPayloadDecoder 创建解码器
func NewPayloadDecoder(cfg *config.DecoderConfig, logger *logrus.Logger) *PayloadDecoder {
	if cfg == nil {
		cfg = config.GetDefaultConfig().Decoder
	}

	timeout, err := time.ParseDuration(cfg.APITimeout)
	if err != nil {
		timeout = 5 * time.Second
		logger.Warnf("解析API超时时间失败，使用默认值5s: %v", err)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}

	builtin := make(map[string]string, len(builtinSignatures))
	for _, sig := range builtinSignatures {
		builtin[Selector(sig)] = sig
	}

	return &PayloadDecoder{
		logger:  logger,
		config:  cfg,
		client:  &http.Client{Timeout: timeout},
		builtin: builtin,
		cache:   make(map[string]string),
	}
}

// Selector 计算函数签名的4字节选择器
func Selector(sig string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(sig))[:4])
}

// Decode 解码交易数据，不足4字节时返回false
func (d *PayloadDecoder) Decode(ctx context.Context, payload []byte) (*DecodedCall, bool) {
	if len(payload) < 4 {
		return nil, false
	}

	selector := hexutil.Encode(payload[:4])
	call := &DecodedCall{Selector: selector, Source: SourceUnknown}

	sig, source := d.lookup(ctx, selector)
	if sig != "" {
		call.Signature = sig
		call.Source = source
		args, err := unpackArgs(sig, payload[4:])
		if err == nil {
			call.Args = args
			return call, true
		}
		d.logger.Debugf("按签名 %s 解码参数失败: %v", sig, err)
	}

	call.Args = rawWords(payload[4:])
	return call, true
}

// lookup 先查内置签名，再查缓存和4byte.directory
func (d *PayloadDecoder) lookup(ctx context.Context, selector string) (string, string) {
	if sig, ok := d.builtin[selector]; ok {
		return sig, SourceBuiltin
	}
	if !d.config.EnableAPI {
		return "", ""
	}

	d.mu.RLock()
	sig, cached := d.cache[selector]
	d.mu.RUnlock()
	if !cached {
		var err error
		sig, err = d.fetchFromFourByteDirectory(ctx, selector)
		if err != nil {
			// 请求失败不缓存，下次重试
			d.logger.Debugf("4byte.directory查询失败: %v", err)
			return "", ""
		}
		d.store(selector, sig)
	}

	if sig == "" {
		return "", ""
	}
	return sig, SourceFourByte
}

func (d *PayloadDecoder) store(selector, sig string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.cache) >= d.config.CacheSize {
		d.evictCache()
	}
	d.cache[selector] = sig
}

// fetchFromFourByteDirectory 从4byte.directory获取方法签名，查无结果返回空字符串
func (d *PayloadDecoder) fetchFromFourByteDirectory(ctx context.Context, selector string) (string, error) {
	url := fmt.Sprintf("%s?hex_signature=%s", d.config.FourByteAPIURL, selector)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("4byte.directory返回错误状态: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("读取响应失败: %w", err)
	}

	var response FourByteResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("解析响应失败: %w", err)
	}

	// 同一选择器可能对应多个签名，取最早登记的一个
	best := ""
	bestID := 0
	for _, r := range response.Results {
		if best == "" || r.ID < bestID {
			best, bestID = r.TextSignature, r.ID
		}
	}
	return best, nil
}

// evictCache 清理一半缓存
func (d *PayloadDecoder) evictCache() {
	target := d.config.CacheSize / 2
	for key := range d.cache {
		if len(d.cache) <= target {
			break
		}
		delete(d.cache, key)
	}
	d.logger.Debugf("缓存清理完成，剩余 %d 项", len(d.cache))
}

// GetStats 获取解码器统计
func (d *PayloadDecoder) GetStats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return map[string]interface{}{
		"builtin_signatures": len(d.builtin),
		"cached_signatures":  len(d.cache),
		"api_enabled":        d.config.EnableAPI,
	}
}

// unpackArgs 按签名中的参数类型解码，不支持tuple
func unpackArgs(sig string, data []byte) ([]string, error) {
	open := strings.IndexByte(sig, '(')
	if open < 0 || !strings.HasSuffix(sig, ")") {
		return nil, fmt.Errorf("签名格式无效: %s", sig)
	}
	inner := sig[open+1 : len(sig)-1]
	if strings.ContainsAny(inner, "()") {
		return nil, fmt.Errorf("不支持tuple参数: %s", sig)
	}

	var args abi.Arguments
	if inner != "" {
		for _, t := range strings.Split(inner, ",") {
			typ, err := abi.NewType(strings.TrimSpace(t), "", nil)
			if err != nil {
				return nil, err
			}
			args = append(args, abi.Argument{Type: typ})
		}
	}

	values, err := args.Unpack(data)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, formatValue(v))
	}
	return out, nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case common.Address:
		return val.Hex()
	case *big.Int:
		return val.String()
	case []common.Address:
		parts := make([]string, len(val))
		for i, a := range val {
			parts[i] = a.Hex()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []byte:
		return hexutil.Encode(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// rawWords 按32字节切分参数，最多10个
func rawWords(data []byte) []string {
	words := make([]string, 0)
	for i := 0; i+32 <= len(data) && len(words) < 10; i += 32 {
		words = append(words, hexutil.Encode(data[i:i+32]))
	}
	return words
}
