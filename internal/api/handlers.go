package api

import (
	stderrors "errors"
	"net/http"

	"txguard/internal/errors"
	"txguard/internal/validation"
	"txguard/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const callerKey = "caller"

// requireCaller 解析调用方地址，缺失或格式错误返回401
func (s *Server) requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(CallerHeader)
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "MISSING_CALLER",
				"message": "缺少调用方地址",
			})
			return
		}

		caller, err := validation.ParseAddress("caller", header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "INVALID_CALLER",
				"message": "调用方地址格式无效",
			})
			return
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

// requireOwner 仅允许owner访问
func (s *Server) requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if callerOf(c) != s.registry.Owner() {
			s.writeError(c, errors.ErrNotAuthorized.WithContext("caller", callerOf(c).Hex()))
			c.Abort()
			return
		}
		c.Next()
	}
}

func callerOf(c *gin.Context) common.Address {
	return c.MustGet(callerKey).(common.Address)
}

// statusFor 错误类型到HTTP状态码
func statusFor(err error) int {
	errorType, ok := errors.TypeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch errorType {
	case errors.ErrorTypeNotAuthorized:
		return http.StatusForbidden
	case errors.ErrorTypeInvalidArgument:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeAlreadyPaused, errors.ErrorTypeNotPaused, errors.ErrorTypeReentrant:
		return http.StatusConflict
	case errors.ErrorTypeTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError 输出错误响应
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)

	var regErr *errors.RegistryError
	if !stderrors.As(err, &regErr) {
		c.JSON(status, gin.H{"error": "INTERNAL_ERROR", "message": err.Error()})
		return
	}

	body := gin.H{
		"error":   regErr.Code,
		"type":    regErr.Type.String(),
		"message": regErr.Message,
	}
	if len(regErr.Context) > 0 {
		body["context"] = regErr.Context
	}
	c.JSON(status, body)
}

// bindJSON 解析请求体，失败时按参数错误返回
func (s *Server) bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		s.writeError(c, errors.ErrInvalidArgument.WithContext("reason", err.Error()))
		return false
	}
	return true
}

func (s *Server) entryID(c *gin.Context) (uint64, bool) {
	id, err := validation.ParseEntryID(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return 0, false
	}
	return id, true
}

type registerRequest struct {
	Target         string `json:"target" binding:"required"`
	Value          string `json:"value"`
	Payload        string `json:"payload" binding:"required"`
	GasPrice       string `json:"gas_price"`
	MaxSlippageBps uint32 `json:"max_slippage_bps"`
	Notes          string `json:"notes"`
}

// registerPendingTx 登记待提交交易
func (s *Server) registerPendingTx(c *gin.Context) {
	var req registerRequest
	if !s.bindJSON(c, &req) {
		return
	}

	target, err := validation.ParseAddress("target", req.Target)
	if err != nil {
		s.writeError(c, err)
		return
	}
	payload, err := validation.ParsePayload(req.Payload)
	if err != nil {
		s.writeError(c, err)
		return
	}
	value, err := validation.ParseAmount("value", req.Value)
	if err != nil {
		s.writeError(c, err)
		return
	}
	gasPrice, err := validation.ParseAmount("gas_price", req.GasPrice)
	if err != nil {
		s.writeError(c, err)
		return
	}

	id, err := s.registry.RegisterPendingTx(c.Request.Context(), callerOf(c), models.PendingTx{
		Target:         target,
		Value:          value,
		Payload:        payload,
		GasPrice:       gasPrice,
		MaxSlippageBps: req.MaxSlippageBps,
		Notes:          req.Notes,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// getEntry 查询记录
func (s *Server) getEntry(c *gin.Context) {
	id, ok := s.entryID(c)
	if !ok {
		return
	}

	entry, err := s.registry.GetEntry(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// decodeEntry 解码记录的交易数据
func (s *Server) decodeEntry(c *gin.Context) {
	id, ok := s.entryID(c)
	if !ok {
		return
	}

	entry, err := s.registry.GetEntry(id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	call, ok := s.decoder.Decode(c.Request.Context(), entry.Payload)
	if !ok {
		s.writeError(c, errors.ErrInvalidArgument.WithContext("entry_id", id).
			WithContext("reason", "交易数据不足4字节，无法识别函数选择器"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entry_id": id,
		"target":   entry.Target.Hex(),
		"call":     call,
	})
}

// getAlerts 查询告警，未知编号返回空列表
func (s *Server) getAlerts(c *gin.Context) {
	id, ok := s.entryID(c)
	if !ok {
		return
	}

	alerts := s.registry.GetAlerts(id)
	c.JSON(http.StatusOK, gin.H{
		"entry_id": id,
		"alerts":   alerts,
		"total":    len(alerts),
	})
}

// removePendingTx 管理员删除记录
func (s *Server) removePendingTx(c *gin.Context) {
	id, ok := s.entryID(c)
	if !ok {
		return
	}

	if err := s.registry.AdminRemovePendingTx(c.Request.Context(), callerOf(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "removed": true})
}

type alertRequest struct {
	Risk       string `json:"risk" binding:"required"`
	Confidence uint8  `json:"confidence"`
	Reason     string `json:"reason"`
}

// raiseAlert 预言机提交告警
func (s *Server) raiseAlert(c *gin.Context) {
	id, ok := s.entryID(c)
	if !ok {
		return
	}

	var req alertRequest
	if !s.bindJSON(c, &req) {
		return
	}
	risk, err := validation.ParseRisk(req.Risk)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := validation.ValidateReason(req.Reason); err != nil {
		s.writeError(c, err)
		return
	}

	accepted, err := s.registry.RaiseAlert(c.Request.Context(), callerOf(c), id, risk, req.Confidence, req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry_id": id, "accepted": accepted})
}

type protectRequest struct {
	Proof string `json:"proof"`
}

// markProtected 标记记录已受保护
func (s *Server) markProtected(c *gin.Context) {
	id, ok := s.entryID(c)
	if !ok {
		return
	}

	var req protectRequest
	if !s.bindJSON(c, &req) {
		return
	}

	if err := s.registry.MarkProtected(c.Request.Context(), callerOf(c), id, req.Proof); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "protected": true})
}

type amountRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount" binding:"required"`
}

// deposit 存入资金
func (s *Server) deposit(c *gin.Context) {
	var req amountRequest
	if !s.bindJSON(c, &req) {
		return
	}
	amount, err := validation.ParseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.registry.Deposit(c.Request.Context(), callerOf(c), amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": s.registry.Balance().String()})
}

// withdraw 管理员提取资金
func (s *Server) withdraw(c *gin.Context) {
	var req amountRequest
	if !s.bindJSON(c, &req) {
		return
	}
	to, err := validation.ParseNonZeroAddress("to", req.To)
	if err != nil {
		s.writeError(c, err)
		return
	}
	amount, err := validation.ParseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.registry.Withdraw(c.Request.Context(), callerOf(c), to, amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"to":      to.Hex(),
		"amount":  amount.String(),
		"balance": s.registry.Balance().String(),
	})
}

// pause 暂停登记簿
func (s *Server) pause(c *gin.Context) {
	if err := s.registry.Pause(c.Request.Context(), callerOf(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// unpause 恢复登记簿
func (s *Server) unpause(c *gin.Context) {
	if err := s.registry.Unpause(c.Request.Context(), callerOf(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

type addressRequest struct {
	Address string `json:"address" binding:"required"`
}

// setOracle 更换预言机
func (s *Server) setOracle(c *gin.Context) {
	var req addressRequest
	if !s.bindJSON(c, &req) {
		return
	}
	addr, err := validation.ParseNonZeroAddress("address", req.Address)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.registry.SetOracle(c.Request.Context(), callerOf(c), addr); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"oracle": addr.Hex()})
}

// transferOwnership 转移owner
func (s *Server) transferOwnership(c *gin.Context) {
	var req addressRequest
	if !s.bindJSON(c, &req) {
		return
	}
	addr, err := validation.ParseNonZeroAddress("address", req.Address)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.registry.TransferOwnership(c.Request.Context(), callerOf(c), addr); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": addr.Hex()})
}

// clearErrorStats owner清空错误统计
func (s *Server) clearErrorStats(c *gin.Context) {
	s.registry.ClearErrorStats()
	s.logger.WithField("caller", callerOf(c).Hex()).Info("错误统计已清空")
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
