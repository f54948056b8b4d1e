package api

import (
	stderrors "errors"
	"net/http"

	"txguard/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConfigManager 数据库配置管理接口，修改在下次启动时生效
type ConfigManager struct {
	dbConfig *config.DatabaseConfig
	logger   *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(dbConfig *config.DatabaseConfig, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		dbConfig: dbConfig,
		logger:   logger,
	}
}

// GetConfig 获取配置，带key参数时返回单项
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	configType := c.Param("type")
	key := c.Query("key")

	if key == "" {
		configs, err := cm.dbConfig.ListConfigs(configType)
		if err != nil {
			cm.fail(c, configType, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"config_type": configType,
			"configs":     configs,
		})
		return
	}

	value, err := cm.dbConfig.GetConfig(configType, key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "CONFIG_NOT_FOUND",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"config_type": configType,
		"key":         key,
		"value":       value,
	})
}

// UpdateConfig 更新配置
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	configType := c.Param("type")

	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_ARGUMENT",
			"message": err.Error(),
		})
		return
	}

	if err := cm.dbConfig.UpdateConfig(configType, req.Key, req.Value); err != nil {
		cm.fail(c, configType, err)
		return
	}

	cm.logger.WithFields(logrus.Fields{
		"config_type": configType,
		"key":         req.Key,
	}).Info("配置已更新，重启后生效")

	c.JSON(http.StatusOK, gin.H{
		"config_type": configType,
		"key":         req.Key,
		"value":       req.Value,
	})
}

// fail 未知配置类型返回400，其余按数据库错误返回500
func (cm *ConfigManager) fail(c *gin.Context, configType string, err error) {
	status := http.StatusInternalServerError
	if stderrors.Is(err, config.ErrUnknownConfigType) {
		status = http.StatusBadRequest
	}
	cm.logger.WithField("config_type", configType).Warnf("配置操作失败: %v", err)
	c.JSON(status, gin.H{
		"error":   "CONFIG_FAILED",
		"message": err.Error(),
	})
}
