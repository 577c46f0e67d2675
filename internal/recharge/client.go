package recharge

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"tankwatch/internal/models"
)

// ScheduleRequest 自动补给调度请求
type ScheduleRequest struct {
	TankID                  string  `json:"tankId"`
	EstimatedQuantityLiters float64 `json:"estimatedQuantityLiters"`
	RequestedBy             string  `json:"requestedBy"`
	Notes                   string  `json:"notes"`
}

// ScheduleResponse 调度服务响应
// 已有待执行补给时服务端直接返回既有记录（服务端去重）
type ScheduleResponse struct {
	RechargeID    string `json:"rechargeId"`
	Status        string `json:"status"`
	ScheduledDate string `json:"scheduledDate"`
}

// Client 外部补给调度服务客户端
// 危急告警触发自动补给走此通道；失败只记日志，不回滚告警
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建补给调度客户端
func NewClient(baseURL string, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// ScheduleAutomatic 调度自动补给（预估补给量 = 容量 - 当前液位）
func (c *Client) ScheduleAutomatic(tank *models.Tank) (*ScheduleResponse, error) {
	if tank == nil {
		return nil, fmt.Errorf("tank is required")
	}

	request := ScheduleRequest{
		TankID:                  tank.TankID,
		EstimatedQuantityLiters: tank.CapacityLiters - tank.CurrentLevelLiters,
		RequestedBy:             "system",
		Notes:                   "Recarga automatica por nivel critico",
	}

	c.logger.Info("Calling recharge API: schedule automatic recharge",
		zap.String("tank_id", tank.TankID),
		zap.Float64("estimated_liters", request.EstimatedQuantityLiters),
	)

	var response ScheduleResponse
	resp, err := c.httpClient.R().
		SetBody(request).
		SetResult(&response).
		Post("/recharges/automatic")

	if err != nil {
		return nil, fmt.Errorf("recharge API call failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("recharge API returned status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("Automatic recharge scheduled",
		zap.String("tank_id", tank.TankID),
		zap.String("recharge_id", response.RechargeID),
		zap.String("scheduled_date", response.ScheduledDate),
	)

	return &response, nil
}
