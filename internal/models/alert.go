package models

import "time"

// AlertType 告警类型
type AlertType string

const (
	AlertTypeLowLevel      AlertType = "low_level"
	AlertTypeCriticalLevel AlertType = "critical_level"
)

// AlertSeverity 告警级别
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertStatus 告警状态
// active → acknowledged → resolved；同一 (tank_id, type) 任一时刻最多一条 active
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Alert 告警记录
type Alert struct {
	AlertID         string        `json:"alert_id"`
	TankID          string        `json:"tank_id"`
	Type            AlertType     `json:"type"`
	Severity        AlertSeverity `json:"severity"`
	Status          AlertStatus   `json:"status"`
	Message         string        `json:"message"`
	GasLevelAtAlert float64       `json:"gas_level_at_alert"`
	AcknowledgedBy  *string       `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedBy      *string       `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	Notes           *string       `json:"notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// AlertPayload 告警事件的分发载荷（WebSocket / MQTT 统一格式）
type AlertPayload struct {
	Type            AlertType `json:"type"`
	TankID          string    `json:"tankId"`
	LevelPercentage float64   `json:"levelPercentage"`
	Threshold       float64   `json:"threshold"`
	Timestamp       time.Time `json:"timestamp"`
	Message         string    `json:"message"`
}
