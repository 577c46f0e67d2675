package models

import "time"

// TankStatus 储罐状态
type TankStatus string

const (
	TankStatusActive   TankStatus = "active"
	TankStatusInactive TankStatus = "inactive"
)

// TankType 储罐类型
// company: 公司主罐，只能通过供气/补给操作变更液位，不参与模拟
// client:  客户罐，由模拟器驱动消耗
type TankType string

const (
	TankTypeCompany TankType = "company"
	TankTypeClient  TankType = "client"
)

// SensorStatus 传感器状态
type SensorStatus string

const (
	SensorStatusActive   SensorStatus = "active"
	SensorStatusInactive SensorStatus = "inactive"
)

// Tank 储罐
// 液位字段只能由模拟器（消耗）或外部补给操作（充装）修改
type Tank struct {
	TankID                 string     `json:"tank_id"`
	Code                   string     `json:"code"`
	Type                   TankType   `json:"type"`
	Status                 TankStatus `json:"status"`
	CapacityLiters         float64    `json:"capacity_liters"`
	CurrentLevelLiters     float64    `json:"current_level_liters"`
	CurrentLevelPercentage float64    `json:"current_level_percentage"`
	Location               *string    `json:"location,omitempty"`
	ClientID               *string    `json:"client_id,omitempty"` // 仅 client 类型储罐有归属
	SensorID               *string    `json:"sensor_id,omitempty"`
	SensorStatus           *string    `json:"sensor_status,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Simulatable 是否可参与模拟（active 的 client 罐 + active 传感器）
func (t *Tank) Simulatable() bool {
	if t.Type != TankTypeClient || t.Status != TankStatusActive {
		return false
	}
	return t.SensorID != nil && t.SensorStatus != nil && SensorStatus(*t.SensorStatus) == SensorStatusActive
}

// HistoryPoint 监控历史点（每次读数追加一条）
type HistoryPoint struct {
	HistoryID          string    `json:"history_id"`
	TankID             string    `json:"tank_id"`
	GasLevelPercentage float64   `json:"gas_level_percentage"`
	GasLevelLiters     float64   `json:"gas_level_liters"`
	ConsumptionRate    float64   `json:"consumption_rate"` // 记录时的消耗速率（L/h）
	RecordedAt         time.Time `json:"recorded_at"`
}
