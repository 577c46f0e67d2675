package models

import "time"

// SensorReading 传感器读数（临时值对象，不单独持久化，历史另行追加）
type SensorReading struct {
	TankID          string    `json:"tankId"`
	SensorID        string    `json:"sensorId"`
	LevelPercentage float64   `json:"levelPercentage"`
	LevelLiters     float64   `json:"levelLiters"`
	Timestamp       time.Time `json:"timestamp"`
}

// SimulationEvent 模拟生命周期事件（启动/停止）
type SimulationEvent struct {
	TankID          string    `json:"tankId"`
	ConsumptionRate float64   `json:"consumptionRate,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
