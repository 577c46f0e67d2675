package repository

import (
	"context"
	"database/sql"
	"fmt"

	"tankwatch/internal/models"

	"go.uber.org/zap"
)

// TanksRepository 储罐仓库
// 储罐行的并发写由数据库行级锁串行化（外部契约），本层不做额外加锁
type TanksRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTanksRepository 创建储罐仓库
func NewTanksRepository(db *sql.DB, logger *zap.Logger) *TanksRepository {
	return &TanksRepository{
		db:     db,
		logger: logger,
	}
}

const tankColumns = `
	t.tank_id,
	t.code,
	t.type,
	t.status,
	t.capacity_liters,
	t.current_level_liters,
	t.current_level_percentage,
	t.location,
	t.client_id,
	s.sensor_id,
	s.status,
	t.created_at,
	t.updated_at
`

func scanTank(row interface{ Scan(...interface{}) error }) (*models.Tank, error) {
	var tank models.Tank
	var location, clientID, sensorID, sensorStatus sql.NullString

	err := row.Scan(
		&tank.TankID,
		&tank.Code,
		&tank.Type,
		&tank.Status,
		&tank.CapacityLiters,
		&tank.CurrentLevelLiters,
		&tank.CurrentLevelPercentage,
		&location,
		&clientID,
		&sensorID,
		&sensorStatus,
		&tank.CreatedAt,
		&tank.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if location.Valid {
		tank.Location = &location.String
	}
	if clientID.Valid {
		tank.ClientID = &clientID.String
	}
	if sensorID.Valid {
		tank.SensorID = &sensorID.String
	}
	if sensorStatus.Valid {
		tank.SensorStatus = &sensorStatus.String
	}

	return &tank, nil
}

// GetTank 根据 tank_id 获取储罐（含传感器状态）
func (r *TanksRepository) GetTank(ctx context.Context, tankID string) (*models.Tank, error) {
	if tankID == "" {
		return nil, fmt.Errorf("tank_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM tanks t
		LEFT JOIN sensors s ON s.tank_id = t.tank_id
		WHERE t.tank_id = $1
	`, tankColumns)

	tank, err := scanTank(r.db.QueryRowContext(ctx, query, tankID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 储罐不存在
		}
		return nil, fmt.Errorf("failed to get tank: %w", err)
	}

	return tank, nil
}

// ListSimulatableTanks 获取所有可参与模拟的储罐
// 条件：active 状态 + client 类型 + active 传感器
func (r *TanksRepository) ListSimulatableTanks(ctx context.Context) ([]*models.Tank, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM tanks t
		JOIN sensors s ON s.tank_id = t.tank_id
		WHERE t.status = 'active'
		  AND t.type = 'client'
		  AND s.status = 'active'
		ORDER BY t.code
	`, tankColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query simulatable tanks: %w", err)
	}
	defer rows.Close()

	tanks := []*models.Tank{}
	for rows.Next() {
		tank, err := scanTank(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tank: %w", err)
		}
		tanks = append(tanks, tank)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tanks: %w", err)
	}

	return tanks, nil
}

// UpdateGasLevel 更新储罐液位（升 + 百分比一并写入，百分比不独立重算）
func (r *TanksRepository) UpdateGasLevel(ctx context.Context, tankID string, liters, percentage float64) error {
	if tankID == "" {
		return fmt.Errorf("tank_id is required")
	}

	query := `
		UPDATE tanks
		SET current_level_liters = $1,
		    current_level_percentage = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE tank_id = $3
	`

	result, err := r.db.ExecContext(ctx, query, liters, percentage, tankID)
	if err != nil {
		return fmt.Errorf("failed to update gas level: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("tank not found: tank_id=%s", tankID)
	}

	return nil
}

// AppendHistory 追加监控历史点
func (r *TanksRepository) AppendHistory(ctx context.Context, point *models.HistoryPoint) error {
	if point == nil {
		return fmt.Errorf("history point is required")
	}
	if point.TankID == "" {
		return fmt.Errorf("tank_id is required")
	}

	query := `
		INSERT INTO monitoring_history (
			history_id,
			tank_id,
			gas_level_percentage,
			gas_level_liters,
			consumption_rate,
			recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		point.HistoryID,
		point.TankID,
		point.GasLevelPercentage,
		point.GasLevelLiters,
		point.ConsumptionRate,
		point.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append monitoring history: %w", err)
	}

	return nil
}
