package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"tankwatch/internal/models"

	"go.uber.org/zap"
)

// AlertsRepository 告警记录仓库
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建告警记录仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

// AlertFilters 告警过滤条件
type AlertFilters struct {
	TankID    *string
	Type      *string
	Severity  *string
	Status    *string
	Statuses  []string
	StartTime *time.Time // created_at >= StartTime
	EndTime   *time.Time // created_at <= EndTime
}

const alertColumns = `
	alert_id,
	tank_id,
	type,
	severity,
	status,
	message,
	gas_level_at_alert,
	acknowledged_by,
	acknowledged_at,
	resolved_by,
	resolved_at,
	notes,
	created_at,
	updated_at
`

func scanAlert(row interface{ Scan(...interface{}) error }) (*models.Alert, error) {
	var alert models.Alert
	var acknowledgedBy, resolvedBy, notes sql.NullString
	var acknowledgedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&alert.AlertID,
		&alert.TankID,
		&alert.Type,
		&alert.Severity,
		&alert.Status,
		&alert.Message,
		&alert.GasLevelAtAlert,
		&acknowledgedBy,
		&acknowledgedAt,
		&resolvedBy,
		&resolvedAt,
		&notes,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if acknowledgedBy.Valid {
		alert.AcknowledgedBy = &acknowledgedBy.String
	}
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = &acknowledgedAt.Time
	}
	if resolvedBy.Valid {
		alert.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if notes.Valid {
		alert.Notes = &notes.String
	}

	return &alert, nil
}

// ============================================
// 基础 CRUD 操作
// ============================================

// GetActiveAlert 获取 (tank_id, type) 当前的 active 告警（去重检查用）
// 无匹配时返回 (nil, nil)
func (r *AlertsRepository) GetActiveAlert(ctx context.Context, tankID string, alertType models.AlertType) (*models.Alert, error) {
	if tankID == "" {
		return nil, fmt.Errorf("tank_id is required")
	}
	if alertType == "" {
		return nil, fmt.Errorf("type is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE tank_id = $1
		  AND type = $2
		  AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`, alertColumns)

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, tankID, alertType))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 当前没有 active 告警
		}
		return nil, fmt.Errorf("failed to query active alert: %w", err)
	}

	return alert, nil
}

// CreateAlert 创建告警记录
func (r *AlertsRepository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.TankID == "" {
		return fmt.Errorf("tank_id is required")
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			tank_id,
			type,
			severity,
			status,
			message,
			gas_level_at_alert,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.TankID,
		alert.Type,
		alert.Severity,
		alert.Status,
		alert.Message,
		alert.GasLevelAtAlert,
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// ============================================
// 查询操作
// ============================================

// ListAlerts 列表查询（支持多条件过滤、分页）
func (r *AlertsRepository) ListAlerts(ctx context.Context, filters AlertFilters, page, size int) ([]*models.Alert, int, error) {
	args := []interface{}{}
	argN := 1
	where := []string{}

	if filters.TankID != nil {
		where = append(where, fmt.Sprintf("tank_id = $%d", argN))
		args = append(args, *filters.TankID)
		argN++
	}
	if filters.Type != nil {
		where = append(where, fmt.Sprintf("type = $%d", argN))
		args = append(args, *filters.Type)
		argN++
	}
	if filters.Severity != nil {
		where = append(where, fmt.Sprintf("severity = $%d", argN))
		args = append(args, *filters.Severity)
		argN++
	}
	if filters.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, *filters.Status)
		argN++
	}
	if len(filters.Statuses) > 0 {
		placeholders := make([]string, len(filters.Statuses))
		for i := range filters.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", argN)
			args = append(args, filters.Statuses[i])
			argN++
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argN))
		args = append(args, *filters.StartTime)
		argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("created_at <= $%d", argN))
		args = append(args, *filters.EndTime)
		argN++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	// 计算总数
	queryCount := fmt.Sprintf(`SELECT COUNT(*) FROM alerts %s`, whereClause)

	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	// 分页处理
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, alertColumns, whereClause, argN, argN+1)

	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, total, nil
}

// GetActiveAlerts 获取 active 告警（可按储罐过滤）
func (r *AlertsRepository) GetActiveAlerts(ctx context.Context, tankID *string) ([]*models.Alert, error) {
	activeStatus := string(models.AlertStatusActive)
	filters := AlertFilters{Status: &activeStatus, TankID: tankID}

	alerts, _, err := r.ListAlerts(ctx, filters, 1, 1000)
	return alerts, err
}

// ============================================
// 状态管理（外部操作路径，核心需容忍并发变更）
// ============================================

// AcknowledgeAlert 确认告警
func (r *AlertsRepository) AcknowledgeAlert(ctx context.Context, alertID, userID string) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	query := `
		UPDATE alerts
		SET status = 'acknowledged',
		    acknowledged_by = $1,
		    acknowledged_at = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $3
		  AND status = 'active'
	`

	result, err := r.db.ExecContext(ctx, query, userID, time.Now(), alertID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found or not active: alert_id=%s", alertID)
	}

	return nil
}

// ResolveAlert 解决告警
func (r *AlertsRepository) ResolveAlert(ctx context.Context, alertID, userID string, notes *string) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	query := `
		UPDATE alerts
		SET status = 'resolved',
		    resolved_by = $1,
		    resolved_at = $2,
		    notes = COALESCE($3, notes),
		    updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $4
		  AND status IN ('active', 'acknowledged')
	`

	result, err := r.db.ExecContext(ctx, query, userID, time.Now(), notes, alertID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found or already resolved: alert_id=%s", alertID)
	}

	return nil
}
