package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/watchdesk/watchdesk/app/relay/internal/metrics"
	"github.com/watchdesk/watchdesk/app/relay/internal/model"
	"github.com/watchdesk/watchdesk/pkg/database/postgres"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

// DeviceDAO 设备数据访问对象
type DeviceDAO struct {
	db      *postgres.Client
	logger  logger.Logger
	metrics *metrics.RelayMetrics
}

// NewDeviceDAO 创建设备 DAO
func NewDeviceDAO(db *postgres.Client, l logger.Logger, m *metrics.RelayMetrics) *DeviceDAO {
	return &DeviceDAO{
		db:      db,
		logger:  l.Named("dao.device"),
		metrics: m,
	}
}

// GetByAgentID 根据 agent_id 获取设备，不存在时返回 ErrNotFound
func (d *DeviceDAO) GetByAgentID(ctx context.Context, agentID string) (_ *model.Device, err error) {
	start := time.Now()
	defer func() {
		// 不存在不算存储故障
		ok := err == nil || errors.Is(err, ErrNotFound)
		d.metrics.RecordDBQuery("select", ok, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Select("id", "agent_id", "name", "screens", "last_seen_at", "created_at", "updated_at").
		From("devices").
		Where(squirrel.Eq{"agent_id": agentID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var device model.Device
	if err = d.db.QueryRow(ctx, query, args...).Scan(
		&device.ID,
		&device.AgentID,
		&device.Name,
		&device.Screens,
		&device.LastSeenAt,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		d.logger.Error("failed to get device by agent id",
			"agent_id", agentID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return &device, nil
}

// Upsert 创建或刷新设备（agent_id 冲突时更新名称）
func (d *DeviceDAO) Upsert(ctx context.Context, device *model.Device) (err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDBQuery("upsert", err == nil, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Insert("devices").
		Columns("agent_id", "name", "screens").
		Values(device.AgentID, device.Name, device.Screens).
		Suffix(`ON CONFLICT (agent_id) DO UPDATE SET
			name = EXCLUDED.name,
			updated_at = now()
		RETURNING id, created_at, updated_at`).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if err = d.db.QueryRow(ctx, query, args...).Scan(
		&device.ID,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		d.logger.Error("failed to upsert device",
			"agent_id", device.AgentID,
			"error", err,
		)
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	d.logger.Info("device registered",
		"device_id", device.ID,
		"agent_id", device.AgentID,
		"name", device.Name,
	)

	return nil
}

// UpdateScreens 更新设备屏幕数
func (d *DeviceDAO) UpdateScreens(ctx context.Context, agentID string, screens int16) (err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDBQuery("update", err == nil, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Update("devices").
		Set("screens", screens).
		Set("updated_at", time.Now()).
		Where(squirrel.Eq{"agent_id": agentID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err = d.db.Exec(ctx, query, args...); err != nil {
		d.logger.Error("failed to update screens",
			"agent_id", agentID,
			"screens", screens,
			"error", err,
		)
		return fmt.Errorf("failed to update screens: %w", err)
	}

	return nil
}

// UpdateLastSeen 刷新设备最近在线时间
func (d *DeviceDAO) UpdateLastSeen(ctx context.Context, agentID string) (err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDBQuery("update", err == nil, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Update("devices").
		Set("last_seen_at", time.Now()).
		Where(squirrel.Eq{"agent_id": agentID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err = d.db.Exec(ctx, query, args...); err != nil {
		d.logger.Error("failed to update last seen",
			"agent_id", agentID,
			"error", err,
		)
		return fmt.Errorf("failed to update last seen: %w", err)
	}

	return nil
}

// ClearLastSeen 清空设备最近在线时间（设备下线）
func (d *DeviceDAO) ClearLastSeen(ctx context.Context, agentID string) (err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDBQuery("update", err == nil, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Update("devices").
		Set("last_seen_at", nil).
		Where(squirrel.Eq{"agent_id": agentID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err = d.db.Exec(ctx, query, args...); err != nil {
		d.logger.Error("failed to clear last seen",
			"agent_id", agentID,
			"error", err,
		)
		return fmt.Errorf("failed to clear last seen: %w", err)
	}

	return nil
}
