package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/watchdesk/watchdesk/app/relay/internal/metrics"
	"github.com/watchdesk/watchdesk/app/relay/internal/model"
	"github.com/watchdesk/watchdesk/pkg/database/postgres"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

// ConnectivitySessionDAO 采集端会话数据访问对象
type ConnectivitySessionDAO struct {
	db      *postgres.Client
	logger  logger.Logger
	metrics *metrics.RelayMetrics
}

// NewConnectivitySessionDAO 创建采集端会话 DAO
func NewConnectivitySessionDAO(db *postgres.Client, l logger.Logger, m *metrics.RelayMetrics) *ConnectivitySessionDAO {
	return &ConnectivitySessionDAO{
		db:      db,
		logger:  l.Named("dao.connectivity_session"),
		metrics: m,
	}
}

// Open 记录会话开始
func (d *ConnectivitySessionDAO) Open(ctx context.Context, session *model.ConnectivitySession) (err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDBQuery("insert", err == nil, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Insert("connectivity_sessions").
		Columns("device_id", "agent_id", "remote_addr", "connected_at").
		Values(session.DeviceID, session.AgentID, session.RemoteAddr, session.ConnectedAt).
		Suffix("RETURNING id").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if err = d.db.QueryRow(ctx, query, args...).Scan(&session.ID); err != nil {
		d.logger.Error("failed to open connectivity session",
			"agent_id", session.AgentID,
			"error", err,
		)
		return fmt.Errorf("failed to open connectivity session: %w", err)
	}

	d.logger.Debug("connectivity session opened",
		"session_id", session.ID,
		"agent_id", session.AgentID,
	)

	return nil
}

// Close 记录会话结束与关闭原因
func (d *ConnectivitySessionDAO) Close(ctx context.Context, sessionID int64, reason string) (err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDBQuery("update", err == nil, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Update("connectivity_sessions").
		Set("disconnected_at", time.Now()).
		Set("close_reason", reason).
		Where(squirrel.Eq{"id": sessionID}).
		Where(squirrel.Eq{"disconnected_at": nil}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err = d.db.Exec(ctx, query, args...); err != nil {
		d.logger.Error("failed to close connectivity session",
			"session_id", sessionID,
			"reason", reason,
			"error", err,
		)
		return fmt.Errorf("failed to close connectivity session: %w", err)
	}

	return nil
}

// CloseAllOpen 关闭所有未结束的会话（中继重启后的补账）
func (d *ConnectivitySessionDAO) CloseAllOpen(ctx context.Context, reason string) (_ int64, err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDBQuery("update", err == nil, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Update("connectivity_sessions").
		Set("disconnected_at", time.Now()).
		Set("close_reason", reason).
		Where(squirrel.Eq{"disconnected_at": nil}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		d.logger.Error("failed to close open connectivity sessions",
			"error", err,
		)
		return 0, fmt.Errorf("failed to close open connectivity sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}
