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

// ViewerSessionDAO 观看端会话数据访问对象
type ViewerSessionDAO struct {
	db      *postgres.Client
	logger  logger.Logger
	metrics *metrics.RelayMetrics
}

// NewViewerSessionDAO 创建观看端会话 DAO
func NewViewerSessionDAO(db *postgres.Client, l logger.Logger, m *metrics.RelayMetrics) *ViewerSessionDAO {
	return &ViewerSessionDAO{
		db:      db,
		logger:  l.Named("dao.viewer_session"),
		metrics: m,
	}
}

// Open 记录观看会话开始
func (d *ViewerSessionDAO) Open(ctx context.Context, session *model.ViewerSession) (err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDBQuery("insert", err == nil, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Insert("viewer_sessions").
		Columns("agent_id", "viewer_id", "screen_index", "remote_addr", "started_at").
		Values(session.AgentID, session.ViewerID, session.ScreenIndex, session.RemoteAddr, session.StartedAt).
		Suffix("RETURNING id").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if err = d.db.QueryRow(ctx, query, args...).Scan(&session.ID); err != nil {
		d.logger.Error("failed to open viewer session",
			"agent_id", session.AgentID,
			"viewer_id", session.ViewerID,
			"error", err,
		)
		return fmt.Errorf("failed to open viewer session: %w", err)
	}

	d.logger.Debug("viewer session opened",
		"session_id", session.ID,
		"agent_id", session.AgentID,
		"viewer_id", session.ViewerID,
		"screen_index", session.ScreenIndex,
	)

	return nil
}

// Close 记录观看会话结束与关闭原因
func (d *ViewerSessionDAO) Close(ctx context.Context, sessionID int64, reason string) (err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDBQuery("update", err == nil, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Update("viewer_sessions").
		Set("ended_at", time.Now()).
		Set("close_reason", reason).
		Where(squirrel.Eq{"id": sessionID}).
		Where(squirrel.Eq{"ended_at": nil}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err = d.db.Exec(ctx, query, args...); err != nil {
		d.logger.Error("failed to close viewer session",
			"session_id", sessionID,
			"reason", reason,
			"error", err,
		)
		return fmt.Errorf("failed to close viewer session: %w", err)
	}

	return nil
}

// CloseAllOpen 关闭所有未结束的观看会话（中继重启后的补账）
func (d *ViewerSessionDAO) CloseAllOpen(ctx context.Context, reason string) (_ int64, err error) {
	start := time.Now()
	defer func() {
		d.metrics.RecordDBQuery("update", err == nil, time.Since(start).Seconds())
	}()

	query, args, err := squirrel.
		Update("viewer_sessions").
		Set("ended_at", time.Now()).
		Set("close_reason", reason).
		Where(squirrel.Eq{"ended_at": nil}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()

	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		d.logger.Error("failed to close open viewer sessions",
			"error", err,
		)
		return 0, fmt.Errorf("failed to close open viewer sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}
