package dao

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watchdesk/watchdesk/app/relay/internal/metrics"
	"github.com/watchdesk/watchdesk/app/relay/internal/model"
	"github.com/watchdesk/watchdesk/pkg/database/postgres"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

// unreachableClient 指向无服务端口的客户端，任何查询都会失败
func unreachableClient(t *testing.T) *postgres.Client {
	t.Helper()

	pool, err := pgxpool.New(context.Background(),
		"host=127.0.0.1 port=1 user=relay password=relay dbname=relay sslmode=disable connect_timeout=1")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	client, err := postgres.NewFromPool(pool, nil)
	require.NoError(t, err)
	return client
}

func queryCount(t *testing.T, m *metrics.RelayMetrics, operation, result string) float64 {
	t.Helper()
	return testutil.ToFloat64(m.DBQueryTotal.WithLabelValues(operation, result))
}

func TestFailedQueryRecordedAsFailed(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)
	d := NewDeviceDAO(unreachableClient(t), logger.Nop(), m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.Error(t, d.UpdateLastSeen(ctx, "dev-1"))

	assert.Equal(t, float64(1), queryCount(t, m, "update", "failed"))
	assert.Equal(t, float64(0), queryCount(t, m, "update", "success"))
}

func TestFailedSessionWritesRecordedAsFailed(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)
	client := unreachableClient(t)
	connDAO := NewConnectivitySessionDAO(client, logger.Nop(), m)
	viewDAO := NewViewerSessionDAO(client, logger.Nop(), m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.Error(t, connDAO.Open(ctx, model.NewConnectivitySession(1, "dev-1", "10.0.0.1:5000")))
	require.Error(t, viewDAO.Close(ctx, 1, model.CloseReasonNormal))

	assert.Equal(t, float64(1), queryCount(t, m, "insert", "failed"))
	assert.Equal(t, float64(1), queryCount(t, m, "update", "failed"))
	assert.Equal(t, float64(0), queryCount(t, m, "insert", "success"))
}
