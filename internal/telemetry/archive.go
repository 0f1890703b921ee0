package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"CollisionWarningService/internal/protocol"
)

// 建表语句。按上报时间查询为主，无需额外索引。
const schemaSQL = `
CREATE TABLE IF NOT EXISTS heartbeat_reports (
    id              BIGSERIAL PRIMARY KEY,
    reported_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    avg_latency_ns  DOUBLE PRECISION NOT NULL,
    queue_size      INT NOT NULL,
    queue_occupancy DOUBLE PRECISION NOT NULL,
    session_count   INT NOT NULL
)`

// Archive 心跳报告的Postgres归档，配置了DSN才启用
type Archive struct {
	pool *pgxpool.Pool
}

// Connect 建立连接池并确保表结构存在
func Connect(ctx context.Context, dsn string) (*Archive, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse telemetry dsn: %w", err)
	}

	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("telemetry database unreachable: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure telemetry schema: %w", err)
	}

	return &Archive{pool: pool}, nil
}

// Insert 写入一条心跳报告
func (a *Archive) Insert(ctx context.Context, report protocol.TelemetryReport) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO heartbeat_reports (reported_at, avg_latency_ns, queue_size, queue_occupancy, session_count)
		 VALUES ($1, $2, $3, $4, $5)`,
		time.UnixMilli(report.UnixMS),
		report.AvgLatencyNS,
		report.QueueSize,
		report.QueueOccupancy,
		report.SessionCount,
	)
	if err != nil {
		return fmt.Errorf("insert heartbeat report failed: %w", err)
	}
	return nil
}

// Close 关闭连接池
func (a *Archive) Close() {
	a.pool.Close()
}
