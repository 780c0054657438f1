package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink writes routing decisions into a ClickHouse table over the
// native protocol.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// ClickHouseOptions configures the sink connection.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Table    string
	Username string
	Password string
}

// NewClickHouseSink opens a connection and verifies it with a ping.
func NewClickHouseSink(ctx context.Context, opts ClickHouseOptions) (*ClickHouseSink, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("clickhouse: address is required")
	}
	if opts.Table == "" {
		opts.Table = "route_decisions"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: opts.Table}, nil
}

// WriteBatch implements Sink using one prepared batch per flush.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []RouteLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.RequestID,
			e.Provider,
			e.Model,
			e.Region,
			e.Code,
			e.Fallbacks,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Cached,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send: %w", err)
	}
	return nil
}

// Close releases the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
