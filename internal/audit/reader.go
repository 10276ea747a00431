package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader queries agent_audit_events.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

func NewReader(ctx context.Context, dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := openConn(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

func (r *Reader) Close() error {
	return r.conn.Close()
}

// ListParams filters and paginates ListEvents.
type ListParams struct {
	ExecutionID string
	ProjectID   string
	Level       *Level
	Name        *string
	StartTime   *time.Time
	Page        int
	PageSize    int
}

// ListEvents returns matching events oldest first, and the total count.
func (r *Reader) ListEvents(ctx context.Context, p ListParams) ([]Event, int, error) {
	if p.ExecutionID == "" && p.ProjectID == "" {
		return nil, 0, fmt.Errorf("ListEvents: execution or project filter required")
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 || p.PageSize > 500 {
		p.PageSize = 100
	}

	var conditions []string
	var args []any
	if p.ExecutionID != "" {
		conditions = append(conditions, "execution_id = @execution_id")
		args = append(args, clickhouse.Named("execution_id", p.ExecutionID))
	}
	if p.ProjectID != "" {
		conditions = append(conditions, "project_id = @project_id")
		args = append(args, clickhouse.Named("project_id", p.ProjectID))
	}
	if p.Level != nil {
		conditions = append(conditions, "level = @level")
		args = append(args, clickhouse.Named("level", string(*p.Level)))
	}
	if p.Name != nil {
		conditions = append(conditions, "event = @event")
		args = append(args, clickhouse.Named("event", *p.Name))
	}
	if p.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *p.StartTime))
	}
	where := strings.Join(conditions, " AND ")

	var total uint64
	if err := r.conn.QueryRow(ctx, "SELECT count() FROM agent_audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	args = append(args,
		clickhouse.Named("limit", uint32(p.PageSize)),
		clickhouse.Named("offset", uint32((p.Page-1)*p.PageSize)),
	)
	rows, err := r.conn.Query(ctx,
		"SELECT event_id, timestamp, execution_id, project_id, user_id, session_id, "+
			"event, level, data, payload_hash, payload_size, output_zstd, output_size "+
			"FROM agent_audit_events WHERE "+where+" "+
			"ORDER BY timestamp ASC LIMIT @limit OFFSET @offset",
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e      Event
			level  string
			output string
		)
		if err := rows.Scan(
			&e.EventID, &e.Timestamp, &e.ExecutionID, &e.ProjectID, &e.UserID, &e.SessionID,
			&e.Name, &level, &e.Data, &e.PayloadHash, &e.PayloadSize, &output, &e.OutputSize,
		); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		e.Level = Level(level)
		e.Output = []byte(output)
		events = append(events, e)
	}
	return events, int(total), rows.Err()
}
