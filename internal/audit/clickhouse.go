package audit

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

const createTable = `
CREATE TABLE IF NOT EXISTS agent_audit_events (
	event_id      String,
	timestamp     DateTime64(3, 'UTC'),
	execution_id  String,
	project_id    String,
	user_id       String,
	session_id    String,
	event         LowCardinality(String),
	level         LowCardinality(String),
	data          String,
	payload_hash  FixedString(64),
	payload_size  UInt32,
	output_zstd   String CODEC(NONE),
	output_size   UInt32
) ENGINE = MergeTree
ORDER BY (execution_id, timestamp)
TTL toDateTime(timestamp) + INTERVAL 90 DAY`

func openConn(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// ClickHouseWriter batch-inserts events into agent_audit_events from a
// background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseWriter connects, ensures the table exists and starts the
// flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := openConn(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Exec(ctx, createTable); err != nil {
		_ = conn.Close()
		return nil, err
	}
	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *Event, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w, nil
}

// Write drops the event when the buffer is full.
func (w *ClickHouseWriter) Write(event *Event) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping audit event",
			zap.String("execution_id", event.ExecutionID),
			zap.String("event", event.Name),
		)
	}
}

// Close drains buffered events (bounded by drainTimeout) and closes the
// connection. Call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	_ = w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, flushBatch)
	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			deadline := time.After(drainTimeout)
		drain:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO agent_audit_events (
			event_id, timestamp, execution_id, project_id, user_id, session_id,
			event, level, data, payload_hash, payload_size, output_zstd, output_size
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}
	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.Timestamp,
			e.ExecutionID,
			e.ProjectID,
			e.UserID,
			e.SessionID,
			e.Name,
			string(e.Level),
			e.Data,
			e.PayloadHash,
			e.PayloadSize,
			string(e.Output),
			e.OutputSize,
		); err != nil {
			w.logger.Error("clickhouse append audit event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}
	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}
