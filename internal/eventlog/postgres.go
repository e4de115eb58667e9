package eventlog

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
)

// JSONB marshals a payload map into a Postgres jsonb column.
type JSONB map[string]interface{}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	return json.Unmarshal(b, j)
}

// PostgresConfig holds the event log database configuration.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	QueueSize       int
	Workers         int
}

// PostgresSink persists run log entries asynchronously. Appends never
// block the scheduling loop: entries go through a bounded queue and are
// written by a small worker pool. A full queue drops the entry and
// counts it, keeping the at-least-once contract best effort under
// sustained backpressure.
type PostgresSink struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue    chan Entry
	stopCh   chan struct{}
	workerWg sync.WaitGroup
	stopOnce sync.Once
}

// NewPostgresSink opens the connection pool and starts the writers.
func NewPostgresSink(cfg PostgresConfig, logger *zap.Logger) (*PostgresSink, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 2
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping event log database: %w", err)
	}

	s := newPostgresSink(db, cfg, logger)
	return s, nil
}

// NewPostgresSinkFromDB wraps an existing connection; used by tests.
func NewPostgresSinkFromDB(db *sqlx.DB, cfg PostgresConfig, logger *zap.Logger) *PostgresSink {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	return newPostgresSink(db, cfg, logger)
}

func newPostgresSink(db *sqlx.DB, cfg PostgresConfig, logger *zap.Logger) *PostgresSink {
	s := &PostgresSink{
		db:     db,
		logger: logger,
		queue:  make(chan Entry, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.workerWg.Add(1)
		go s.worker()
	}
	return s
}

// Append enqueues an entry for persistence.
func (s *PostgresSink) Append(entry Entry) {
	select {
	case s.queue <- entry:
		metrics.EventLogQueueDepth.Set(float64(len(s.queue)))
	default:
		metrics.EventLogWrites.WithLabelValues("dropped").Inc()
		s.logger.Warn("Event log queue full, dropping entry",
			zap.String("run_id", entry.RunID),
			zap.String("agent_id", entry.AgentID),
			zap.Int("step", entry.Step),
		)
	}
}

func (s *PostgresSink) worker() {
	defer s.workerWg.Done()
	for {
		select {
		case entry := <-s.queue:
			s.write(entry)
			metrics.EventLogQueueDepth.Set(float64(len(s.queue)))
		case <-s.stopCh:
			// Drain what is already queued before exiting
			for {
				select {
				case entry := <-s.queue:
					s.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *PostgresSink) write(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO run_events (
            id, run_id, step, agent_id, event_type, fork_group, payload, timestamp, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (run_id, step, event_type) DO NOTHING
    `, uuid.New(), entry.RunID, entry.Step, entry.AgentID, entry.EventType,
		nullIfEmpty(entry.ForkGroup), JSONB(entry.Payload), entry.Timestamp, time.Now())

	if err != nil {
		metrics.EventLogWrites.WithLabelValues("error").Inc()
		s.logger.Error("Failed to persist run event",
			zap.String("run_id", entry.RunID),
			zap.Int("step", entry.Step),
			zap.Error(err),
		)
		return
	}
	metrics.EventLogWrites.WithLabelValues("ok").Inc()
}

// Close stops the workers after draining the queue.
func (s *PostgresSink) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.workerWg.Wait()
	return s.db.Close()
}

// Ping verifies database connectivity; used by the health checker.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullIfEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
