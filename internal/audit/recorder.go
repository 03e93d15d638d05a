package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the recorder uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS connection_sessions (
	session_id   TEXT PRIMARY KEY,
	client_name  TEXT NOT NULL,
	pod_name     TEXT NOT NULL,
	connected_at TIMESTAMPTZ NOT NULL,
	closed_at    TIMESTAMPTZ NOT NULL,
	event_count  BIGINT NOT NULL,
	close_reason TEXT NOT NULL
)`

const insertSQL = `
	INSERT INTO connection_sessions (session_id, client_name, pod_name, connected_at, closed_at, event_count, close_reason)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (session_id) DO NOTHING
`

// flushTimeout bounds a single batch insert.
const flushTimeout = 5 * time.Second

// PGRecorder writes session records to Postgres in batches.
type PGRecorder struct {
	cfg    Config
	db     DB
	logger *slog.Logger

	input   chan SessionRecord
	stopped atomic.Bool

	// Batching
	batch []SessionRecord

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metricsMu sync.Mutex
	metrics   Metrics
}

// NewPGRecorder creates a recorder. Call Start before recording.
func NewPGRecorder(cfg Config, db DB, logger *slog.Logger) *PGRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = defaults.BufferSize
	}
	return &PGRecorder{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan SessionRecord, cfg.BufferSize),
		batch:  make([]SessionRecord, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the connection_sessions table if missing.
func (r *PGRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create connection_sessions: %w", err)
	}
	return nil
}

// Start begins consuming records.
func (r *PGRecorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.consumeLoop()

	r.logger.Info("session recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered records and performs a final flush.
func (r *PGRecorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping session recorder")
	r.stopped.Store(true)

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("session recorder stop timed out")
		return ctx.Err()
	}

	r.drain()
	r.flush()

	r.logger.Info("session recorder stopped")
	return nil
}

// Record enqueues rec. It never blocks: records are dropped when the
// buffer is full or the recorder has stopped.
func (r *PGRecorder) Record(rec SessionRecord) {
	if r.stopped.Load() {
		r.count(func(m *Metrics) { m.Dropped++ })
		return
	}

	select {
	case r.input <- rec:
		r.count(func(m *Metrics) { m.Recorded++ })
	default:
		r.count(func(m *Metrics) { m.Dropped++ })
		r.logger.Warn("session record dropped, buffer full", "session_id", rec.SessionID)
	}
}

// Stats returns current metrics.
func (r *PGRecorder) Stats() Metrics {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	return r.metrics
}

func (r *PGRecorder) count(fn func(m *Metrics)) {
	r.metricsMu.Lock()
	fn(&r.metrics)
	r.metricsMu.Unlock()
}

func (r *PGRecorder) consumeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case rec := <-r.input:
			r.batch = append(r.batch, rec)
			if len(r.batch) >= r.cfg.BatchSize {
				r.flush()
			}
		case <-ticker.C:
			r.flush()
		}
	}
}

// drain moves whatever is still buffered into the batch. Only called
// after consumeLoop has exited.
func (r *PGRecorder) drain() {
	for {
		select {
		case rec := <-r.input:
			r.batch = append(r.batch, rec)
		default:
			return
		}
	}
}

func (r *PGRecorder) flush() {
	if len(r.batch) == 0 {
		return
	}

	batch := r.batch
	r.batch = make([]SessionRecord, 0, r.cfg.BatchSize)

	start := time.Now()
	inserted, err := r.batchInsert(batch)
	if err != nil {
		r.logger.Error("session batch insert failed", "error", err, "count", len(batch))
		r.count(func(m *Metrics) { m.Errors++ })
		return
	}

	r.count(func(m *Metrics) {
		m.Inserted += int64(inserted)
		m.Flushes++
	})

	r.logger.Debug("flushed session records",
		"count", len(batch),
		"inserted", inserted,
		"duration", time.Since(start),
	)
}

func (r *PGRecorder) batchInsert(rows []SessionRecord) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, rec := range rows {
		batch.Queue(insertSQL,
			rec.SessionID, rec.ClientName, rec.PodName,
			rec.ConnectedAt, rec.ClosedAt, rec.EventCount, rec.CloseReason,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(ct.RowsAffected())
	}
	return inserted, nil
}
