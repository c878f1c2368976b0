package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aminovpavel/meshgate/internal/observability"
)

// ErrQueueFull is returned by Store when the writer cannot keep up.
var ErrQueueFull = errors.New("storage: queue full")

// SQLiteConfig holds configuration values for the SQLite writer.
type SQLiteConfig struct {
	Path                string
	QueueSize           int
	MaintenanceInterval time.Duration
}

// SQLiteWriter persists activity rows into a SQLite database.
type SQLiteWriter struct {
	cfg   SQLiteConfig
	db    *sql.DB
	queue chan Activity
	errCh chan error
	wg    sync.WaitGroup
	once  sync.Once

	logger    *slog.Logger
	metrics   *observability.Metrics
	retention func() time.Duration
	now       func() time.Time

	maintenanceStop chan struct{}
}

// NewSQLiteWriter constructs a writer with the provided configuration.
func NewSQLiteWriter(cfg SQLiteConfig, opts ...Option) (*SQLiteWriter, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage: database path must be provided")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 6 * time.Hour
	}

	w := &SQLiteWriter{
		cfg:             cfg,
		queue:           make(chan Activity, cfg.QueueSize),
		errCh:           make(chan error, 32),
		logger:          slog.Default(),
		now:             time.Now,
		maintenanceStop: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Option configures the writer.
type Option func(*SQLiteWriter)

// WithLogger injects a structured logger into the writer.
func WithLogger(logger *slog.Logger) Option {
	return func(w *SQLiteWriter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(w *SQLiteWriter) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

// WithRetention supplies the current retention window; rows older than it are
// pruned during maintenance. It is consulted on every run so settings changes
// apply without a restart.
func WithRetention(fn func() time.Duration) Option {
	return func(w *SQLiteWriter) {
		w.retention = fn
	}
}

// WithClock overrides the time source used for pruning.
func WithClock(now func() time.Time) Option {
	return func(w *SQLiteWriter) {
		if now != nil {
			w.now = now
		}
	}
}

// Errors exposes asynchronous write failures.
func (w *SQLiteWriter) Errors() <-chan error {
	return w.errCh
}

// Start opens the database, runs migrations, and begins processing the queue.
func (w *SQLiteWriter) Start(ctx context.Context) error {
	db, err := Open(w.cfg.Path)
	if err != nil {
		return err
	}
	w.db = db
	w.startMaintenance(ctx)

	w.wg.Add(1)
	go w.loop(ctx)

	return nil
}

// Open creates the database file if needed, applies connection pragmas and
// migrates the schema.
func Open(path string) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}

	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := configureConnection(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Store pushes a row into the queue for asynchronous persistence.
func (w *SQLiteWriter) Store(ctx context.Context, row Activity) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.queue <- row:
		w.metrics.ObserveQueueDepth(len(w.queue))
		return nil
	default:
		w.metrics.ObserveQueueDepth(len(w.queue))
		return ErrQueueFull
	}
}

// Stop drains the queue and closes the database connection.
func (w *SQLiteWriter) Stop() error {
	w.once.Do(func() {
		close(w.maintenanceStop)
		close(w.queue)
		w.wg.Wait()
		if w.db != nil {
			if _, err := w.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				w.logger.Warn("final checkpoint failed", slog.Any("error", err))
			}
			_ = w.db.Close()
		}
		w.metrics.ObserveQueueDepth(0)
	})
	return nil
}

func (w *SQLiteWriter) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.MaintenanceInterval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.maintenanceStop:
				return
			case <-ticker.C:
				if err := w.RunMaintenance(ctx); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Warn("sqlite maintenance failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// RunMaintenance prunes rows past the retention window and checkpoints the WAL.
func (w *SQLiteWriter) RunMaintenance(ctx context.Context) error {
	if w.db == nil {
		return nil
	}

	start := time.Now()
	pruned := int64(0)
	if w.retention != nil {
		if keep := w.retention(); keep > 0 {
			cutoff := w.now().Add(-keep)
			res, err := w.db.ExecContext(ctx, `DELETE FROM activity WHERE timestamp < ?`, TimeToSeconds(cutoff))
			if err != nil {
				return maintenanceErr(ctx, "prune", err)
			}
			pruned, _ = res.RowsAffected()
		}
	}
	if _, err := w.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return maintenanceErr(ctx, "wal_checkpoint", err)
	}
	if _, err := w.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return maintenanceErr(ctx, "optimize", err)
	}
	w.logger.Info("sqlite maintenance completed",
		slog.Int64("pruned", pruned),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func maintenanceErr(ctx context.Context, step string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	return fmt.Errorf("maintenance: %s: %w", step, err)
}

func (w *SQLiteWriter) loop(ctx context.Context) {
	defer w.wg.Done()

	stmt, err := w.db.Prepare(`INSERT INTO activity (
        timestamp,
        event,
        from_id,
        to_id,
        portnum_name,
        rssi,
        snr,
        battery,
        voltage,
        temp_c,
        temp_f,
        humidity,
        pressure_hpa,
        lat,
        lon,
        alt,
        text,
        topic,
        raw_payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		w.publishErr(fmt.Errorf("storage: prepare insert: %w", err))
		return
	}
	defer stmt.Close()

	for row := range w.queue {
		w.metrics.ObserveQueueDepth(len(w.queue))
		if err := insertActivity(stmt, row); err != nil {
			w.metrics.IncActivityErrors()
			w.publishErr(err)
			continue
		}
		w.metrics.IncActivityRows(1)
	}
}

func insertActivity(stmt *sql.Stmt, row Activity) error {
	_, err := stmt.Exec(
		TimeToSeconds(row.Time),
		row.Event,
		nullString(row.From),
		nullString(row.To),
		nullString(row.PortName),
		nullFloat64(row.RSSI),
		nullFloat64(row.SNR),
		nullFloat64(row.Battery),
		nullFloat64(row.Voltage),
		nullFloat64(row.TempC),
		nullFloat64(row.TempF),
		nullFloat64(row.Humidity),
		nullFloat64(row.PressureHPA),
		nullFloat64(row.Latitude),
		nullFloat64(row.Longitude),
		nullFloat64(row.Altitude),
		nullString(row.Text),
		nullString(row.Topic),
		nullBytes(row.Raw),
	)
	if err != nil {
		return fmt.Errorf("storage: insert activity: %w", err)
	}
	return nil
}

func configureConnection(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA wal_autocheckpoint=1000",
		"PRAGMA journal_size_limit=67108864",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("storage: apply pragma %q: %w", pragma, err)
		}
	}

	return nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS activity (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp REAL NOT NULL,
        event TEXT NOT NULL,
        from_id TEXT,
        to_id TEXT,
        portnum_name TEXT,
        rssi REAL,
        snr REAL,
        battery REAL,
        voltage REAL,
        temp_c REAL,
        temp_f REAL,
        humidity REAL,
        pressure_hpa REAL,
        lat REAL,
        lon REAL,
        alt REAL,
        text TEXT,
        topic TEXT,
        raw_payload BLOB
    )`,
		`CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON activity(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_from ON activity(from_id, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullFloat64(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func (w *SQLiteWriter) publishErr(err error) {
	if err == nil {
		return
	}
	w.logger.Error("storage error", slog.Any("error", err))
	select {
	case w.errCh <- err:
	default:
	}
}
