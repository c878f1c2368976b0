package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aminovpavel/meshgate/internal/decode"
	"github.com/aminovpavel/meshgate/internal/mesh"
	"github.com/aminovpavel/meshgate/internal/mqtt"
	"github.com/aminovpavel/meshgate/internal/observability"
	"github.com/aminovpavel/meshgate/internal/storage"
)

// Ingester receives replayed packets in logged order.
type Ingester interface {
	Ingest(ctx context.Context, pkt mesh.Packet)
}

// Options configures how rows are selected from the activity log.
type Options struct {
	StartID         int64
	EndID           int64
	Since           time.Time
	Limit           int
	MaxPayloadBytes int
	Logger          *slog.Logger
}

// Stats summarises one replay run.
type Stats struct {
	Replayed int
	Skipped  int
}

// ReplaySQLite reads raw uplinks from the activity table of the SQLite
// database at sourcePath, decodes them and feeds them to ingester in id order.
// Rows that no longer decode are skipped and counted.
func ReplaySQLite(ctx context.Context, sourcePath string, decoder decode.Decoder, ingester Ingester, opts Options) (Stats, error) {
	var stats Stats
	if sourcePath == "" {
		return stats, errors.New("replay: source sqlite path must be provided")
	}
	if decoder == nil {
		return stats, errors.New("replay: decoder must not be nil")
	}
	if ingester == nil {
		return stats, errors.New("replay: ingester must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NoOpLogger()
	}

	db, err := storage.Open(sourcePath)
	if err != nil {
		return stats, fmt.Errorf("replay: open source sqlite: %w", err)
	}
	defer db.Close()

	query, args := buildQuery(opts)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return stats, fmt.Errorf("replay: query activity: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			topic     sql.NullString
			payload   []byte
			timestamp float64
		)
		if err := rows.Scan(&id, &topic, &payload, &timestamp); err != nil {
			return stats, fmt.Errorf("replay: scan row: %w", err)
		}

		if len(payload) == 0 || (opts.MaxPayloadBytes > 0 && len(payload) > opts.MaxPayloadBytes) {
			stats.Skipped++
			continue
		}

		pkt, err := decoder.Decode(ctx, mqtt.Message{
			Topic:   topic.String,
			Payload: payload,
			Time:    storage.SecondsToTime(timestamp),
		})
		if err != nil {
			stats.Skipped++
			logger.Debug("replay row skipped", slog.Int64("id", id), slog.Any("error", err))
			continue
		}

		ingester.Ingest(ctx, pkt)
		stats.Replayed++

		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
	}

	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("replay: iterate rows: %w", err)
	}

	return stats, nil
}

func buildQuery(opts Options) (string, []any) {
	query := `SELECT id, topic, raw_payload, timestamp FROM activity WHERE raw_payload IS NOT NULL`

	args := make([]any, 0, 4)
	if opts.StartID > 0 {
		query += ` AND id >= ?`
		args = append(args, opts.StartID)
	}
	if opts.EndID > 0 {
		query += ` AND id <= ?`
		args = append(args, opts.EndID)
	}
	if !opts.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, storage.TimeToSeconds(opts.Since))
	}

	query += ` ORDER BY id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	return query, args
}
