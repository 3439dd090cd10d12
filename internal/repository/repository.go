package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/septivank/climate-stream-worker/internal/reading"
)

// Columns of the enriched readings table, in copy order
var Columns = []string{
	"reading_timestamp",
	"temperature_celsius",
	"relative_humidity",
	"temp_bin",
	"month",
	"day",
	"year",
	"season",
	"day_night",
}

// ReadingRepository appends enriched readings to a Postgres table. It
// satisfies sink.Destination.
type ReadingRepository struct {
	pool  *pgxpool.Pool
	table string
}

// NewReadingRepository creates a new repository writing to table
func NewReadingRepository(pool *pgxpool.Pool, table string) *ReadingRepository {
	return &ReadingRepository{pool: pool, table: table}
}

// EnsureIndex creates the table and its timestamp index when missing.
// An existing table is left as is.
func (r *ReadingRepository) EnsureIndex(ctx context.Context) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`, r.table).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check table %s: %w", r.table, err)
	}
	if exists {
		return nil
	}

	table := pgx.Identifier{r.table}.Sanitize()
	index := pgx.Identifier{r.table + "_reading_timestamp_idx"}.Sanitize()

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                  BIGSERIAL PRIMARY KEY,
			reading_timestamp   TIMESTAMP NOT NULL,
			temperature_celsius REAL NOT NULL,
			relative_humidity   REAL NOT NULL,
			temp_bin            INTEGER NOT NULL,
			month               INTEGER NOT NULL,
			day                 INTEGER NOT NULL,
			year                INTEGER NOT NULL,
			season              TEXT NOT NULL,
			day_night           TEXT NOT NULL,
			inserted_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %s ON %s (reading_timestamp);
	`, table, index, table)

	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", r.table, err)
	}
	return nil
}

// BulkAppend copies records into the table in one round trip
func (r *ReadingRepository) BulkAppend(ctx context.Context, records []reading.EnrichedRecord) error {
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{r.table}, Columns, pgx.CopyFromRows(Rows(records)))
	if err != nil {
		return fmt.Errorf("failed to copy enriched readings: %w", err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("copied %d of %d enriched readings", n, len(records))
	}
	return nil
}

// Close is a no-op; the pool is closed by its own lifecycle hook
func (r *ReadingRepository) Close() error {
	return nil
}

// Rows converts records to copy rows in Columns order. The timestamp is
// stored as local wall-clock time, matching the index format.
func Rows(records []reading.EnrichedRecord) [][]any {
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		ts := rec.Timestamp
		wall := time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC)
		rows = append(rows, []any{
			wall,
			rec.TemperatureCelsius,
			rec.RelativeHumidity,
			rec.TempBin,
			rec.Month,
			rec.Day,
			rec.Year,
			string(rec.Season),
			string(rec.DayNight),
		})
	}
	return rows
}
