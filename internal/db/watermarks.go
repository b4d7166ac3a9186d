package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// WatermarkRepository persists per-source dedup watermarks. Only the
// dedup gate mutates these rows; the conditional-update contract lets
// the gate make its novelty decision and the watermark advance a single
// atomic unit per source key.
type WatermarkRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewWatermarkRepository creates a new watermark repository.
func NewWatermarkRepository(db *DB, logger *zap.Logger) *WatermarkRepository {
	return &WatermarkRepository{
		db:     db,
		logger: logger,
	}
}

// Get returns the stored watermark value for a source key.
// The second return value reports whether a watermark exists.
func (r *WatermarkRepository) Get(ctx context.Context, sourceKey string) (string, bool, error) {
	var value string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT last_seen_id FROM dedup_watermarks WHERE source_key = $1`,
		sourceKey,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query watermark: %w", err)
	}
	return value, true, nil
}

// InsertBaseline records the first observation for a source key.
// Returns false if another poller baselined the key first.
func (r *WatermarkRepository) InsertBaseline(ctx context.Context, sourceKey, value string) (bool, error) {
	result, err := r.db.Pool().Exec(ctx,
		`INSERT INTO dedup_watermarks (source_key, last_seen_id) VALUES ($1, $2)
		 ON CONFLICT (source_key) DO NOTHING`,
		sourceKey, value,
	)
	if err != nil {
		return false, fmt.Errorf("insert watermark baseline: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// CompareAndSwap advances the watermark only if it still holds old.
// Returns false when a concurrent poll got there first.
func (r *WatermarkRepository) CompareAndSwap(ctx context.Context, sourceKey, old, new string) (bool, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE dedup_watermarks
		 SET last_seen_id = $3, updated_at = NOW()
		 WHERE source_key = $1 AND last_seen_id = $2`,
		sourceKey, old, new,
	)
	if err != nil {
		return false, fmt.Errorf("advance watermark: %w", err)
	}

	swapped := result.RowsAffected() > 0
	if swapped {
		r.logger.Debug("watermark advanced",
			zap.String("source_key", sourceKey),
			zap.String("last_seen_id", new),
		)
	}
	return swapped, nil
}
