package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// HistoryRepository is the append-only notification history log.
// Records are immutable once written and read in reverse-chronological
// page order.
type HistoryRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewHistoryRepository creates a new history repository.
func NewHistoryRepository(db *DB, logger *zap.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logger,
	}
}

// Append writes one record for a dispatch attempt.
func (r *HistoryRepository) Append(ctx context.Context, rec *NotificationRecord) error {
	query := `
		INSERT INTO notifications (title, body, url, icon, platform, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		rec.Title,
		rec.Body,
		rec.URL,
		rec.Icon,
		rec.Platform,
		rec.Status,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification record: %w", err)
	}

	r.logger.Info("notification recorded",
		zap.Int64("id", rec.ID),
		zap.String("platform", rec.Platform),
		zap.String("status", rec.Status),
	)

	return nil
}

// Page returns one offset-based page over the unfiltered record set,
// ordered by created_at descending with insertion order breaking ties.
// Category filtering is the caller's concern; a page may therefore hold
// fewer visible items than limit after the caller filters it.
func (r *HistoryRepository) Page(ctx context.Context, limit, offset int) (*HistoryPage, error) {
	var total int
	if err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}

	query := `
		SELECT id, title, body, url, icon, platform, status, created_at
		FROM notifications
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	logs := make([]*NotificationRecord, 0, limit)
	for rows.Next() {
		var rec NotificationRecord
		err := rows.Scan(
			&rec.ID,
			&rec.Title,
			&rec.Body,
			&rec.URL,
			&rec.Icon,
			&rec.Platform,
			&rec.Status,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification record: %w", err)
		}
		logs = append(logs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return &HistoryPage{
		Logs:    logs,
		HasMore: offset+len(logs) < total,
		Total:   total,
	}, nil
}
