package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ScheduledRepository stores deferred one-shot reminders.
type ScheduledRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewScheduledRepository creates a new scheduled-notification repository.
func NewScheduledRepository(db *DB, logger *zap.Logger) *ScheduledRepository {
	return &ScheduledRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores a reminder to be dispatched at RunAt.
func (r *ScheduledRepository) Create(ctx context.Context, sched *ScheduledNotification) error {
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}

	query := `
		INSERT INTO scheduled_notifications (id, run_at, payload)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		sched.ID, sched.RunAt, sched.Payload,
	).Scan(&sched.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scheduled notification: %w", err)
	}

	r.logger.Info("notification scheduled",
		zap.String("id", sched.ID.String()),
		zap.Time("run_at", sched.RunAt),
	)

	return nil
}

// ListDue returns unsent reminders whose run time has passed.
func (r *ScheduledRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledNotification, error) {
	query := `
		SELECT id, run_at, payload, sent, created_at
		FROM scheduled_notifications
		WHERE NOT sent AND run_at <= $1
		ORDER BY run_at
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	defer rows.Close()

	var due []*ScheduledNotification
	for rows.Next() {
		var sched ScheduledNotification
		err := rows.Scan(&sched.ID, &sched.RunAt, &sched.Payload, &sched.Sent, &sched.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled notification: %w", err)
		}
		due = append(due, &sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return due, nil
}

// MarkSent flips the sent flag. The WHERE NOT sent guard makes the flip
// exactly-once even when two scheduler passes race on the same row;
// only the caller that got true may dispatch.
func (r *ScheduledRepository) MarkSent(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE scheduled_notifications SET sent = TRUE WHERE id = $1 AND NOT sent`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("mark scheduled notification sent: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
