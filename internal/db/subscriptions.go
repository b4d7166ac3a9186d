package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("subscription not found")

// SubscriptionRepository is the subscriber registry: device subscription
// rows and their per-category opt-in settings.
type SubscriptionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSubscriptionRepository creates a new subscriber registry backed by Postgres.
func NewSubscriptionRepository(db *DB, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert creates or replaces the row keyed by client_id. Endpoint
// uniqueness is authoritative: if the endpoint already belongs to a
// different client_id, that stale row is superseded. A nil Settings map
// preserves whatever settings the row already has.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *Subscription) error {
	if err := sub.ValidatePushKeys(); err != nil {
		return err
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// One active endpoint maps to one logical device.
	if _, err := tx.Exec(ctx,
		`DELETE FROM subscriptions WHERE endpoint = $1 AND client_id <> $2`,
		sub.Endpoint, sub.ClientID,
	); err != nil {
		return fmt.Errorf("supersede endpoint: %w", err)
	}

	query := `
		INSERT INTO subscriptions (client_id, endpoint, p256dh, auth, settings, display_name)
		VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6)
		ON CONFLICT (client_id) DO UPDATE SET
			endpoint     = EXCLUDED.endpoint,
			p256dh       = EXCLUDED.p256dh,
			auth         = EXCLUDED.auth,
			settings     = COALESCE($5::jsonb, subscriptions.settings),
			display_name = COALESCE(EXCLUDED.display_name, subscriptions.display_name),
			updated_at   = NOW()
		RETURNING created_at, updated_at
	`

	var settingsArg any
	if sub.Settings != nil {
		settingsArg = sub.Settings
	}

	err = tx.QueryRow(ctx, query,
		sub.ClientID,
		sub.Endpoint,
		sub.P256dh,
		sub.Auth,
		settingsArg,
		sub.DisplayName,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("subscription saved",
		zap.String("client_id", sub.ClientID),
	)

	return nil
}

// Get retrieves a subscription by client ID.
func (r *SubscriptionRepository) Get(ctx context.Context, clientID string) (*Subscription, error) {
	query := `
		SELECT client_id, endpoint, p256dh, auth, settings, display_name, created_at, updated_at
		FROM subscriptions
		WHERE client_id = $1
	`

	var sub Subscription
	err := r.db.Pool().QueryRow(ctx, query, clientID).Scan(
		&sub.ClientID,
		&sub.Endpoint,
		&sub.P256dh,
		&sub.Auth,
		&sub.Settings,
		&sub.DisplayName,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}

	return &sub, nil
}

// UpdateSettings shallow-merges partial settings into the stored map.
// Keys not present in partial are untouched.
func (r *SubscriptionRepository) UpdateSettings(ctx context.Context, clientID string, partial Settings) error {
	query := `
		UPDATE subscriptions
		SET settings = settings || $2::jsonb, updated_at = NOW()
		WHERE client_id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, clientID, partial)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateDisplayName sets the optional human label for a device,
// independent of its settings.
func (r *SubscriptionRepository) UpdateDisplayName(ctx context.Context, clientID, name string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE subscriptions SET display_name = $2, updated_at = NOW() WHERE client_id = $1`,
		clientID, name,
	)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Remove deletes a subscription by client ID. Deleting a row that does
// not exist is not an error.
func (r *SubscriptionRepository) Remove(ctx context.Context, clientID string) error {
	_, err := r.db.Pool().Exec(ctx,
		`DELETE FROM subscriptions WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

// RemoveByEndpoint deletes a subscription by its push endpoint.
// Idempotent; used by the delivery engine to prune endpoints the push
// service reports as permanently gone.
func (r *SubscriptionRepository) RemoveByEndpoint(ctx context.Context, endpoint string) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return fmt.Errorf("remove subscription by endpoint: %w", err)
	}

	if result.RowsAffected() > 0 {
		r.logger.Info("subscription pruned",
			zap.String("endpoint", truncateEndpoint(endpoint)),
		)
	}

	return nil
}

// ListForCategory returns every subscription opted in to the category.
// defaultEnabled is applied when the row's settings do not mention the
// category at all (including brand-new subscribers with empty settings),
// so the default policy lives with the caller, not the SQL.
func (r *SubscriptionRepository) ListForCategory(ctx context.Context, category string, defaultEnabled bool) ([]*Subscription, error) {
	query := `
		SELECT client_id, endpoint, p256dh, auth, settings, display_name, created_at, updated_at
		FROM subscriptions
		WHERE COALESCE((settings ->> $1)::boolean, $2)
		ORDER BY created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, category, defaultEnabled)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		err := rows.Scan(
			&sub.ClientID,
			&sub.Endpoint,
			&sub.P256dh,
			&sub.Auth,
			&sub.Settings,
			&sub.DisplayName,
			&sub.CreatedAt,
			&sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// Push endpoints carry capability tokens; keep logs short and unrevealing.
func truncateEndpoint(endpoint string) string {
	if len(endpoint) > 48 {
		return endpoint[:48] + "..."
	}
	return endpoint
}
