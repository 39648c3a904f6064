package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresWebhookEventRepo はPostgreSQLを使用した処理済みWebhookイベントの記録。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// MarkProcessed はイベントIDを処理済みとして記録する。
// 主キー衝突時は何もせず、挿入件数で初回かどうかを判定する。
func (r *PostgresWebhookEventRepo) MarkProcessed(ctx context.Context, eventID, eventType string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, event_type, received_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		eventID, eventType, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get inserted webhook event count: %w", err)
	}
	return inserted == 1, nil
}

// compile-time interface check
var _ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)
