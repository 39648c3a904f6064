package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/clarivex/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用したBot通知の再配送キュー。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

// Enqueue は配送に失敗した通知を再配送待ちとして登録する。
func (r *PostgresNotificationRepo) Enqueue(ctx context.Context, n *model.BotNotification) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bot_notifications (id, discord_id, premium, status, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.ExternalID, n.Premium, string(n.Status), n.Attempts, n.LastError, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue bot notification: %w", err)
	}
	return nil
}

// ListPending は再配送待ちの通知を古い順にlimit件取得する。
func (r *PostgresNotificationRepo) ListPending(ctx context.Context, limit int) ([]*model.BotNotification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, discord_id, premium, status, attempts, last_error, created_at, updated_at
		 FROM bot_notifications
		 WHERE status = 'pending'
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending bot notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*model.BotNotification
	for rows.Next() {
		n := &model.BotNotification{}
		var status string
		if err := rows.Scan(&n.ID, &n.ExternalID, &n.Premium, &status, &n.Attempts, &n.LastError, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bot notification: %w", err)
		}
		n.Status = model.NotificationStatus(status)
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bot notifications: %w", err)
	}

	return notifications, nil
}

// MarkDelivered は通知を配送済みにする。
func (r *PostgresNotificationRepo) MarkDelivered(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bot_notifications
		 SET status = 'delivered', attempts = attempts + 1, last_error = '', updated_at = $2
		 WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark bot notification delivered: %w", err)
	}
	return nil
}

// MarkAttemptFailed は試行回数を加算し、上限に達した場合はfailedに遷移する。
func (r *PostgresNotificationRepo) MarkAttemptFailed(ctx context.Context, id, lastError string, maxAttempts int, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bot_notifications
		 SET attempts = attempts + 1,
		     last_error = $2,
		     status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE status END,
		     updated_at = $4
		 WHERE id = $1`,
		id, lastError, maxAttempts, now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark bot notification attempt failed: %w", err)
	}
	return nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
