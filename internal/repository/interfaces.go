// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/clarivex/internal/model"
)

// SessionRepository はセッションストアのインターフェース。
// ログイン時に作成し、保護されたリクエストごとに参照し、ログアウトまたは期限切れで削除する。
// 実装は並行安全でなければならない。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない場合・期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired はnow時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// EntitlementRepository はプレミアム権限の永続化インターフェース。
type EntitlementRepository interface {
	// Grant は指定Discord IDにプレミアム権限を付与する。
	// 既に付与済みの場合は最初のgranted_atを維持したまま冪等に更新する。
	Grant(ctx context.Context, externalID, checkoutSessionID string, now time.Time) error
	// FindByExternalID は指定Discord IDの権限を取得する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string) (*model.Entitlement, error)
}

// WebhookEventRepository は処理済みWebhookイベントの記録インターフェース。
// 決済プロバイダーの再送に対して冪等に処理するために使用する。
type WebhookEventRepository interface {
	// MarkProcessed はイベントIDを処理済みとして記録する。
	// 初回記録の場合はtrue、既に記録済みの場合はfalseを返す。
	MarkProcessed(ctx context.Context, eventID, eventType string, now time.Time) (bool, error)
}

// NotificationRepository はBot通知の再配送キューのインターフェース。
type NotificationRepository interface {
	// Enqueue は配送に失敗した通知を再配送待ちとして登録する。
	Enqueue(ctx context.Context, notification *model.BotNotification) error
	// ListPending は再配送待ちの通知を古い順にlimit件取得する。
	ListPending(ctx context.Context, limit int) ([]*model.BotNotification, error)
	// MarkDelivered は通知を配送済みにする。
	MarkDelivered(ctx context.Context, id string, now time.Time) error
	// MarkAttemptFailed は試行回数を加算し、エラーを記録する。
	// 試行回数がmaxAttemptsに達した場合はfailedに遷移する。
	MarkAttemptFailed(ctx context.Context, id, lastError string, maxAttempts int, now time.Time) error
}
