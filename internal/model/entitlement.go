package model

import "time"

// Entitlement は決済完了によりIdentityがプレミアム権限を持つという永続的な事実を表す。
type Entitlement struct {
	ExternalID        string
	IsPremium         bool
	CheckoutSessionID string
	GrantedAt         time.Time
	UpdatedAt         time.Time
}

// NotificationStatus はBot通知の配送状態を表す。
type NotificationStatus string

const (
	// NotificationStatusPending は再配送待ち。
	NotificationStatusPending NotificationStatus = "pending"
	// NotificationStatusDelivered は配送済み。
	NotificationStatusDelivered NotificationStatus = "delivered"
	// NotificationStatusFailed は最大試行回数を超えて配送を断念した状態。
	NotificationStatusFailed NotificationStatus = "failed"
)

// BotNotification はBot連携エンドポイントへの配送に失敗した通知を表す。
// ワーカーが再配送する。
type BotNotification struct {
	ID         string
	ExternalID string
	Premium    bool
	Status     NotificationStatus
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
