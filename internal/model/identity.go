// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// Identity はDiscord OAuthで取得した正規化済みのユーザー情報を表す。
// ExternalIDはログイン・決済・プレミアム付与を結ぶ唯一の相関キーであり、
// 加工せずにそのまま受け渡す。
type Identity struct {
	ExternalID    string
	Username      string
	Discriminator string
	Avatar        string
}

// Validate はIdentityの必須フィールドを検証する。
func (i Identity) Validate() error {
	if i.ExternalID == "" {
		return fmt.Errorf("identity external ID is required")
	}
	if i.Username == "" {
		return fmt.Errorf("identity username is required")
	}
	return nil
}

// Session はブラウザが保持するトークンとIdentityを結び付けるサーバー側のレコード。
// ブラウザはIDのみをCookieで保持する。
type Session struct {
	ID        string
	Identity  Identity
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired はnow時点でセッションが有効期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
