package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// EventCheckoutSessionCompleted は支払い完了イベントのタイプ。
const EventCheckoutSessionCompleted = string(stripe.EventTypeCheckoutSessionCompleted)

// ErrInvalidSignature はWebhookの署名検証に失敗したことを表す。
var ErrInvalidSignature = errors.New("invalid webhook signature")

// PaymentEvent は署名検証済みの決済イベント。
// ExternalIDとCheckoutSessionIDは支払い完了イベントの場合のみ設定される。
type PaymentEvent struct {
	ID                string
	Type              string
	ExternalID        string
	CheckoutSessionID string
}

// Completed は支払い完了イベントかを返す。
func (e *PaymentEvent) Completed() bool {
	return e.Type == EventCheckoutSessionCompleted
}

// WebhookVerifier はWebhookの署名を検証し、イベントを取り出す。
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewWebhookVerifier はエンドポイントシークレットを使うWebhookVerifierを生成する。
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    secret,
		tolerance: webhook.DefaultTolerance,
	}
}

// Verify は未加工のリクエストボディと署名ヘッダーを検証する。
// 署名が不正な場合はErrInvalidSignatureをラップしたエラーを返す。
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (*PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result := &PaymentEvent{
		ID:   event.ID,
		Type: string(event.Type),
	}

	if !result.Completed() {
		return result, nil
	}

	if event.Data == nil {
		return nil, fmt.Errorf("event %s has no data object", event.ID)
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("failed to parse checkout session: %w", err)
	}

	result.CheckoutSessionID = cs.ID
	result.ExternalID = cs.Metadata[MetadataKeyDiscordID]
	return result, nil
}
