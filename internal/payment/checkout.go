// Package payment はStripeによる決済連携を提供する。
// チェックアウトセッションの作成とWebhook署名の検証を含む。
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/hitoshi/clarivex/internal/model"
)

// MetadataKeyDiscordID はチェックアウトセッションのメタデータに格納するDiscord IDのキー。
const MetadataKeyDiscordID = "discordId"

// CheckoutSessionAPI はStripeのチェックアウトセッション作成APIのインターフェース。
// テスト時にモックに差し替え可能。
type CheckoutSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

var _ CheckoutSessionAPI = (*session.Client)(nil)

// NewStripeCheckoutAPI はシークレットキーで認証するStripeのクライアントを生成する。
func NewStripeCheckoutAPI(secretKey string) *session.Client {
	return &session.Client{
		B:   stripe.GetBackend(stripe.APIBackend),
		Key: secretKey,
	}
}

// CheckoutConfig はチェックアウトセッションの設定。
type CheckoutConfig struct {
	SiteURL     string
	Currency    string
	UnitAmount  int64
	ProductName string
}

// DefaultCheckoutConfig はデフォルトの商品設定を返す。
func DefaultCheckoutConfig(siteURL string) CheckoutConfig {
	return CheckoutConfig{
		SiteURL:     siteURL,
		Currency:    "eur",
		UnitAmount:  399,
		ProductName: "Clarivex Premium (lifetime access)",
	}
}

// CheckoutResult はチェックアウトセッション作成の結果。
type CheckoutResult struct {
	SessionID string
	URL       string
}

// Checkout はプレミアム購入用のチェックアウトセッションを作成する。
type Checkout struct {
	api    CheckoutSessionAPI
	config CheckoutConfig
}

// NewCheckout はCheckoutを生成する。
func NewCheckout(api CheckoutSessionAPI, config CheckoutConfig) *Checkout {
	return &Checkout{api: api, config: config}
}

// CreateCheckoutSession はログイン中のユーザー向けにチェックアウトセッションを作成する。
// 商品は数量1の固定価格1点で、メタデータにDiscord IDをそのまま格納する。
// プロバイダーのエラーはリトライせずに返す。
func (c *Checkout) CreateCheckoutSession(ctx context.Context, identity *model.Identity) (*CheckoutResult, error) {
	if identity == nil || identity.ExternalID == "" {
		return nil, fmt.Errorf("identity is required")
	}

	siteURL := strings.TrimRight(c.config.SiteURL, "/")

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(c.config.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(c.config.ProductName),
					},
					UnitAmount: stripe.Int64(c.config.UnitAmount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(siteURL + "/success.html?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(siteURL + "/pricing.html"),
	}
	params.AddMetadata(MetadataKeyDiscordID, identity.ExternalID)
	params.Context = ctx

	cs, err := c.api.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return &CheckoutResult{SessionID: cs.ID, URL: cs.URL}, nil
}

// ProviderMessage はプロバイダーのエラーからユーザーに返すメッセージを取り出す。
// Stripeのエラーの場合はそのメッセージを、それ以外はエラー文字列を返す。
func ProviderMessage(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		return stripeErr.Msg
	}
	return err.Error()
}
