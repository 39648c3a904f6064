package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/clarivex/internal/metrics"
	"github.com/hitoshi/clarivex/internal/middleware"
	"github.com/hitoshi/clarivex/internal/model"
	"github.com/hitoshi/clarivex/internal/payment"
)

// CheckoutCreator はチェックアウトセッションを作成する。
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, identity *model.Identity) (*payment.CheckoutResult, error)
}

// CheckoutHandler はチェックアウトセッション作成のHTTPハンドラー。
type CheckoutHandler struct {
	creator CheckoutCreator
	metrics metrics.MetricsCollector
}

// NewCheckoutHandler はCheckoutHandlerを生成する。collectorはnilでもよい。
func NewCheckoutHandler(creator CheckoutCreator, collector metrics.MetricsCollector) *CheckoutHandler {
	return &CheckoutHandler{creator: creator, metrics: collector}
}

// Create はログイン中のユーザー向けにチェックアウトセッションを作成し、そのIDを返す。
// プロバイダーのエラーは500とエラーメッセージで返す。
// POST /create-checkout-session
func (h *CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	result, err := h.creator.CreateCheckoutSession(r.Context(), identity)
	if err != nil {
		slog.Error("failed to create checkout session",
			slog.String("discord_id", identity.ExternalID),
			slog.String("error", err.Error()),
		)
		h.record(metrics.ResultFailure)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": payment.ProviderMessage(err),
		})
		return
	}

	slog.Info("checkout session created",
		slog.String("discord_id", identity.ExternalID),
		slog.String("checkout_session_id", result.SessionID),
	)
	h.record(metrics.ResultSuccess)
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": result.SessionID})
}

func (h *CheckoutHandler) record(result string) {
	if h.metrics != nil {
		h.metrics.RecordCheckout(result)
	}
}
