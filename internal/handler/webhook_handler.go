package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/clarivex/internal/entitlement"
	"github.com/hitoshi/clarivex/internal/middleware"
	"github.com/hitoshi/clarivex/internal/payment"
)

const (
	// maxWebhookBodySize はWebhookリクエストボディの上限（64KiB）。
	maxWebhookBodySize    = 64 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// EventVerifier はWebhookの署名を検証し、決済イベントを返す。
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (*payment.PaymentEvent, error)
}

// EventHandler は検証済みの決済イベントを処理する。
type EventHandler interface {
	HandleEvent(ctx context.Context, event *payment.PaymentEvent) (entitlement.Outcome, error)
}

// WebhookHandler は決済プロバイダーからのWebhookを受信する。
type WebhookHandler struct {
	verifier EventVerifier
	events   EventHandler
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(verifier EventVerifier, events EventHandler) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, events: events}
}

// Receive は未加工のボディの署名を検証してからイベントを処理する。
// 署名が不正な場合は400を返し、状態は変更しない。
// Bot通知の失敗は200で応答する。永続化の失敗は500で応答し、プロバイダーに再送させる。
// POST /stripe-webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeWebhookError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeWebhookError(w, http.StatusBadRequest, err.Error())
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		slog.Warn("webhook verification failed", slog.String("error", err.Error()))
		writeWebhookError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.events.HandleEvent(r.Context(), event)
	if err != nil {
		slog.Error("failed to process webhook event",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	slog.Info("webhook event processed",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("outcome", string(outcome)),
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func writeWebhookError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, "Webhook Error: "+msg)
}
