package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/clarivex/internal/middleware"
	"github.com/hitoshi/clarivex/internal/model"
)

// PremiumChecker はプレミアム権限の有無を返す。
type PremiumChecker interface {
	IsPremium(ctx context.Context, externalID string) (bool, error)
}

// meResponse はGET /api/meのレスポンス。
// Discordのavatarが未設定の場合は空文字列を返す。
type meResponse struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
	Premium       *bool  `json:"premium,omitempty"`
}

// MeHandler はログイン中ユーザーの情報を返す。
type MeHandler struct {
	premium PremiumChecker
}

// NewMeHandler はMeHandlerを生成する。premiumがnilの場合はpremiumフィールドを返さない。
func NewMeHandler(premium PremiumChecker) *MeHandler {
	return &MeHandler{premium: premium}
}

// Me は現在のセッションのIdentityを返す。
// GET /api/me
func (h *MeHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	resp := meResponse{
		ID:            identity.ExternalID,
		Username:      identity.Username,
		Discriminator: identity.Discriminator,
		Avatar:        identity.Avatar,
	}

	if h.premium != nil {
		premium, err := h.premium.IsPremium(r.Context(), identity.ExternalID)
		if err != nil {
			// 権限の参照に失敗してもIdentityは返す
			slog.Error("failed to check premium entitlement",
				slog.String("discord_id", identity.ExternalID),
				slog.String("error", err.Error()),
			)
		} else {
			resp.Premium = &premium
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
