package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/clarivex/internal/model"
)

// --- モック定義 ---

type mockPremiumChecker struct {
	isPremiumFn func(ctx context.Context, externalID string) (bool, error)
}

func (m *mockPremiumChecker) IsPremium(ctx context.Context, externalID string) (bool, error) {
	if m.isPremiumFn != nil {
		return m.isPremiumFn(ctx, externalID)
	}
	return false, nil
}

func decodeMe(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

// --- テスト ---

func TestMeHandler_Me_ReturnsIdentity(t *testing.T) {
	h := NewMeHandler(nil)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/me", nil), testIdentity)
	w := httptest.NewRecorder()
	h.Me(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := decodeMe(t, w)
	want := map[string]string{
		"id":            "123",
		"username":      "alice",
		"discriminator": "0001",
		"avatar":        "abc",
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %q", k, body[k], v)
		}
	}
	if _, ok := body["premium"]; ok {
		t.Error("premium should be omitted without a checker")
	}
}

func TestMeHandler_Me_EmptyAvatar(t *testing.T) {
	h := NewMeHandler(nil)

	identity := &model.Identity{ExternalID: "456", Username: "bob", Discriminator: "0"}
	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/me", nil), identity)
	w := httptest.NewRecorder()
	h.Me(w, req)

	body := decodeMe(t, w)
	if avatar, ok := body["avatar"]; !ok || avatar != "" {
		t.Errorf("avatar = %v, want empty string", avatar)
	}
}

func TestMeHandler_Me_IncludesPremium(t *testing.T) {
	var gotID string
	h := NewMeHandler(&mockPremiumChecker{
		isPremiumFn: func(ctx context.Context, externalID string) (bool, error) {
			gotID = externalID
			return true, nil
		},
	})

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/me", nil), testIdentity)
	w := httptest.NewRecorder()
	h.Me(w, req)

	body := decodeMe(t, w)
	if body["premium"] != true {
		t.Errorf("premium = %v, want true", body["premium"])
	}
	if gotID != "123" {
		t.Errorf("checked id = %q, want 123", gotID)
	}
}

func TestMeHandler_Me_PremiumLookupFailure(t *testing.T) {
	h := NewMeHandler(&mockPremiumChecker{
		isPremiumFn: func(ctx context.Context, externalID string) (bool, error) {
			return false, errors.New("db down")
		},
	})

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/me", nil), testIdentity)
	w := httptest.NewRecorder()
	h.Me(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeMe(t, w)
	if body["id"] != "123" {
		t.Errorf("id = %v, want 123", body["id"])
	}
	if _, ok := body["premium"]; ok {
		t.Error("premium should be omitted when lookup fails")
	}
}

func TestMeHandler_Me_WithoutIdentity(t *testing.T) {
	h := NewMeHandler(nil)

	w := httptest.NewRecorder()
	h.Me(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
