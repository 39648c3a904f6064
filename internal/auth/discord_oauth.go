package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/clarivex/internal/model"
)

const (
	defaultDiscordAuthURL     = "https://discord.com/oauth2/authorize"
	defaultDiscordTokenURL    = "https://discord.com/api/oauth2/token"
	defaultDiscordUserInfoURL = "https://discord.com/api/users/@me"

	// discordScope はユーザー識別に必要な最小スコープ。
	discordScope = "identify"

	defaultDiscordTimeout = 10 * time.Second
)

// DiscordOAuthConfig はDiscord OAuthプロバイダーの設定。
type DiscordOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient が未指定の場合はタイムアウト付きのクライアントを使用する
	HTTPClient *http.Client
}

// DiscordOAuthProvider はDiscord OAuth 2.0による認証を提供する。
// 認可URLの生成とトークン交換はoauth2.Configに任せる。
type DiscordOAuthProvider struct {
	config     DiscordOAuthConfig
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewDiscordOAuthProvider はDiscordOAuthProviderを生成する。
func NewDiscordOAuthProvider(config DiscordOAuthConfig) *DiscordOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultDiscordAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultDiscordTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultDiscordUserInfoURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultDiscordTimeout}
	}
	return &DiscordOAuthProvider{
		config: config,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{discordScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

// GetLoginURL はDiscord OAuthの認可URLを生成する。
// スコープはidentifyのみ。
func (p *DiscordOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// discordUser はDiscordの /users/@me エンドポイントのレスポンス。
// avatarは未設定の場合nullになる。
type discordUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	Avatar        *string `json:"avatar"`
}

// ExchangeCode は認可コードをアクセストークンに交換し、ユーザー情報を取得する。
// アクセストークン・リフレッシュトークンはこのメソッド内で破棄し、正規化したIdentityのみを返す。
func (p *DiscordOAuthProvider) ExchangeCode(ctx context.Context, code string) (*model.Identity, error) {
	// 1. 認可コードをアクセストークンに交換
	token, err := p.exchangeToken(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	// 2. アクセストークンでユーザー情報を取得
	user, err := p.fetchUser(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	identity := &model.Identity{
		ExternalID:    user.ID,
		Username:      user.Username,
		Discriminator: user.Discriminator,
	}
	if user.Avatar != nil {
		identity.Avatar = *user.Avatar
	}

	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discord user: %w", err)
	}

	return identity, nil
}

// exchangeToken は認可コードをアクセストークンに交換する。
// エラー応答は *oauth2.RetrieveError として返る。
func (p *DiscordOAuthProvider) exchangeToken(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// fetchUser はアクセストークンでDiscordのユーザー情報を取得する。
func (p *DiscordOAuthProvider) fetchUser(ctx context.Context, accessToken string) (*discordUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, err := p.do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}

	var user discordUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}

	if user.ID == "" {
		return nil, fmt.Errorf("empty id in user info response")
	}

	return &user, nil
}

// do はリクエストを実行し、200以外のステータスをエラーとして返す。
func (p *DiscordOAuthProvider) do(req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// compile-time interface check
var _ OAuthProvider = (*DiscordOAuthProvider)(nil)
