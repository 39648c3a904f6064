// Package botnotify はDiscord Botへのプレミアム権限通知を提供する。
// 通知APIの呼び出しと、配送に失敗した通知の再配送ジョブを含む。
package botnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// maxResponseBodySize は読み捨てるレスポンスボディの上限。
const maxResponseBodySize = 64 * 1024

// Notification はBotに送信する通知ペイロード。
type Notification struct {
	DiscordID string `json:"discordId"`
	Premium   bool   `json:"premium"`
}

// Notifier はBot通知のインターフェース。
// テスト時にモックに差し替え可能。
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ClientConfig は通知クライアントの設定。
type ClientConfig struct {
	// Endpoint はBotの通知受付URL。
	Endpoint string
	// AttemptTimeout は1回の送信のタイムアウト（デフォルト: 5秒）。
	AttemptTimeout time.Duration
	// MaxElapsed はリトライを含めた送信全体の上限時間（デフォルト: 15秒）。
	MaxElapsed time.Duration
	// MaxRetries は初回送信後の最大リトライ回数（デフォルト: 3）。
	MaxRetries uint64
	// InitialInterval は最初のリトライまでの待機時間（デフォルト: 200ミリ秒）。
	InitialInterval time.Duration
}

// DefaultClientConfig はデフォルトの通知クライアント設定を返す。
func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint:        endpoint,
		AttemptTimeout:  5 * time.Second,
		MaxElapsed:      15 * time.Second,
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
	}
}

// StatusError はBotが2xx以外のステータスを返したことを表す。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bot endpoint returned status %d", e.StatusCode)
}

// Retryable はリトライで回復し得るステータスかを返す。
// 5xxと429はリトライし、それ以外の4xxは恒久的な失敗として扱う。
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client はBot通知APIのクライアント。
// 送信失敗時は指数バックオフで上限回数までリトライする。
type Client struct {
	httpClient   *http.Client
	logger       *slog.Logger
	config       ClientConfig
	buildBackoff func() backoff.BackOff
}

var _ Notifier = (*Client)(nil)

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, config ClientConfig) *Client {
	c := &Client{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
	c.buildBackoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.config.InitialInterval
		b.MaxElapsedTime = c.config.MaxElapsed
		return backoff.WithMaxRetries(b, c.config.MaxRetries)
	}
	return c
}

// Notify はBotにプレミアム権限の変更を通知する。
// 全ての試行が失敗した場合は最後のエラーを返す。
func (c *Client) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	attempts := 0
	operation := func() error {
		attempts++
		err := c.send(ctx, body)
		if err == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return backoff.Permanent(err)
		}

		c.logger.Warn("Bot通知に失敗しました。リトライします",
			slog.String("discord_id", n.DiscordID),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.buildBackoff(), ctx)); err != nil {
		return fmt.Errorf("failed to notify bot after %d attempts: %w", attempts, err)
	}

	c.logger.Info("Bot通知が完了しました",
		slog.String("discord_id", n.DiscordID),
		slog.Int("attempts", attempts),
	)
	return nil
}

// send は1回分の通知リクエストを送信する。
func (c *Client) send(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Clarivex/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
