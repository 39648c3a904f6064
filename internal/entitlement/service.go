// Package entitlement は支払い完了イベントを受けてプレミアム権限を付与する。
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/clarivex/internal/botnotify"
	"github.com/hitoshi/clarivex/internal/metrics"
	"github.com/hitoshi/clarivex/internal/model"
	"github.com/hitoshi/clarivex/internal/payment"
	"github.com/hitoshi/clarivex/internal/repository"
)

// Outcome はイベント処理の結果を表す。メトリクスのラベルにも使用する。
type Outcome string

const (
	// OutcomeIgnored は処理対象外のイベントタイプ。
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDuplicate は処理済みイベントの再送。
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeMissingID はメタデータにDiscord IDがない支払い完了イベント。
	OutcomeMissingID Outcome = "missing_discord_id"
	// OutcomeGranted は権限を付与しBotへの通知に成功した。
	OutcomeGranted Outcome = "granted"
	// OutcomeNotifyQueued は権限を付与したがBotへの通知に失敗し、再配送待ちにした。
	OutcomeNotifyQueued Outcome = "notify_queued"
)

const (
	// defaultNotifyTimeout はBot通知（リトライを含む）全体の上限。
	defaultNotifyTimeout = 30 * time.Second
	// enqueueTimeout は再配送キューへの登録の上限。
	enqueueTimeout = 5 * time.Second
)

// Service は決済イベントの処理を提供する。
type Service struct {
	entitlementRepo  repository.EntitlementRepository
	eventRepo        repository.WebhookEventRepository
	notificationRepo repository.NotificationRepository
	notifier         botnotify.Notifier
	metrics          metrics.MetricsCollector
	now              func() time.Time

	// NotifyTimeout はBot通知全体のタイムアウト。
	// 通知はリクエストのキャンセルから切り離して実行する。
	NotifyTimeout time.Duration
}

// NewService はServiceを生成する。collectorはnilでもよい。
func NewService(
	entitlementRepo repository.EntitlementRepository,
	eventRepo repository.WebhookEventRepository,
	notificationRepo repository.NotificationRepository,
	notifier botnotify.Notifier,
	collector metrics.MetricsCollector,
) *Service {
	return &Service{
		entitlementRepo:  entitlementRepo,
		eventRepo:        eventRepo,
		notificationRepo: notificationRepo,
		notifier:         notifier,
		metrics:          collector,
		now:              time.Now,
		NotifyTimeout:    defaultNotifyTimeout,
	}
}

// HandleEvent は署名検証済みの決済イベントを処理する。
// 支払い完了イベントの場合は権限を付与し、Botに通知する。
// Bot通知の失敗はエラーとして返さず、再配送待ちとして記録する。
// 永続化に失敗した場合はエラーを返し、呼び出し元はプロバイダーに再送させる。
func (s *Service) HandleEvent(ctx context.Context, event *payment.PaymentEvent) (Outcome, error) {
	outcome, err := s.handle(ctx, event)
	if err == nil && s.metrics != nil {
		s.metrics.RecordWebhookEvent(event.Type, string(outcome))
	}
	return outcome, err
}

func (s *Service) handle(ctx context.Context, event *payment.PaymentEvent) (Outcome, error) {
	if !event.Completed() {
		slog.Debug("unhandled webhook event type",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
		)
		return OutcomeIgnored, nil
	}

	if event.ExternalID == "" {
		slog.Warn("checkout session completed without discordId metadata",
			slog.String("event_id", event.ID),
			slog.String("checkout_session_id", event.CheckoutSessionID),
		)
		return OutcomeMissingID, nil
	}

	// Grantは冪等なので、イベント記録より先に行う。
	// 記録に失敗して再送された場合も権限付与がやり直される。
	if err := s.entitlementRepo.Grant(ctx, event.ExternalID, event.CheckoutSessionID, s.now()); err != nil {
		return "", fmt.Errorf("failed to grant entitlement: %w", err)
	}

	first, err := s.eventRepo.MarkProcessed(ctx, event.ID, event.Type, s.now())
	if err != nil {
		return "", fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !first {
		slog.Info("duplicate webhook event skipped", slog.String("event_id", event.ID))
		return OutcomeDuplicate, nil
	}

	slog.Info("premium entitlement granted",
		slog.String("event_id", event.ID),
		slog.String("discord_id", event.ExternalID),
	)

	if s.notify(ctx, event.ExternalID) {
		return OutcomeGranted, nil
	}
	return OutcomeNotifyQueued, nil
}

// notify はBotに通知し、成功したかを返す。
// 失敗した場合は再配送キューに登録する。
// イベントは記録済みで再送では通知されないため、プロバイダーの切断でリクエストが
// キャンセルされても通知と登録は継続する。
func (s *Service) notify(ctx context.Context, externalID string) bool {
	detached := context.WithoutCancel(ctx)

	notifyCtx, cancel := context.WithTimeout(detached, s.NotifyTimeout)
	defer cancel()

	start := time.Now()
	err := s.notifier.Notify(notifyCtx, botnotify.Notification{DiscordID: externalID, Premium: true})
	if s.metrics != nil {
		s.metrics.RecordNotifyLatency(time.Since(start))
	}

	if err == nil {
		s.recordNotification(metrics.ResultSuccess)
		return true
	}

	s.recordNotification(metrics.ResultFailure)
	slog.Error("failed to notify bot",
		slog.String("discord_id", externalID),
		slog.String("error", err.Error()),
	)

	now := s.now()
	pending := &model.BotNotification{
		ID:         uuid.New().String(),
		ExternalID: externalID,
		Premium:    true,
		Status:     model.NotificationStatusPending,
		Attempts:   1,
		LastError:  err.Error(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	enqueueCtx, cancelEnqueue := context.WithTimeout(detached, enqueueTimeout)
	defer cancelEnqueue()
	if err := s.notificationRepo.Enqueue(enqueueCtx, pending); err != nil {
		slog.Error("failed to enqueue bot notification for redelivery",
			slog.String("discord_id", externalID),
			slog.String("error", err.Error()),
		)
	}
	return false
}

func (s *Service) recordNotification(result string) {
	if s.metrics != nil {
		s.metrics.RecordNotification(result)
	}
}

// IsPremium は指定Discord IDがプレミアム権限を持つかを返す。
func (s *Service) IsPremium(ctx context.Context, externalID string) (bool, error) {
	e, err := s.entitlementRepo.FindByExternalID(ctx, externalID)
	if err != nil {
		return false, fmt.Errorf("failed to find entitlement: %w", err)
	}
	return e != nil && e.IsPremium, nil
}
