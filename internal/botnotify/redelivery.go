package botnotify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/clarivex/internal/metrics"
	"github.com/hitoshi/clarivex/internal/repository"
)

// RedeliveryConfig は再配送ジョブの設定パラメータ。
type RedeliveryConfig struct {
	// Interval はジョブの実行間隔（デフォルト: 1分）。
	Interval time.Duration
	// BatchSize は1サイクルで処理する通知の最大件数（デフォルト: 50）。
	BatchSize int
	// MaxAttempts はfailedに遷移するまでの最大試行回数（デフォルト: 10）。
	MaxAttempts int
	// MaxConsecutiveFailures は1サイクル内で連続失敗した場合にサイクルを打ち切る回数（デフォルト: 3）。
	MaxConsecutiveFailures int
}

// DefaultRedeliveryConfig はデフォルトの再配送ジョブ設定を返す。
func DefaultRedeliveryConfig() RedeliveryConfig {
	return RedeliveryConfig{
		Interval:               time.Minute,
		BatchSize:              50,
		MaxAttempts:            10,
		MaxConsecutiveFailures: 3,
	}
}

// RedeliveryJob は配送に失敗したBot通知の再配送ジョブ。
// 定期的にpendingの通知を古い順に取得し、Botへ再送する。
type RedeliveryJob struct {
	repo     repository.NotificationRepository
	notifier Notifier
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	config   RedeliveryConfig
	now      func() time.Time
}

// NewRedeliveryJob はRedeliveryJobの新しいインスタンスを生成する。
func NewRedeliveryJob(
	repo repository.NotificationRepository,
	notifier Notifier,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	config RedeliveryConfig,
) *RedeliveryJob {
	return &RedeliveryJob{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		metrics:  collector,
		config:   config,
		now:      time.Now,
	}
}

// Start は再配送ジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *RedeliveryJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("Bot通知再配送ジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Int("batch_size", j.config.BatchSize),
		slog.Int("max_attempts", j.config.MaxAttempts),
	)

	if err := j.RunOnce(ctx); err != nil {
		j.logger.Error("Bot通知再配送サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Bot通知再配送ジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				j.logger.Error("Bot通知再配送サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回の再配送サイクルを実行する。
func (j *RedeliveryJob) RunOnce(ctx context.Context) error {
	start := time.Now()

	pending, err := j.repo.ListPending(ctx, j.config.BatchSize)
	if err != nil {
		return fmt.Errorf("再配送対象の通知取得に失敗しました: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	var delivered, failed, consecutiveFailures int
	for _, n := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if consecutiveFailures >= j.config.MaxConsecutiveFailures {
			j.logger.Warn("連続して配送に失敗したため再配送サイクルを打ち切ります",
				slog.Int("consecutive_failures", consecutiveFailures),
			)
			break
		}

		err := j.notifier.Notify(ctx, Notification{DiscordID: n.ExternalID, Premium: n.Premium})
		if err != nil {
			failed++
			consecutiveFailures++
			j.recordNotification(metrics.ResultFailure)

			j.logger.Error("Bot通知の再配送に失敗しました",
				slog.String("notification_id", n.ID),
				slog.String("discord_id", n.ExternalID),
				slog.Int("attempts", n.Attempts+1),
				slog.String("error", err.Error()),
			)
			if err := j.repo.MarkAttemptFailed(ctx, n.ID, err.Error(), j.config.MaxAttempts, j.now()); err != nil {
				j.logger.Error("再配送失敗の記録に失敗しました",
					slog.String("notification_id", n.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		consecutiveFailures = 0
		delivered++
		j.recordNotification(metrics.ResultSuccess)

		if err := j.repo.MarkDelivered(ctx, n.ID, j.now()); err != nil {
			j.logger.Error("配送済みの記録に失敗しました",
				slog.String("notification_id", n.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	j.logger.Info("Bot通知再配送サイクルが完了しました",
		slog.Int("pending", len(pending)),
		slog.Int("delivered", delivered),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

func (j *RedeliveryJob) recordNotification(result string) {
	if j.metrics != nil {
		j.metrics.RecordNotification(result)
	}
}
