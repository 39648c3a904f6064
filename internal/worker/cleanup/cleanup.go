// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// 期限切れのセッションと、保持期間を超過した処理済みWebhookイベント・
// 配送完了済みのBot通知を削除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SessionExpirer は期限切れセッションを削除する。
// repository.SessionRepositoryの部分集合。
type SessionExpirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// purgeQueries は保持期間を超過した行を削除するクエリ。
// 再配送待ちの通知は削除しない。
var purgeQueries = []struct {
	table string
	query string
}{
	{
		table: "webhook_events",
		query: `DELETE FROM webhook_events WHERE received_at < now() - $1::interval`,
	},
	{
		table: "bot_notifications",
		query: `DELETE FROM bot_notifications WHERE status <> 'pending' AND updated_at < now() - $1::interval`,
	},
}

// CleanupJob は期限切れデータの削除ジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions      SessionExpirer
	db            Executor
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // Webhookイベント・通知の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// dbがnilの場合はセッションの削除のみを行う。
func NewCleanupJob(sessions SessionExpirer, db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions:      sessions,
		db:            db,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 90,
	}
}

// Start はintervalごとにRunを実行する。ctxがキャンセルされると終了する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("クリーンアップジョブを開始しました",
		slog.String("interval", interval.String()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			// エラーはRun内でログに記録済み
			_ = j.Run(ctx)
		}
	}
}

// Run は期限切れセッションと保持期間を超過した行を削除する。
// 一部の削除に失敗しても残りは実行し、失敗をまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var errs []error

	deletedSessions, err := j.sessions.DeleteExpired(ctx, j.now())
	if err != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("期限切れセッションの削除に失敗: %w", err))
	}

	var deletedRows int64
	if j.db != nil {
		interval := fmt.Sprintf("%d days", j.RetentionDays)
		for _, p := range purgeQueries {
			n, err := j.purge(ctx, p.query, interval)
			if err != nil {
				j.logger.Error("保持期間超過データの削除に失敗しました",
					slog.String("table", p.table),
					slog.String("error", err.Error()),
					slog.Int("retention_days", j.RetentionDays),
				)
				errs = append(errs, fmt.Errorf("%sの削除に失敗: %w", p.table, err))
				continue
			}
			deletedRows += n
		}
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", deletedSessions),
		slog.Int64("deleted_count", deletedRows),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return errors.Join(errs...)
}

func (j *CleanupJob) purge(ctx context.Context, query, interval string) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return n, nil
}
