package botnotify

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hitoshi/clarivex/internal/model"
)

// --- モック定義 ---

type mockNotificationRepo struct {
	listPendingFn       func(ctx context.Context, limit int) ([]*model.BotNotification, error)
	markDeliveredFn     func(ctx context.Context, id string, now time.Time) error
	markAttemptFailedFn func(ctx context.Context, id, lastError string, maxAttempts int, now time.Time) error
}

func (m *mockNotificationRepo) Enqueue(ctx context.Context, n *model.BotNotification) error {
	return nil
}

func (m *mockNotificationRepo) ListPending(ctx context.Context, limit int) ([]*model.BotNotification, error) {
	if m.listPendingFn != nil {
		return m.listPendingFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockNotificationRepo) MarkDelivered(ctx context.Context, id string, now time.Time) error {
	if m.markDeliveredFn != nil {
		return m.markDeliveredFn(ctx, id, now)
	}
	return nil
}

func (m *mockNotificationRepo) MarkAttemptFailed(ctx context.Context, id, lastError string, maxAttempts int, now time.Time) error {
	if m.markAttemptFailedFn != nil {
		return m.markAttemptFailedFn(ctx, id, lastError, maxAttempts, now)
	}
	return nil
}

type mockNotifier struct {
	notifyFn func(ctx context.Context, n Notification) error
}

func (m *mockNotifier) Notify(ctx context.Context, n Notification) error {
	if m.notifyFn != nil {
		return m.notifyFn(ctx, n)
	}
	return nil
}

func pendingNotifications(ids ...string) []*model.BotNotification {
	var out []*model.BotNotification
	for _, id := range ids {
		out = append(out, &model.BotNotification{
			ID:         id,
			ExternalID: "discord-" + id,
			Premium:    true,
			Status:     model.NotificationStatusPending,
		})
	}
	return out
}

// --- テスト ---

func TestDefaultRedeliveryConfig(t *testing.T) {
	cfg := DefaultRedeliveryConfig()

	if cfg.Interval != time.Minute {
		t.Errorf("Interval = %v, want 1m", cfg.Interval)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.BatchSize)
	}
	if cfg.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d, want 10", cfg.MaxAttempts)
	}
}

func TestRedeliveryJob_RunOnce_NoPending(t *testing.T) {
	notified := false
	job := NewRedeliveryJob(
		&mockNotificationRepo{},
		&mockNotifier{notifyFn: func(ctx context.Context, n Notification) error {
			notified = true
			return nil
		}},
		newTestLogger(io.Discard), nil, DefaultRedeliveryConfig(),
	)

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if notified {
		t.Error("notifier should not be called without pending notifications")
	}
}

func TestRedeliveryJob_RunOnce_DeliversPending(t *testing.T) {
	var limitUsed int
	var delivered []string
	var sent []Notification

	repo := &mockNotificationRepo{
		listPendingFn: func(ctx context.Context, limit int) ([]*model.BotNotification, error) {
			limitUsed = limit
			return pendingNotifications("a", "b"), nil
		},
		markDeliveredFn: func(ctx context.Context, id string, now time.Time) error {
			delivered = append(delivered, id)
			return nil
		},
	}
	notifier := &mockNotifier{notifyFn: func(ctx context.Context, n Notification) error {
		sent = append(sent, n)
		return nil
	}}

	job := NewRedeliveryJob(repo, notifier, newTestLogger(io.Discard), nil, DefaultRedeliveryConfig())
	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if limitUsed != 50 {
		t.Errorf("limit = %d, want 50", limitUsed)
	}
	if len(delivered) != 2 || delivered[0] != "a" || delivered[1] != "b" {
		t.Errorf("delivered = %v, want [a b]", delivered)
	}
	if len(sent) != 2 || sent[0].DiscordID != "discord-a" || !sent[0].Premium {
		t.Errorf("sent = %+v", sent)
	}
}

func TestRedeliveryJob_RunOnce_RecordsFailure(t *testing.T) {
	var failedID, lastError string
	var maxAttempts int

	repo := &mockNotificationRepo{
		listPendingFn: func(ctx context.Context, limit int) ([]*model.BotNotification, error) {
			return pendingNotifications("a"), nil
		},
		markDeliveredFn: func(ctx context.Context, id string, now time.Time) error {
			t.Error("MarkDelivered must not be called on failure")
			return nil
		},
		markAttemptFailedFn: func(ctx context.Context, id, errMsg string, max int, now time.Time) error {
			failedID, lastError, maxAttempts = id, errMsg, max
			return nil
		},
	}
	notifier := &mockNotifier{notifyFn: func(ctx context.Context, n Notification) error {
		return errors.New("connection refused")
	}}

	job := NewRedeliveryJob(repo, notifier, newTestLogger(io.Discard), nil, DefaultRedeliveryConfig())
	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if failedID != "a" {
		t.Errorf("failed id = %q, want a", failedID)
	}
	if lastError != "connection refused" {
		t.Errorf("last error = %q", lastError)
	}
	if maxAttempts != 10 {
		t.Errorf("maxAttempts = %d, want 10", maxAttempts)
	}
}

func TestRedeliveryJob_RunOnce_StopsAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	repo := &mockNotificationRepo{
		listPendingFn: func(ctx context.Context, limit int) ([]*model.BotNotification, error) {
			return pendingNotifications("a", "b", "c", "d", "e"), nil
		},
	}
	notifier := &mockNotifier{notifyFn: func(ctx context.Context, n Notification) error {
		calls++
		return errors.New("bot down")
	}}

	job := NewRedeliveryJob(repo, notifier, newTestLogger(io.Discard), nil, DefaultRedeliveryConfig())
	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if calls != 3 {
		t.Errorf("notify calls = %d, want 3", calls)
	}
}

func TestRedeliveryJob_RunOnce_ListError(t *testing.T) {
	repo := &mockNotificationRepo{
		listPendingFn: func(ctx context.Context, limit int) ([]*model.BotNotification, error) {
			return nil, errors.New("db down")
		},
	}

	job := NewRedeliveryJob(repo, &mockNotifier{}, newTestLogger(io.Discard), nil, DefaultRedeliveryConfig())
	if err := job.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRedeliveryJob_Start_StopsOnCancel(t *testing.T) {
	cfg := DefaultRedeliveryConfig()
	cfg.Interval = 10 * time.Millisecond
	job := NewRedeliveryJob(&mockNotificationRepo{}, &mockNotifier{}, newTestLogger(io.Discard), nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
