package service

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/evaluation-api/internal/models"
)

// Notifier delivers a push message to one user.
type Notifier interface {
	Notify(ctx context.Context, notification models.Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notification models.Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, notification models.Notification) error {
	return f(ctx, notification)
}

// LogNotifier writes notifications to the log. Used when no push gateway is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, notification models.Notification) error {
	n.logger.Info("notification",
		zap.String("user_id", notification.UserID),
		zap.String("message", notification.Message),
		zap.String("url", notification.URL))
	return nil
}

// NotificationService fans notifications out to a Notifier. Every message is attempted
// even when others fail.
type NotificationService struct {
	notifier    Notifier
	logger      *zap.Logger
	enabled     bool
	concurrency int
}

// NewNotificationService constructs the dispatcher.
func NewNotificationService(notifier Notifier, logger *zap.Logger, enabled bool, concurrency int) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &NotificationService{notifier: notifier, logger: logger, enabled: enabled, concurrency: concurrency}
}

// Dispatch sends every notification and returns how many failed.
func (s *NotificationService) Dispatch(ctx context.Context, notifications ...models.Notification) int {
	if s == nil || !s.enabled || len(notifications) == 0 {
		return 0
	}
	var failed int32
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, n := range notifications {
		n := n
		if n.UserID == "" {
			continue
		}
		g.Go(func() error {
			if err := s.notifier.Notify(ctx, n); err != nil {
				atomic.AddInt32(&failed, 1)
				s.logger.Warn("notification delivery failed", zap.String("user_id", n.UserID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed)
}
