package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/evaluation-api/internal/models"
)

const (
	leaseSweepLockKey  = "lease:sweep"
	leaseExpiredReason = "time limit exceeded"
)

type leaseCopyStore interface {
	ListLeaseExpired(ctx context.Context, now time.Time, limit int) ([]models.EvaluationCopy, error)
	ListReviewExpired(ctx context.Context, now time.Time, limit int) ([]models.EvaluationCopy, error)
	ReclaimExpired(ctx context.Context, id string, assignedAt time.Time) (bool, error)
}

type leaseLocker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

type expiredReviewDropper interface {
	DropExpired(ctx context.Context, candidates []models.EvaluationCopy) int
	ReclaimExpiredRechecks(ctx context.Context, candidates []models.EvaluationCopy) int
}

// LeaseConfig tunes the sweeper.
type LeaseConfig struct {
	Interval time.Duration
	Batch    int
	LockTTL  time.Duration
}

// LeaseSweepResult counts what one sweep released.
type LeaseSweepResult struct {
	Reclaimed         int
	ReviewsDropped    int
	RechecksReclaimed int
}

// LeaseService reclaims copies whose checking lease expired and drops stale reviews.
// A copy is reclaimed only while it still carries the exact lease the sweep observed.
type LeaseService struct {
	copies    leaseCopyStore
	locker    leaseLocker
	reviews   expiredReviewDropper
	ledger    reviewLedger
	publisher bundlePublisher
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       LeaseConfig
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// LeaseServiceOption configures the sweeper.
type LeaseServiceOption func(*LeaseService)

// WithLeaseClock overrides the time source.
func WithLeaseClock(now func() time.Time) LeaseServiceOption {
	return func(s *LeaseService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLeaseMetrics attaches metrics.
func WithLeaseMetrics(metrics *MetricsService) LeaseServiceOption {
	return func(s *LeaseService) { s.metrics = metrics }
}

// NewLeaseService constructs the sweeper. locker may be nil, in which case every sweep runs.
func NewLeaseService(copies leaseCopyStore, locker leaseLocker, reviews expiredReviewDropper, ledger reviewLedger, publisher bundlePublisher, logger *zap.Logger, cfg LeaseConfig, opts ...LeaseServiceOption) *LeaseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	svc := &LeaseService{
		copies:    copies,
		locker:    locker,
		reviews:   reviews,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Start runs the sweep on every tick until Stop or ctx cancellation.
func (s *LeaseService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := time.NewTicker(s.cfg.Interval)
	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Warn("lease sweep failed", zap.Error(err))
				}
			}
		}
	}(s.done)
	s.logger.Info("lease sweeper started", zap.Duration("interval", s.cfg.Interval))
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (s *LeaseService) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("lease sweeper stopped")
}

// Sweep releases one batch of expired checking, review and re-check leases. When another
// instance holds the sweep lock nothing is done.
func (s *LeaseService) Sweep(ctx context.Context) (LeaseSweepResult, error) {
	var result LeaseSweepResult
	if s.locker != nil {
		token := uuid.NewString()
		acquired, err := s.locker.TryLock(ctx, leaseSweepLockKey, token, s.cfg.LockTTL)
		switch {
		case err != nil:
			s.logger.Warn("sweep lock unavailable, sweeping without it", zap.Error(err))
		case !acquired:
			return result, nil
		default:
			defer func() {
				if err := s.locker.Unlock(context.Background(), leaseSweepLockKey, token); err != nil {
					s.logger.Warn("sweep unlock failed", zap.Error(err))
				}
			}()
		}
	}

	now := s.now()
	reclaimed, err := s.reclaimExpired(ctx, now)
	result.Reclaimed = reclaimed
	if err != nil {
		return result, err
	}

	expired, err := s.copies.ListReviewExpired(ctx, now, s.cfg.Batch)
	if err != nil {
		return result, err
	}
	if len(expired) > 0 && s.reviews != nil {
		result.ReviewsDropped = s.reviews.DropExpired(ctx, expired)
		result.RechecksReclaimed = s.reviews.ReclaimExpiredRechecks(ctx, expired)
	}
	if result.Reclaimed > 0 || result.ReviewsDropped > 0 || result.RechecksReclaimed > 0 {
		s.logger.Info("lease sweep released copies",
			zap.Int("reclaimed", result.Reclaimed),
			zap.Int("reviews_dropped", result.ReviewsDropped),
			zap.Int("rechecks_reclaimed", result.RechecksReclaimed))
	}
	return result, nil
}

func (s *LeaseService) reclaimExpired(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.copies.ListLeaseExpired(ctx, now, s.cfg.Batch)
	if err != nil {
		return 0, err
	}

	byEvaluator := make(map[string][]models.EvaluationCopy)
	order := make([]string, 0)
	papers := make([]string, 0, len(candidates))
	for i := range candidates {
		c := candidates[i]
		if c.AssignedTime == nil {
			continue
		}
		ok, err := s.copies.ReclaimExpired(ctx, c.ID, *c.AssignedTime)
		if err != nil {
			s.logger.Warn("reclaim expired copy failed", zap.String("copy_id", c.ID), zap.Error(err))
			continue
		}
		if !ok {
			// reassigned or checked since it was listed
			continue
		}
		evaluator := c.Teacher()
		if _, seen := byEvaluator[evaluator]; !seen {
			order = append(order, evaluator)
		}
		byEvaluator[evaluator] = append(byEvaluator[evaluator], c)
		papers = append(papers, c.PaperID)
	}

	total := 0
	for _, evaluator := range order {
		group := byEvaluator[evaluator]
		total += len(group)
		s.ledger.Record(ctx, s.ledger.Entries(models.LedgerWithdrawn, evaluator, group, leaseExpiredReason)...)
	}
	s.metrics.IncCopiesReclaimed("lease", total)
	s.publisher.Publish(ctx, papers...)
	return total, nil
}
