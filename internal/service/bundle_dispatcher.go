package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
	"github.com/noah-isme/evaluation-api/pkg/jobs"
)

const bundleRefreshJob = "bundle.refresh"

type bundleRefresher interface {
	RefreshBundle(ctx context.Context, paperID string) (*models.Bundle, error)
	Evict(ctx context.Context, paperIDs ...string)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// BundleDispatcher is the single consumer of copy transitions that change a paper's bundle.
// Transitions publish paper ids after their writes return; the dispatcher schedules one
// keyed refresh per paper on the queue, or refreshes inline when no queue is attached.
type BundleDispatcher struct {
	refresher bundleRefresher
	queue     jobDispatcher
	logger    *zap.Logger
}

// NewBundleDispatcher constructs a dispatcher that refreshes synchronously until a queue is attached.
func NewBundleDispatcher(refresher bundleRefresher, logger *zap.Logger) *BundleDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BundleDispatcher{refresher: refresher, logger: logger}
}

// Attach routes future publications through queue.
func (d *BundleDispatcher) Attach(queue jobDispatcher) {
	d.queue = queue
}

// Publish announces that the bundles of the given papers are stale.
func (d *BundleDispatcher) Publish(ctx context.Context, paperIDs ...string) {
	if d == nil {
		return
	}
	seen := make(map[string]struct{}, len(paperIDs))
	for _, paperID := range paperIDs {
		if paperID == "" {
			continue
		}
		if _, dup := seen[paperID]; dup {
			continue
		}
		seen[paperID] = struct{}{}

		if d.queue != nil {
			err := d.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: bundleRefreshJob, Key: paperID})
			if err == nil {
				continue
			}
			d.logger.Warn("bundle refresh enqueue failed, refreshing inline", zap.String("paper_id", paperID), zap.Error(err))
		}
		if _, err := d.refresher.RefreshBundle(ctx, paperID); err != nil {
			d.logger.Error("bundle refresh failed", zap.String("paper_id", paperID), zap.Error(err))
		}
	}
}

// Handle is the queue handler for refresh jobs. A paper removed since publication is not
// retried and its cached bundle is dropped.
func (d *BundleDispatcher) Handle(ctx context.Context, job jobs.Job) error {
	_, err := d.refresher.RefreshBundle(ctx, job.Key)
	if errors.Is(err, appErrors.ErrNotFound) {
		d.refresher.Evict(ctx, job.Key)
		d.logger.Debug("bundle refresh skipped, paper gone", zap.String("paper_id", job.Key))
		return nil
	}
	return err
}
