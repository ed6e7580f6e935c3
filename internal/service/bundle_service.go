package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
)

const bundleCachePrefix = "bundle:paper:"

type bundleCopyReader interface {
	ListByPaper(ctx context.Context, paperID string) ([]models.EvaluationCopy, error)
}

type bundleStore interface {
	Upsert(ctx context.Context, bundle *models.Bundle) error
	GetByPaper(ctx context.Context, paperID string) (*models.Bundle, error)
	GetByID(ctx context.Context, id string) (*models.Bundle, error)
	ListOpen(ctx context.Context, filter models.BundleFilter) ([]models.Bundle, int, error)
}

type paperFinder interface {
	FindByID(ctx context.Context, id string) (*models.Paper, error)
}

type bundleCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Invalidate(ctx context.Context, pattern string) error
}

// BundleService materialises the per-paper bundle read model by rescanning every copy.
type BundleService struct {
	copies   bundleCopyReader
	bundles  bundleStore
	papers   paperFinder
	cache    bundleCache
	metrics  *MetricsService
	logger   *zap.Logger
	cacheTTL time.Duration
}

// NewBundleService constructs the aggregator. cache may be nil.
func NewBundleService(copies bundleCopyReader, bundles bundleStore, papers paperFinder, cache bundleCache, metrics *MetricsService, logger *zap.Logger, cacheTTL time.Duration) *BundleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BundleService{
		copies:   copies,
		bundles:  bundles,
		papers:   papers,
		cache:    cache,
		metrics:  metrics,
		logger:   logger,
		cacheTTL: cacheTTL,
	}
}

// BuildBundle classifies copies into exactly one checking bucket each:
// checked (unsubmitted with a checked link), assigned (teacher set, unchecked),
// submitted, otherwise unassigned. Checked copies under review are also listed
// in the in-review bucket grouped by reviewer.
func BuildBundle(paper *models.Paper, copies []models.EvaluationCopy) models.Bundle {
	bundle := models.Bundle{
		PaperID:          paper.ID,
		IsEvaluator:      paper.IsEvaluator,
		UnAssignedCopies: models.BundleGroup{Copies: []string{}},
		AssignedCopies:   models.BundleGroups{},
		CheckedCopies:    models.BundleGroups{},
		SubmittedCopies:  models.BundleGroups{},
		InreviewCopies:   models.BundleGroups{},
		NoOfCopies:       len(copies),
	}
	assigned := newGrouper()
	checked := newGrouper()
	submitted := newGrouper()
	inreview := newGrouper()

	undeclared := 0
	for i := range copies {
		c := &copies[i]
		if !c.IsResultDeclared {
			undeclared++
		}
		switch c.State() {
		case models.CheckingChecked:
			checked.add(c.Teacher(), c.ID, nil)
			if c.InReview {
				inreview.add(c.Reviewer(), c.ID, nil)
			}
		case models.CheckingAssigned:
			assigned.add(c.Teacher(), c.ID, c.AssignedTime)
		case models.CheckingSubmitted:
			submitted.add(c.Teacher(), c.ID, nil)
		default:
			bundle.UnAssignedCopies.Copies = append(bundle.UnAssignedCopies.Copies, c.ID)
		}
	}
	bundle.UnAssignedCopies.NoOfCopies = len(bundle.UnAssignedCopies.Copies)
	bundle.AssignedCopies = assigned.groups
	bundle.CheckedCopies = checked.groups
	bundle.SubmittedCopies = submitted.groups
	bundle.InreviewCopies = inreview.groups
	bundle.Completed = undeclared == 0
	return bundle
}

type grouper struct {
	groups models.BundleGroups
	index  map[string]int
}

func newGrouper() *grouper {
	return &grouper{groups: models.BundleGroups{}, index: make(map[string]int)}
}

// add appends copyID to the assignee's group, keeping the latest assigned time seen.
func (g *grouper) add(assignee, copyID string, assignedAt *time.Time) {
	pos, ok := g.index[assignee]
	if !ok {
		g.groups = append(g.groups, models.BundleGroup{TeacherID: assignee, Copies: []string{}})
		pos = len(g.groups) - 1
		g.index[assignee] = pos
	}
	group := &g.groups[pos]
	group.Copies = append(group.Copies, copyID)
	group.NoOfCopies = len(group.Copies)
	if assignedAt != nil && (group.AssignedTime == nil || assignedAt.After(*group.AssignedTime)) {
		at := *assignedAt
		group.AssignedTime = &at
	}
}

// RefreshBundle rescans the paper's copies and upserts its bundle. Papers not checked
// through the evaluator marketplace yield an empty bundle and nothing is written.
func (s *BundleService) RefreshBundle(ctx context.Context, paperID string) (*models.Bundle, error) {
	start := time.Now()
	bundle, err := s.refresh(ctx, paperID)
	s.metrics.ObserveBundleRefresh(time.Since(start), err)
	return bundle, err
}

func (s *BundleService) refresh(ctx context.Context, paperID string) (*models.Bundle, error) {
	paper, err := s.papers.FindByID(ctx, paperID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "paper not found")
		}
		return nil, appErrors.Internal(err, "failed to load paper")
	}
	if !paper.IsEvaluator {
		return &models.Bundle{PaperID: paperID}, nil
	}

	copies, err := s.copies.ListByPaper(ctx, paperID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load paper copies")
	}
	bundle := BuildBundle(paper, copies)
	if err := s.bundles.Upsert(ctx, &bundle); err != nil {
		return nil, appErrors.Internal(err, "failed to store bundle")
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, bundleCachePrefix+paperID, bundle, s.cacheTTL)
	}
	s.logger.Debug("bundle refreshed",
		zap.String("paper_id", paperID),
		zap.Int("copies", bundle.NoOfCopies),
		zap.Int("unassigned", bundle.UnAssignedCopies.NoOfCopies),
		zap.Bool("completed", bundle.Completed))
	return &bundle, nil
}

// RefreshBundleByID resolves the bundle's paper and refreshes it.
func (s *BundleService) RefreshBundleByID(ctx context.Context, bundleID string) (*models.Bundle, error) {
	existing, err := s.bundles.GetByID(ctx, bundleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "bundle not found")
		}
		return nil, appErrors.Internal(err, "failed to load bundle")
	}
	return s.RefreshBundle(ctx, existing.PaperID)
}

// Refresh handles the refresh request payload.
func (s *BundleService) Refresh(ctx context.Context, req dto.RefreshBundleRequest) (*models.Bundle, error) {
	switch {
	case req.PaperID != "":
		return s.RefreshBundle(ctx, req.PaperID)
	case req.BundleID != "":
		return s.RefreshBundleByID(ctx, req.BundleID)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "paperId or bundleId is required")
	}
}

// GetBundle reads through the cache, building the bundle on first access.
func (s *BundleService) GetBundle(ctx context.Context, paperID string) (*models.Bundle, error) {
	key := bundleCachePrefix + paperID
	if s.cache != nil {
		var cached models.Bundle
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return &cached, nil
		}
	}
	bundle, err := s.bundles.GetByPaper(ctx, paperID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.RefreshBundle(ctx, paperID)
		}
		return nil, appErrors.Internal(err, "failed to load bundle")
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, key, bundle, s.cacheTTL)
	}
	return bundle, nil
}

// ListOpen pages marketplace bundles.
func (s *BundleService) ListOpen(ctx context.Context, query dto.BundleQuery) ([]models.Bundle, int, error) {
	page, size := normalisePage(query.Page, query.PageSize, 20)
	bundles, total, err := s.bundles.ListOpen(ctx, models.BundleFilter{
		IncludeCompleted: query.IncludeCompleted,
		HasUnassigned:    query.HasUnassigned,
		Limit:            size,
		Offset:           (page - 1) * size,
	})
	if err != nil {
		return nil, 0, appErrors.Internal(err, "failed to list bundles")
	}
	return bundles, total, nil
}

// Evict drops cached bundles so the next read observes the store.
func (s *BundleService) Evict(ctx context.Context, paperIDs ...string) {
	if s.cache == nil || len(paperIDs) == 0 {
		return
	}
	keys := make([]string, len(paperIDs))
	for i, id := range paperIDs {
		keys[i] = bundleCachePrefix + id
	}
	_ = s.cache.Delete(ctx, keys...)
}

// Purge drops every cached bundle.
func (s *BundleService) Purge(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, bundleCachePrefix+"*")
}

func normalisePage(page, size, defaultSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = defaultSize
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
