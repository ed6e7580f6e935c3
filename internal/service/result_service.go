package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
	"github.com/noah-isme/evaluation-api/internal/repository"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
)

type resultCopyStore interface {
	GetByID(ctx context.Context, id string) (*models.EvaluationCopy, error)
	SetResultDeclared(ctx context.Context, paperID, studentID, copyID string) error
}

type resultStore interface {
	GetByPaperStudent(ctx context.Context, paperID, studentID string) (*models.Result, error)
	Create(ctx context.Context, result *models.Result) error
	Replace(ctx context.Context, result *models.Result) error
	ListByPaper(ctx context.Context, paperID string) ([]models.Result, error)
}

type bundlePublisher interface {
	Publish(ctx context.Context, paperIDs ...string)
}

type resultSync interface {
	MarkCompleted(ctx context.Context, ec *models.EvaluationCopy, result *models.Result) error
}

// ResultService declares results from evaluation copies. Declaring is replace-or-create per
// (paper, student) and leaves exactly one copy of the pair flagged as declared.
type ResultService struct {
	copies      resultCopyStore
	results     resultStore
	papers      paperFinder
	publisher   bundlePublisher
	purchased   resultSync
	validator   *validator.Validate
	metrics     *MetricsService
	logger      *zap.Logger
	pairs       *keyedMutex
	concurrency int
}

// ResultServiceOption configures the service.
type ResultServiceOption func(*ResultService)

// WithResultMetrics attaches metrics.
func WithResultMetrics(metrics *MetricsService) ResultServiceOption {
	return func(s *ResultService) { s.metrics = metrics }
}

// WithResultConcurrency bounds the number of copies declared in parallel.
func WithResultConcurrency(n int) ResultServiceOption {
	return func(s *ResultService) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewResultService constructs the service.
func NewResultService(copies resultCopyStore, results resultStore, papers paperFinder, publisher bundlePublisher, purchased resultSync, validate *validator.Validate, logger *zap.Logger, opts ...ResultServiceOption) *ResultService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	svc := &ResultService{
		copies:      copies,
		results:     results,
		papers:      papers,
		publisher:   publisher,
		purchased:   purchased,
		validator:   validate,
		logger:      logger,
		pairs:       newKeyedMutex(),
		concurrency: 8,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// DeclareResults declares every copy independently. A failing copy is reported in its
// outcome and never stops the others; bundles of affected papers are refreshed afterwards.
func (s *ResultService) DeclareResults(ctx context.Context, req dto.DeclareResultsRequest, actorID string) ([]dto.DeclareOutcome, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid declaration payload")
	}
	ids := uniqueStrings(req.CopyIDs)
	outcomes := make([]dto.DeclareOutcome, len(ids))
	papers := make([]string, len(ids))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			outcomes[i].CopyID = id
			result, err := s.DeclareCopy(ctx, id, actorID)
			if err != nil {
				outcomes[i].Error = appErrors.FromError(err).Message
				s.logger.Warn("result declaration failed", zap.String("copy_id", id), zap.Error(err))
				return nil
			}
			outcomes[i].Result = result
			papers[i] = result.PaperID
			return nil
		})
	}
	_ = g.Wait()

	s.publisher.Publish(ctx, papers...)
	return outcomes, nil
}

// DeclareCopy declares one copy and syncs the buyer's purchased bundle for B2C copies.
// It does not refresh the bundle; callers publish once per batch.
func (s *ResultService) DeclareCopy(ctx context.Context, copyID, actorID string) (*models.Result, error) {
	result, ec, err := s.declare(ctx, copyID, actorID)
	s.metrics.IncResultsDeclared(err == nil)
	if err != nil {
		return nil, err
	}
	if ec.IsB2C && s.purchased != nil {
		if err := s.purchased.MarkCompleted(ctx, ec, result); err != nil {
			s.logger.Warn("purchased bundle sync failed", zap.String("copy_id", ec.ID), zap.Error(err))
		}
	}
	return result, nil
}

func (s *ResultService) declare(ctx context.Context, copyID, actorID string) (*models.Result, *models.EvaluationCopy, error) {
	ec, err := s.copies.GetByID(ctx, copyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "evaluation copy not found")
		}
		return nil, nil, appErrors.Internal(err, "failed to load evaluation copy")
	}
	paper, err := s.papers.FindByID(ctx, ec.PaperID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "paper not found")
		}
		return nil, nil, appErrors.Internal(err, "failed to load paper")
	}
	if !paper.PaperType.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidState, "paper type is not recognised")
	}
	if paper.PaperType != models.PaperTypeObjective && ec.CheckedCopy == "" {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidState, "copy has not been checked")
	}

	unlock := s.pairs.Lock(ec.PaperID + "/" + ec.StudentID)
	defer unlock()

	result, err := s.upsertResult(ctx, ec, actorID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.copies.SetResultDeclared(ctx, ec.PaperID, ec.StudentID, ec.ID); err != nil {
		return nil, nil, appErrors.Internal(err, "failed to flag declared copy")
	}
	ec.IsResultDeclared = true
	return result, ec, nil
}

func (s *ResultService) upsertResult(ctx context.Context, ec *models.EvaluationCopy, actorID string) (*models.Result, error) {
	existing, err := s.results.GetByPaperStudent(ctx, ec.PaperID, ec.StudentID)
	switch {
	case err == nil:
		return s.replaceResult(ctx, existing, ec, actorID)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Internal(err, "failed to load result")
	}

	checked := pq.StringArray{}
	if teacher := ec.Teacher(); teacher != "" {
		checked = append(checked, teacher)
	}
	result := &models.Result{
		PaperID:           ec.PaperID,
		StudentID:         ec.StudentID,
		EvaluationCopyID:  ec.ID,
		AssociateTeacher:  models.AssociateTeacherSnapshot(ec.AssociateTeacher),
		SubmissionDetails: ec.SubmissionDetails,
		CheckedTeachers:   checked,
		DeclaredBy:        actorID,
	}
	err = s.results.Create(ctx, result)
	if errors.Is(err, repository.ErrResultExists) {
		// declared concurrently from another process
		existing, err = s.results.GetByPaperStudent(ctx, ec.PaperID, ec.StudentID)
		if err != nil {
			return nil, appErrors.Internal(err, "failed to load result")
		}
		return s.replaceResult(ctx, existing, ec, actorID)
	}
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create result")
	}
	return result, nil
}

func (s *ResultService) replaceResult(ctx context.Context, existing *models.Result, ec *models.EvaluationCopy, actorID string) (*models.Result, error) {
	existing.EvaluationCopyID = ec.ID
	existing.AssociateTeacher = models.AssociateTeacherSnapshot(ec.AssociateTeacher)
	existing.SubmissionDetails = ec.SubmissionDetails
	existing.CheckedTeachers = pq.StringArray{}
	existing.UpdatedBy = &actorID
	if err := s.results.Replace(ctx, existing); err != nil {
		return nil, appErrors.Internal(err, "failed to replace result")
	}
	return existing, nil
}

// Ranks orders a paper's results by obtained marks. Equal scores share a rank and the next
// lower score takes the following rank.
func (s *ResultService) Ranks(ctx context.Context, paperID string) ([]dto.RankEntry, error) {
	results, err := s.results.ListByPaper(ctx, paperID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list results")
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SubmissionDetails.ObtainedMarks > results[j].SubmissionDetails.ObtainedMarks
	})

	entries := make([]dto.RankEntry, 0, len(results))
	rank := 0
	for i := range results {
		r := &results[i]
		if i == 0 || r.SubmissionDetails.ObtainedMarks != results[i-1].SubmissionDetails.ObtainedMarks {
			rank++
		}
		entries = append(entries, dto.RankEntry{
			Rank:          rank,
			StudentID:     r.StudentID,
			ResultID:      r.ID,
			ObtainedMarks: r.SubmissionDetails.ObtainedMarks,
			TotalMarks:    r.SubmissionDetails.TotalMarks,
			Percentage:    r.Percentage(),
		})
	}
	return entries, nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
