package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
	"github.com/noah-isme/evaluation-api/pkg/export"
)

const defaultEvaluatorRating = 5.0

type ledgerStore interface {
	Create(ctx context.Context, entry *models.EvaluatorHistory) error
	List(ctx context.Context, filter models.EvaluatorHistoryFilter) ([]models.EvaluatorHistory, int, error)
	AverageRating(ctx context.Context, evaluatorID string) (*models.EvaluatorRating, error)
	Totals(ctx context.Context, evaluatorID string) (*models.LedgerTotals, error)
	MarkPaid(ctx context.Context, evaluatorID string, ids []string) (int64, error)
}

type datasetRenderer interface {
	Render(data export.Dataset) ([]byte, error)
	ContentType() string
}

// LedgerConfig holds payout policy.
type LedgerConfig struct {
	RecheckPenalty float64
	ReviewPayout   float64
	DefaultRating  float64
}

// LedgerService appends evaluator lifecycle entries and derives earnings and rating from them.
type LedgerService struct {
	store     ledgerStore
	renderers map[string]datasetRenderer
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       LedgerConfig
	now       func() time.Time
}

// LedgerServiceOption configures the service.
type LedgerServiceOption func(*LedgerService)

// WithLedgerRenderer registers a statement renderer under a format name.
func WithLedgerRenderer(format string, renderer datasetRenderer) LedgerServiceOption {
	return func(s *LedgerService) {
		if renderer != nil {
			s.renderers[format] = renderer
		}
	}
}

// WithLedgerMetrics attaches metrics.
func WithLedgerMetrics(metrics *MetricsService) LedgerServiceOption {
	return func(s *LedgerService) { s.metrics = metrics }
}

// WithLedgerClock overrides the time source.
func WithLedgerClock(now func() time.Time) LedgerServiceOption {
	return func(s *LedgerService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewLedgerService constructs the ledger with CSV and PDF statement renderers.
func NewLedgerService(store ledgerStore, validate *validator.Validate, logger *zap.Logger, cfg LedgerConfig, opts ...LedgerServiceOption) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.DefaultRating <= 0 {
		cfg.DefaultRating = defaultEvaluatorRating
	}
	svc := &LedgerService{
		store:     store,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		renderers: map[string]datasetRenderer{
			"csv": export.NewCSVExporter(),
			"pdf": export.NewPDFExporter(),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// SubmissionPayout prices one checked copy from the paper's total marks.
func SubmissionPayout(totalMarks float64) (amount, bonus float64) {
	switch {
	case totalMarks <= 25:
		return 10, 5
	case totalMarks <= 50:
		return 18, 7
	case totalMarks <= 80:
		return 30, 10
	default:
		return 35, 15
	}
}

// Record appends entries one by one. A failing entry is logged and does not stop the rest;
// the number of persisted entries is returned.
func (s *LedgerService) Record(ctx context.Context, entries ...*models.EvaluatorHistory) int {
	written := 0
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		if err := s.store.Create(ctx, entry); err != nil {
			s.logger.Error("ledger append failed",
				zap.String("action", string(entry.Action)),
				zap.String("evaluator_id", entry.EvaluatorID),
				zap.String("paper_id", entry.PaperID),
				zap.Strings("copies", entry.Copies),
				zap.Error(err))
			continue
		}
		s.metrics.IncLedgerEntry(entry.Action)
		written++
	}
	return written
}

// Entries builds one entry per paper for the given copies.
func (s *LedgerService) Entries(action models.LedgerAction, evaluatorID string, copies []models.EvaluationCopy, reason string) []*models.EvaluatorHistory {
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	return groupByPaper(copies, func(paperID string, group []models.EvaluationCopy) *models.EvaluatorHistory {
		entry := &models.EvaluatorHistory{
			Action:      action,
			EvaluatorID: evaluatorID,
			PaperID:     paperID,
			Copies:      copyIDs(group),
			Reason:      reasonPtr,
			CreatedAt:   s.now(),
		}
		switch action {
		case models.LedgerReviewed:
			entry.Amount = s.cfg.ReviewPayout * float64(len(group))
		case models.LedgerRecheck:
			entry.Penalty = s.cfg.RecheckPenalty * float64(len(group))
		}
		return entry
	})
}

// SubmissionEntries prices submitted copies with the marks tier table.
func (s *LedgerService) SubmissionEntries(evaluatorID string, copies []models.EvaluationCopy, rating *float64) []*models.EvaluatorHistory {
	return groupByPaper(copies, func(paperID string, group []models.EvaluationCopy) *models.EvaluatorHistory {
		entry := &models.EvaluatorHistory{
			Action:      models.LedgerSubmitted,
			EvaluatorID: evaluatorID,
			PaperID:     paperID,
			Copies:      copyIDs(group),
			Rating:      rating,
			CreatedAt:   s.now(),
		}
		for _, c := range group {
			amount, bonus := SubmissionPayout(c.SubmissionDetails.TotalMarks)
			entry.Amount += amount
			entry.Bonus += bonus
		}
		return entry
	})
}

// Rating averages Submitted ratings, falling back to the default when none exist.
func (s *LedgerService) Rating(ctx context.Context, evaluatorID string) (*dto.RatingResponse, error) {
	summary, err := s.store.AverageRating(ctx, evaluatorID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to compute evaluator rating")
	}
	resp := &dto.RatingResponse{EvaluatorID: evaluatorID, Rating: s.cfg.DefaultRating}
	if summary != nil && summary.Count > 0 {
		resp.Rating = summary.Average
		resp.RatedCount = summary.Count
	}
	return resp, nil
}

// Wallet reports pending and paid earnings.
func (s *LedgerService) Wallet(ctx context.Context, evaluatorID string) (*dto.WalletResponse, error) {
	totals, err := s.store.Totals(ctx, evaluatorID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to compute evaluator wallet")
	}
	return &dto.WalletResponse{
		EvaluatorID: evaluatorID,
		Pending:     totals.Pending,
		Paid:        totals.Paid,
		Total:       totals.Pending + totals.Paid,
	}, nil
}

// History lists an evaluator's entries.
func (s *LedgerService) History(ctx context.Context, filter models.EvaluatorHistoryFilter) ([]models.EvaluatorHistory, int, error) {
	if filter.EvaluatorID == "" {
		return nil, 0, appErrors.Clone(appErrors.ErrValidation, "evaluator id is required")
	}
	entries, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Internal(err, "failed to list ledger entries")
	}
	return entries, total, nil
}

// MarkPaid settles unpaid entries and returns the refreshed wallet.
func (s *LedgerService) MarkPaid(ctx context.Context, evaluatorID string, req dto.PayoutRequest) (*dto.PayoutResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payout payload")
	}
	marked, err := s.store.MarkPaid(ctx, evaluatorID, req.EntryIDs)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to mark ledger entries paid")
	}
	wallet, err := s.Wallet(ctx, evaluatorID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ledger entries settled", zap.String("evaluator_id", evaluatorID), zap.Int64("marked", marked))
	return &dto.PayoutResponse{Marked: marked, Wallet: *wallet}, nil
}

// Statement renders the evaluator's ledger for the window in the requested format.
func (s *LedgerService) Statement(ctx context.Context, evaluatorID string, query dto.StatementQuery) (*dto.Statement, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid statement query")
	}
	format := strings.ToLower(query.Format)
	if format == "" {
		format = "csv"
	}
	renderer, ok := s.renderers[format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported statement format")
	}

	entries, _, err := s.History(ctx, models.EvaluatorHistoryFilter{EvaluatorID: evaluatorID, From: query.From, To: query.To})
	if err != nil {
		return nil, err
	}

	dataset := export.Dataset{
		Title:   fmt.Sprintf("Evaluator statement %s", evaluatorID),
		Headers: []string{"Date", "Action", "Paper", "Copies", "Amount", "Bonus", "Penalty", "Net", "Paid"},
	}
	var net float64
	for _, entry := range entries {
		net += entry.Net()
		dataset.Rows = append(dataset.Rows, []string{
			entry.CreatedAt.Format("2006-01-02 15:04"),
			string(entry.Action),
			entry.PaperID,
			strconv.Itoa(len(entry.Copies)),
			money(entry.Amount),
			money(entry.Bonus),
			money(entry.Penalty),
			money(entry.Net()),
			strconv.FormatBool(entry.Paid),
		})
	}
	dataset.Footer = []string{"", "", "", "", "", "", "Total", money(net), ""}

	body, err := renderer.Render(dataset)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to render statement")
	}
	return &dto.Statement{
		Filename:    fmt.Sprintf("statement-%s-%s.%s", evaluatorID, s.now().Format("20060102"), format),
		ContentType: renderer.ContentType(),
		Body:        body,
	}, nil
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func groupByPaper(copies []models.EvaluationCopy, build func(paperID string, group []models.EvaluationCopy) *models.EvaluatorHistory) []*models.EvaluatorHistory {
	if len(copies) == 0 {
		return nil
	}
	groups := make(map[string][]models.EvaluationCopy)
	for _, c := range copies {
		groups[c.PaperID] = append(groups[c.PaperID], c)
	}
	papers := make([]string, 0, len(groups))
	for paperID := range groups {
		papers = append(papers, paperID)
	}
	sort.Strings(papers)

	entries := make([]*models.EvaluatorHistory, 0, len(papers))
	for _, paperID := range papers {
		entries = append(entries, build(paperID, groups[paperID]))
	}
	return entries
}

func copyIDs(copies []models.EvaluationCopy) []string {
	ids := make([]string, len(copies))
	for i, c := range copies {
		ids[i] = c.ID
	}
	return ids
}
