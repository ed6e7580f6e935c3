package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/evaluation-api/internal/models"
	"github.com/noah-isme/evaluation-api/internal/repository"
)

// memoryStore mirrors the conditional semantics of the postgres repositories.
type memoryStore struct {
	mu        sync.Mutex
	papers    map[string]models.Paper
	copies    map[string]models.EvaluationCopy
	order     []string
	results   map[string]models.Result
	bundles   map[string]models.Bundle
	reviews   map[string]models.CopyReview
	ledger    []models.EvaluatorHistory
	purchased map[string]models.PurchasedBundlePaper
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		papers:    make(map[string]models.Paper),
		copies:    make(map[string]models.EvaluationCopy),
		results:   make(map[string]models.Result),
		bundles:   make(map[string]models.Bundle),
		reviews:   make(map[string]models.CopyReview),
		purchased: make(map[string]models.PurchasedBundlePaper),
	}
}

func pairKey(paperID, studentID string) string { return paperID + "/" + studentID }

func (m *memoryStore) addPaper(p models.Paper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.papers[p.ID] = p
}

func (m *memoryStore) copy(t *testing.T, id string) models.EvaluationCopy {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.copies[id]
	require.True(t, ok, "copy %s missing", id)
	return c
}

func (m *memoryStore) ledgerEntries(action models.LedgerAction) []models.EvaluatorHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EvaluatorHistory
	for _, e := range m.ledger {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (m *memoryStore) declaredCount(paperID, studentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.copies {
		if c.PaperID == paperID && c.StudentID == studentID && c.IsResultDeclared {
			n++
		}
	}
	return n
}

type memPapers struct{ *memoryStore }

func (m memPapers) FindByID(ctx context.Context, id string) (*models.Paper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.papers[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &p, nil
}

type memCopies struct{ *memoryStore }

func (m memCopies) Create(ctx context.Context, c *models.EvaluationCopy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ReviewStatus == "" {
		c.ReviewStatus = models.ReviewStatusNone
	}
	m.copies[c.ID] = *c
	m.order = append(m.order, c.ID)
	return nil
}

func (m memCopies) GetByID(ctx context.Context, id string) (*models.EvaluationCopy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.copies[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &c, nil
}

func (m memCopies) ListByIDs(ctx context.Context, ids []string) ([]models.EvaluationCopy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.EvaluationCopy{}
	for _, id := range ids {
		if c, ok := m.copies[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m memCopies) ListByPaper(ctx context.Context, paperID string) ([]models.EvaluationCopy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.EvaluationCopy{}
	for _, id := range m.order {
		if c, ok := m.copies[id]; ok && c.PaperID == paperID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m memCopies) List(ctx context.Context, filter models.EvaluationCopyFilter) ([]models.EvaluationCopy, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []models.EvaluationCopy
	for _, id := range m.order {
		c, ok := m.copies[id]
		if !ok {
			continue
		}
		if filter.PaperID != "" && c.PaperID != filter.PaperID {
			continue
		}
		if filter.TeacherID != "" && c.Teacher() != filter.TeacherID {
			continue
		}
		if filter.StudentID != "" && c.StudentID != filter.StudentID {
			continue
		}
		if filter.Declared != nil && c.IsResultDeclared != *filter.Declared {
			continue
		}
		matched = append(matched, c)
	}
	total := len(matched)
	if filter.Offset >= total {
		return []models.EvaluationCopy{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if filter.Limit <= 0 || end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (m memCopies) Update(ctx context.Context, c *models.EvaluationCopy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.copies[c.ID]; !ok {
		return sql.ErrNoRows
	}
	m.copies[c.ID] = *c
	return nil
}

func (m memCopies) MarkChecked(ctx context.Context, id, link string, details types.JSONText) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.copies[id]
	if !ok || c.CheckedCopy != "" {
		return false, nil
	}
	c.CheckedCopy = link
	if len(details) > 0 {
		c.CheckDetails = details
	}
	m.copies[id] = c
	return true, nil
}

func (m memCopies) ListLeaseExpired(ctx context.Context, now time.Time, limit int) ([]models.EvaluationCopy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EvaluationCopy
	for _, id := range m.order {
		c, ok := m.copies[id]
		if !ok || c.TeacherID == nil || c.CheckedCopy != "" || c.LeaseDeadline == nil || c.LeaseDeadline.After(now) {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m memCopies) ListReviewExpired(ctx context.Context, now time.Time, limit int) ([]models.EvaluationCopy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EvaluationCopy
	for _, id := range m.order {
		c, ok := m.copies[id]
		if !ok || !c.InReview || !c.ReviewStatus.Active() || c.ReviewDeadline == nil || c.ReviewDeadline.After(now) {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m memCopies) ReclaimExpired(ctx context.Context, id string, assignedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.copies[id]
	if !ok || c.TeacherID == nil || c.CheckedCopy != "" || c.AssignedTime == nil || !c.AssignedTime.Equal(assignedAt) {
		return false, nil
	}
	c.TeacherID = nil
	c.IsSubmitted = false
	c.AssignedTime = nil
	c.LeaseDeadline = nil
	m.copies[id] = c
	return true, nil
}

func (m memCopies) SetResultDeclared(ctx context.Context, paperID, studentID, copyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := 0
	for id, c := range m.copies {
		if c.PaperID != paperID || c.StudentID != studentID {
			continue
		}
		c.IsResultDeclared = id == copyID
		m.copies[id] = c
		touched++
	}
	if touched == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (m memCopies) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.copies[id]; ok {
			delete(m.copies, id)
			n++
		}
	}
	return n, nil
}

func (m memCopies) DeleteWithResults(ctx context.Context, ids []string) (int64, error) {
	if _, err := (memResults{m.memoryStore}).DeleteByCopyIDs(ctx, ids); err != nil {
		return 0, err
	}
	return m.DeleteByIDs(ctx, ids)
}

type memResults struct{ *memoryStore }

func (m memResults) GetByPaperStudent(ctx context.Context, paperID, studentID string) (*models.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[pairKey(paperID, studentID)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &r, nil
}

func (m memResults) Create(ctx context.Context, r *models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(r.PaperID, r.StudentID)
	if _, ok := m.results[key]; ok {
		return repository.ErrResultExists
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.results[key] = *r
	return nil
}

func (m memResults) Replace(ctx context.Context, r *models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(r.PaperID, r.StudentID)
	if _, ok := m.results[key]; !ok {
		return sql.ErrNoRows
	}
	m.results[key] = *r
	return nil
}

func (m memResults) ListByPaper(ctx context.Context, paperID string) ([]models.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Result{}
	for _, r := range m.results {
		if r.PaperID == paperID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (m memResults) DeleteByCopyIDs(ctx context.Context, copyIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]struct{}, len(copyIDs))
	for _, id := range copyIDs {
		ids[id] = struct{}{}
	}
	var n int64
	for key, r := range m.results {
		if _, ok := ids[r.EvaluationCopyID]; ok {
			delete(m.results, key)
			n++
		}
	}
	return n, nil
}

type memBundles struct{ *memoryStore }

func (m memBundles) Upsert(ctx context.Context, b *models.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.bundles[b.PaperID]; ok {
		b.ID = existing.ID
	} else if b.ID == "" {
		b.ID = uuid.NewString()
	}
	m.bundles[b.PaperID] = *b
	return nil
}

func (m memBundles) GetByPaper(ctx context.Context, paperID string) (*models.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[paperID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &b, nil
}

func (m memBundles) GetByID(ctx context.Context, id string) (*models.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bundles {
		if b.ID == id {
			return &b, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memBundles) ListOpen(ctx context.Context, filter models.BundleFilter) ([]models.Bundle, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Bundle{}
	for _, b := range m.bundles {
		if !b.IsEvaluator || (!filter.IncludeCompleted && b.Completed) {
			continue
		}
		if filter.HasUnassigned && b.UnAssignedCopies.NoOfCopies == 0 {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaperID < out[j].PaperID })
	return out, len(out), nil
}

type memReviews struct{ *memoryStore }

func (m memReviews) Create(ctx context.Context, r *models.CopyReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.reviews[r.ID] = *r
	return nil
}

func (m memReviews) GetByID(ctx context.Context, id string) (*models.CopyReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	r.History = append(models.ReviewHistory(nil), r.History...)
	return &r, nil
}

func (m memReviews) Update(ctx context.Context, r *models.CopyReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviews[r.ID]; !ok {
		return sql.ErrNoRows
	}
	m.reviews[r.ID] = *r
	return nil
}

type memLedger struct{ *memoryStore }

func (m memLedger) Create(ctx context.Context, e *models.EvaluatorHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.ledger = append(m.ledger, *e)
	return nil
}

func (m memLedger) List(ctx context.Context, filter models.EvaluatorHistoryFilter) ([]models.EvaluatorHistory, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.EvaluatorHistory{}
	for _, e := range m.ledger {
		if filter.EvaluatorID != "" && e.EvaluatorID != filter.EvaluatorID {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func (m memLedger) AverageRating(ctx context.Context, evaluatorID string) (*models.EvaluatorRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := &models.EvaluatorRating{EvaluatorID: evaluatorID}
	var sum float64
	for _, e := range m.ledger {
		if e.EvaluatorID == evaluatorID && e.Action == models.LedgerSubmitted && e.Rating != nil {
			sum += *e.Rating
			summary.Count++
		}
	}
	if summary.Count > 0 {
		summary.Average = sum / float64(summary.Count)
	}
	return summary, nil
}

func (m memLedger) Totals(ctx context.Context, evaluatorID string) (*models.LedgerTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := &models.LedgerTotals{}
	for i := range m.ledger {
		e := &m.ledger[i]
		if e.EvaluatorID != evaluatorID {
			continue
		}
		if e.Paid {
			totals.Paid += e.Net()
		} else {
			totals.Pending += e.Net()
		}
	}
	return totals, nil
}

func (m memLedger) MarkPaid(ctx context.Context, evaluatorID string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var n int64
	for i := range m.ledger {
		e := &m.ledger[i]
		if e.EvaluatorID != evaluatorID || e.Paid {
			continue
		}
		if _, ok := wanted[e.ID]; len(ids) > 0 && !ok {
			continue
		}
		e.Paid = true
		n++
	}
	return n, nil
}

type memPurchased struct{ *memoryStore }

func (m memPurchased) GetByBuyerPaper(ctx context.Context, buyerID, paperID string) (*models.PurchasedBundlePaper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchased[pairKey(buyerID, paperID)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	p.Rejections = append(models.RejectionRecords(nil), p.Rejections...)
	return &p, nil
}

func (m memPurchased) Update(ctx context.Context, p *models.PurchasedBundlePaper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(p.BuyerID, p.PaperID)
	if _, ok := m.purchased[key]; !ok {
		return sql.ErrNoRows
	}
	m.purchased[key] = *p
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.UserID
	}
	sort.Strings(out)
	return out
}

// harness wires every lifecycle service over one memory store with inline bundle refreshes.
type harness struct {
	store    *memoryStore
	clock    *testClock
	notifier *recordingNotifier
	metrics  *MetricsService
	ledger   *LedgerService
	bundles  *BundleService
	results  *ResultService
	copies   *CopyService
	reviews  *ReviewService
	lease    *LeaseService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	transactional bool
	locker        leaseLocker
	copies        func(memCopies) leaseCopyStore
}

func withTransactionalDelete() harnessOption {
	return func(c *harnessConfig) { c.transactional = true }
}

func withLocker(l leaseLocker) harnessOption {
	return func(c *harnessConfig) { c.locker = l }
}

func withLeaseStore(wrap func(memCopies) leaseCopyStore) harnessOption {
	return func(c *harnessConfig) { c.copies = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	store := newMemoryStore()
	clock := newTestClock()
	notifier := &recordingNotifier{}
	metrics := NewMetricsService()
	copies := memCopies{store}
	papers := memPapers{store}

	ledger := NewLedgerService(memLedger{store}, nil, nil, LedgerConfig{RecheckPenalty: 2, ReviewPayout: 5},
		WithLedgerClock(clock.Now), WithLedgerMetrics(metrics))
	bundles := NewBundleService(copies, memBundles{store}, papers, nil, metrics, nil, time.Minute)
	dispatcher := NewBundleDispatcher(bundles, nil)
	purchased := NewPurchasedBundleService(memPurchased{store}, nil)
	purchased.now = clock.Now
	results := NewResultService(copies, memResults{store}, papers, dispatcher, purchased, nil, nil, WithResultMetrics(metrics))
	copySvc := NewCopyService(copies, memResults{store}, papers, ledger, results, dispatcher, nil, nil,
		CopyServiceConfig{CheckingTTL: 24 * time.Hour, Transactional: cfg.transactional},
		WithCopyClock(clock.Now), WithCopyMetrics(metrics), WithCopyPurchasedSync(purchased))
	notifications := NewNotificationService(notifier, nil, true, 2)
	reviews := NewReviewService(copies, memReviews{store}, papers, ledger, notifications, dispatcher, nil, nil,
		WithReviewClock(clock.Now), WithReviewMetrics(metrics))

	var leaseStore leaseCopyStore = copies
	if cfg.copies != nil {
		leaseStore = cfg.copies(copies)
	}
	lease := NewLeaseService(leaseStore, cfg.locker, reviews, ledger, dispatcher, nil,
		LeaseConfig{Interval: time.Minute, Batch: 50}, WithLeaseClock(clock.Now), WithLeaseMetrics(metrics))

	return &harness{
		store:    store,
		clock:    clock,
		notifier: notifier,
		metrics:  metrics,
		ledger:   ledger,
		bundles:  bundles,
		results:  results,
		copies:   copySvc,
		reviews:  reviews,
		lease:    lease,
	}
}

func (h *harness) bundle(t *testing.T, paperID string) models.Bundle {
	t.Helper()
	b, err := memBundles{h.store}.GetByPaper(context.Background(), paperID)
	require.NoError(t, err)
	return *b
}
