package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
	"github.com/noah-isme/evaluation-api/pkg/response"
)

type ledgerService interface {
	Rating(ctx context.Context, evaluatorID string) (*dto.RatingResponse, error)
	Wallet(ctx context.Context, evaluatorID string) (*dto.WalletResponse, error)
	History(ctx context.Context, filter models.EvaluatorHistoryFilter) ([]models.EvaluatorHistory, int, error)
	MarkPaid(ctx context.Context, evaluatorID string, req dto.PayoutRequest) (*dto.PayoutResponse, error)
	Statement(ctx context.Context, evaluatorID string, query dto.StatementQuery) (*dto.Statement, error)
}

// EvaluatorHandler exposes evaluator earnings and rating.
type EvaluatorHandler struct {
	service ledgerService
}

// NewEvaluatorHandler builds a new handler.
func NewEvaluatorHandler(service ledgerService) *EvaluatorHandler {
	return &EvaluatorHandler{service: service}
}

// Rating godoc
// @Summary Get an evaluator's rating
// @Tags Evaluators
// @Produce json
// @Param id path string true "Evaluator ID"
// @Success 200 {object} response.Envelope
// @Router /evaluators/{id}/rating [get]
func (h *EvaluatorHandler) Rating(c *gin.Context) {
	rating, err := h.service.Rating(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rating, nil)
}

// Wallet godoc
// @Summary Get an evaluator's pending and paid earnings
// @Tags Evaluators
// @Produce json
// @Param id path string true "Evaluator ID"
// @Success 200 {object} response.Envelope
// @Router /evaluators/{id}/wallet [get]
func (h *EvaluatorHandler) Wallet(c *gin.Context) {
	wallet, err := h.service.Wallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, wallet, nil)
}

// History godoc
// @Summary List an evaluator's ledger entries
// @Tags Evaluators
// @Produce json
// @Param id path string true "Evaluator ID"
// @Param action query []string false "Ledger actions"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /evaluators/{id}/history [get]
func (h *EvaluatorHandler) History(c *gin.Context) {
	page, size := queryInt(c, "page"), queryInt(c, "pageSize")
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 50
	}
	filter := models.EvaluatorHistoryFilter{
		EvaluatorID: c.Param("id"),
		Limit:       size,
		Offset:      (page - 1) * size,
	}
	for _, action := range c.QueryArray("action") {
		filter.Actions = append(filter.Actions, models.LedgerAction(action))
	}
	entries, total, err := h.service.History(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, &response.Pagination{Page: page, PageSize: size, Count: total})
}

// Statement godoc
// @Summary Download an evaluator's ledger statement
// @Tags Evaluators
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Evaluator ID"
// @Param format query string false "csv or pdf"
// @Param from query string false "RFC3339 start"
// @Param to query string false "RFC3339 end"
// @Success 200 {file} file
// @Router /evaluators/{id}/statement [get]
func (h *EvaluatorHandler) Statement(c *gin.Context) {
	query := dto.StatementQuery{Format: c.Query("format")}
	var err error
	if query.From, err = parseTimeQuery(c, "from"); err != nil {
		response.Error(c, err)
		return
	}
	if query.To, err = parseTimeQuery(c, "to"); err != nil {
		response.Error(c, err)
		return
	}
	statement, err := h.service.Statement(c.Request.Context(), c.Param("id"), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", statement.Filename))
	c.Data(http.StatusOK, statement.ContentType, statement.Body)
}

// Payout godoc
// @Summary Mark ledger entries paid
// @Tags Evaluators
// @Accept json
// @Produce json
// @Param id path string true "Evaluator ID"
// @Param payload body dto.PayoutRequest false "Entries to settle"
// @Success 200 {object} response.Envelope
// @Router /evaluators/{id}/payouts [post]
func (h *EvaluatorHandler) Payout(c *gin.Context) {
	var req dto.PayoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payout payload"))
			return
		}
	}
	resp, err := h.service.MarkPaid(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp, nil)
}

func parseTimeQuery(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s must be RFC3339", key))
	}
	return &t, nil
}
