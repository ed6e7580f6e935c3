package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/evaluation-api/internal/dto"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
	"github.com/noah-isme/evaluation-api/pkg/response"
)

type resultService interface {
	DeclareResults(ctx context.Context, req dto.DeclareResultsRequest, actorID string) ([]dto.DeclareOutcome, error)
	Ranks(ctx context.Context, paperID string) ([]dto.RankEntry, error)
}

// ResultHandler exposes result declaration and ranking.
type ResultHandler struct {
	service resultService
}

// NewResultHandler builds a new handler.
func NewResultHandler(service resultService) *ResultHandler {
	return &ResultHandler{service: service}
}

// Declare godoc
// @Summary Declare results from evaluation copies
// @Tags Results
// @Accept json
// @Produce json
// @Param payload body dto.DeclareResultsRequest true "Copies to declare"
// @Success 200 {object} response.Envelope
// @Router /results/declare [post]
func (h *ResultHandler) Declare(c *gin.Context) {
	var req dto.DeclareResultsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid declaration payload"))
		return
	}
	outcomes, err := h.service.DeclareResults(c.Request.Context(), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}
	response.Batch(c, outcomes, len(outcomes), failed)
}

// Ranks godoc
// @Summary Rank a paper's declared results
// @Tags Results
// @Produce json
// @Param id path string true "Paper ID"
// @Success 200 {object} response.Envelope
// @Router /papers/{id}/ranks [get]
func (h *ResultHandler) Ranks(c *gin.Context) {
	ranks, err := h.service.Ranks(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ranks, nil)
}
