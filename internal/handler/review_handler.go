package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
	"github.com/noah-isme/evaluation-api/pkg/response"
)

type reviewService interface {
	AssignForReview(ctx context.Context, req dto.AssignReviewRequest) (*dto.CopyBatchResponse, error)
	SubmitReview(ctx context.Context, copyID string, req dto.SubmitReviewRequest, actorID string) (*models.EvaluationCopy, error)
	DropReview(ctx context.Context, req dto.DropReviewRequest) (*dto.CopyBatchResponse, error)
}

// ReviewHandler exposes the secondary review workflow.
type ReviewHandler struct {
	service reviewService
}

// NewReviewHandler builds a new handler.
func NewReviewHandler(service reviewService) *ReviewHandler {
	return &ReviewHandler{service: service}
}

// Assign godoc
// @Summary Route checked copies to a reviewer
// @Tags Reviews
// @Accept json
// @Produce json
// @Param payload body dto.AssignReviewRequest true "Review assignment"
// @Success 200 {object} response.Envelope
// @Router /reviews/assign [post]
func (h *ReviewHandler) Assign(c *gin.Context) {
	var req dto.AssignReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid review assignment"))
		return
	}
	resp, err := h.service.AssignForReview(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Batch(c, resp, len(req.CopyIDs), len(resp.Failed))
}

// Submit godoc
// @Summary Record a review decision
// @Tags Reviews
// @Accept json
// @Produce json
// @Param copyId path string true "Copy ID"
// @Param payload body dto.SubmitReviewRequest true "Review decision"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /reviews/{copyId} [post]
func (h *ReviewHandler) Submit(c *gin.Context) {
	var req dto.SubmitReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid review payload"))
		return
	}
	copy, err := h.service.SubmitReview(c.Request.Context(), c.Param("copyId"), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, copy, nil)
}

// Drop godoc
// @Summary Abandon reviews and restore the checker's markup
// @Tags Reviews
// @Accept json
// @Produce json
// @Param payload body dto.DropReviewRequest true "Reviews to drop"
// @Success 200 {object} response.Envelope
// @Router /reviews/drop [post]
func (h *ReviewHandler) Drop(c *gin.Context) {
	var req dto.DropReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid drop payload"))
		return
	}
	if err := actingAs(c, req.ReviewerID); err != nil {
		response.Error(c, err)
		return
	}
	resp, err := h.service.DropReview(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Batch(c, resp, len(req.CopyIDs), len(resp.Failed))
}
