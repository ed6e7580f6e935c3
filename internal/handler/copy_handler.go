package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/evaluation-api/internal/dto"
	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
	"github.com/noah-isme/evaluation-api/pkg/response"
)

type copyService interface {
	Create(ctx context.Context, req dto.CreateCopyRequest, actorID string) (*models.EvaluationCopy, error)
	Get(ctx context.Context, id string) (*models.EvaluationCopy, error)
	List(ctx context.Context, query dto.CopyQuery) ([]models.EvaluationCopy, int, error)
	Assign(ctx context.Context, req dto.AssignCopiesRequest) (*dto.CopyBatchResponse, error)
	Check(ctx context.Context, copyID string, req dto.CheckCopyRequest) (*models.EvaluationCopy, error)
	Submit(ctx context.Context, req dto.SubmitCopiesRequest, actorID string) (*dto.CopyBatchResponse, error)
	Reclaim(ctx context.Context, req dto.ReclaimCopiesRequest) (*dto.CopyBatchResponse, error)
	RejectionUpdate(ctx context.Context, copyID string, req dto.RejectionUpdateRequest) (*models.EvaluationCopy, error)
	Delete(ctx context.Context, req dto.DeleteCopiesRequest) (*dto.DeleteCopiesResponse, error)
}

// CopyHandler exposes the evaluation copy checking lifecycle.
type CopyHandler struct {
	service copyService
}

// NewCopyHandler builds a new handler.
func NewCopyHandler(service copyService) *CopyHandler {
	return &CopyHandler{service: service}
}

// Create godoc
// @Summary Register a submitted copy
// @Tags Copies
// @Accept json
// @Produce json
// @Param payload body dto.CreateCopyRequest true "Copy payload"
// @Success 201 {object} response.Envelope
// @Router /copies [post]
func (h *CopyHandler) Create(c *gin.Context) {
	var req dto.CreateCopyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid copy payload"))
		return
	}
	copy, err := h.service.Create(c.Request.Context(), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, copy)
}

// List godoc
// @Summary List evaluation copies
// @Tags Copies
// @Produce json
// @Param paperId query string false "Paper ID"
// @Param teacherId query string false "Evaluator ID"
// @Param studentId query string false "Student ID"
// @Param declared query bool false "Result declared"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /copies [get]
func (h *CopyHandler) List(c *gin.Context) {
	query := dto.CopyQuery{
		PaperID:   c.Query("paperId"),
		TeacherID: c.Query("teacherId"),
		StudentID: c.Query("studentId"),
		Page:      queryInt(c, "page"),
		PageSize:  queryInt(c, "pageSize"),
	}
	if raw := c.Query("declared"); raw != "" {
		declared, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "declared must be a boolean"))
			return
		}
		query.Declared = &declared
	}
	copies, total, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, copies, &response.Pagination{Page: query.Page, PageSize: query.PageSize, Count: total})
}

// Get godoc
// @Summary Get an evaluation copy
// @Tags Copies
// @Produce json
// @Param id path string true "Copy ID"
// @Success 200 {object} response.Envelope
// @Router /copies/{id} [get]
func (h *CopyHandler) Get(c *gin.Context) {
	copy, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, copy, nil)
}

// Assign godoc
// @Summary Assign copies to an evaluator
// @Tags Copies
// @Accept json
// @Produce json
// @Param payload body dto.AssignCopiesRequest true "Assignment payload"
// @Success 200 {object} response.Envelope
// @Router /copies/assign [post]
func (h *CopyHandler) Assign(c *gin.Context) {
	var req dto.AssignCopiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid assignment payload"))
		return
	}
	if err := actingAs(c, req.EvaluatorID); err != nil {
		response.Error(c, err)
		return
	}
	resp, err := h.service.Assign(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Batch(c, resp, len(req.CopyIDs), len(resp.Failed))
}

// Check godoc
// @Summary Store the checked artifact of a copy
// @Tags Copies
// @Accept json
// @Produce json
// @Param id path string true "Copy ID"
// @Param payload body dto.CheckCopyRequest true "Checked copy"
// @Success 200 {object} response.Envelope
// @Router /copies/{id}/check [post]
func (h *CopyHandler) Check(c *gin.Context) {
	var req dto.CheckCopyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid check payload"))
		return
	}
	copy, err := h.service.Check(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, copy, nil)
}

// Submit godoc
// @Summary Submit checked copies
// @Tags Copies
// @Accept json
// @Produce json
// @Param payload body dto.SubmitCopiesRequest true "Submission payload"
// @Success 200 {object} response.Envelope
// @Router /copies/submit [post]
func (h *CopyHandler) Submit(c *gin.Context) {
	var req dto.SubmitCopiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid submission payload"))
		return
	}
	if err := actingAs(c, req.EvaluatorID); err != nil {
		response.Error(c, err)
		return
	}
	resp, err := h.service.Submit(c.Request.Context(), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Batch(c, resp, len(req.CopyIDs), len(resp.Failed))
}

// Reclaim godoc
// @Summary Return an evaluator's copies to the pool
// @Tags Copies
// @Accept json
// @Produce json
// @Param payload body dto.ReclaimCopiesRequest true "Reclaim payload"
// @Success 200 {object} response.Envelope
// @Router /copies/reclaim [post]
func (h *CopyHandler) Reclaim(c *gin.Context) {
	var req dto.ReclaimCopiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid reclaim payload"))
		return
	}
	resp, err := h.service.Reclaim(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Batch(c, resp, len(req.CopyIDs), len(resp.Failed))
}

// Rejection godoc
// @Summary Reject, re-upload or approve a submitted copy
// @Tags Copies
// @Accept json
// @Produce json
// @Param id path string true "Copy ID"
// @Param payload body dto.RejectionUpdateRequest true "Rejection update"
// @Success 200 {object} response.Envelope
// @Router /copies/{id}/rejection [post]
func (h *CopyHandler) Rejection(c *gin.Context) {
	var req dto.RejectionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid rejection payload"))
		return
	}
	copy, err := h.service.RejectionUpdate(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, copy, nil)
}

// Delete godoc
// @Summary Delete copies and their results
// @Tags Copies
// @Accept json
// @Produce json
// @Param payload body dto.DeleteCopiesRequest true "Copies to delete"
// @Success 200 {object} response.Envelope
// @Router /copies [delete]
func (h *CopyHandler) Delete(c *gin.Context) {
	var req dto.DeleteCopiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid delete payload"))
		return
	}
	resp, err := h.service.Delete(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp, nil)
}
