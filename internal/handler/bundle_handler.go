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

type bundleService interface {
	Refresh(ctx context.Context, req dto.RefreshBundleRequest) (*models.Bundle, error)
	GetBundle(ctx context.Context, paperID string) (*models.Bundle, error)
	ListOpen(ctx context.Context, query dto.BundleQuery) ([]models.Bundle, int, error)
}

// BundleHandler exposes the per-paper bundle read model.
type BundleHandler struct {
	service bundleService
}

// NewBundleHandler builds a new handler.
func NewBundleHandler(service bundleService) *BundleHandler {
	return &BundleHandler{service: service}
}

// Refresh godoc
// @Summary Rebuild a paper's bundle
// @Tags Bundles
// @Accept json
// @Produce json
// @Param payload body dto.RefreshBundleRequest true "Paper or bundle id"
// @Success 200 {object} response.Envelope
// @Router /bundles/refresh [post]
func (h *BundleHandler) Refresh(c *gin.Context) {
	var req dto.RefreshBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}
	bundle, err := h.service.Refresh(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, bundle, nil)
}

// List godoc
// @Summary Browse evaluator bundles with work left
// @Tags Bundles
// @Produce json
// @Param includeCompleted query bool false "Include completed bundles"
// @Param hasUnassigned query bool false "Only bundles with unassigned copies"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /bundles [get]
func (h *BundleHandler) List(c *gin.Context) {
	query := dto.BundleQuery{
		IncludeCompleted: queryBool(c, "includeCompleted"),
		HasUnassigned:    queryBool(c, "hasUnassigned"),
		Page:             queryInt(c, "page"),
		PageSize:         queryInt(c, "pageSize"),
	}
	bundles, total, err := h.service.ListOpen(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, bundles, &response.Pagination{Page: query.Page, PageSize: query.PageSize, Count: total})
}

// Get godoc
// @Summary Get a paper's bundle
// @Tags Bundles
// @Produce json
// @Param paperId path string true "Paper ID"
// @Success 200 {object} response.Envelope
// @Router /bundles/{paperId} [get]
func (h *BundleHandler) Get(c *gin.Context) {
	bundle, err := h.service.GetBundle(c.Request.Context(), c.Param("paperId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, bundle, nil)
}
