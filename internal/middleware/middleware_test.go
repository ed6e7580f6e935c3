package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/evaluation-api/internal/models"
	"github.com/noah-isme/evaluation-api/internal/service"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
)

type validatorStub struct {
	claims *models.JWTClaims
	err    error
	token  string
}

func (v *validatorStub) ValidateToken(token string) (*models.JWTClaims, error) {
	v.token = token
	return v.claims, v.err
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/evaluators/:id", handlers...)
	r.POST("/evaluators/:id", handlers...)
	return r
}

func serve(r *gin.Engine, method, path, auth string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestJWTRequiresBearerToken(t *testing.T) {
	v := &validatorStub{claims: &models.JWTClaims{UserID: "u1", Role: models.RoleEvaluator}}
	r := newRouter(JWT(v))

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/evaluators/u1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/evaluators/u1", "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/evaluators/u1", "Bearer ").Code)

	w := serve(r, http.MethodGet, "/evaluators/u1", "bearer good-token")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "good-token", v.token)
}

func TestJWTPropagatesValidatorError(t *testing.T) {
	v := &validatorStub{err: appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")}
	r := newRouter(JWT(v))
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/evaluators/u1", "Bearer bad").Code)
}

func withClaims(claims *models.JWTClaims) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims != nil {
			c.Set(ContextUserKey, claims)
		}
		c.Next()
	}
}

func TestRBAC(t *testing.T) {
	cases := []struct {
		name   string
		claims *models.JWTClaims
		path   string
		want   int
	}{
		{"no claims", nil, "/evaluators/u1", http.StatusUnauthorized},
		{"admin allowed", &models.JWTClaims{UserID: "a", Role: models.RoleAdmin}, "/evaluators/u1", http.StatusNoContent},
		{"self allowed", &models.JWTClaims{UserID: "u1", Role: models.RoleEvaluator}, "/evaluators/u1", http.StatusNoContent},
		{"other evaluator forbidden", &models.JWTClaims{UserID: "u2", Role: models.RoleEvaluator}, "/evaluators/u1", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(withClaims(tc.claims), RBAC(string(models.RoleAdmin), "SELF"))
			assert.Equal(t, tc.want, serve(r, http.MethodGet, tc.path, "").Code)
		})
	}
}

func TestRequireRoles(t *testing.T) {
	r := newRouter(withClaims(&models.JWTClaims{UserID: "s", Role: models.RoleStudent}), RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/evaluators/x", "").Code)
}

func TestAuditLogsSuccessfulRequests(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	r := newRouter(withClaims(&models.JWTClaims{UserID: "a", Role: models.RoleAdmin}), Audit(logger, "evaluator.payout"))
	require.Equal(t, http.StatusNoContent, serve(r, http.MethodPost, "/evaluators/u1", "").Code)

	entries := logs.FilterMessage("audit").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "evaluator.payout", fields["action"])
	assert.Equal(t, "a", fields["user_id"])
	assert.Equal(t, "u1", fields["resource_id"])
}

func TestAuditSkipsFailures(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", Audit(zap.New(core), "noop"), func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.Status(http.StatusConflict)
	})
	serve(r, http.MethodPost, "/x", "")
	assert.Zero(t, logs.Len())
}

func TestMetricsSkipsProbes(t *testing.T) {
	metrics := service.NewMetricsService()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics(metrics, "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bundles/:paperId", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(r, http.MethodGet, "/health", "")
	serve(r, http.MethodGet, "/bundles/p1", "")
	serve(r, http.MethodGet, "/nowhere", "")

	assert.Equal(t, uint64(2), metrics.Snapshot().RequestsTotal)
}
