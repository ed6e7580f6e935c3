package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
)

func TestCacheRepositoryWithoutClient(t *testing.T) {
	repo := NewCacheRepository(nil, "evaluation-api", nil)
	ctx := context.Background()

	var dest map[string]string
	err := repo.Get(ctx, "bundle:paper:p1", &dest)
	assert.True(t, errors.Is(err, appErrors.ErrCacheMiss))

	require.NoError(t, repo.Set(ctx, "bundle:paper:p1", map[string]string{"a": "b"}, time.Minute))
	require.NoError(t, repo.Delete(ctx, "bundle:paper:p1"))
	require.NoError(t, repo.DeleteByPattern(ctx, "bundle:paper:*"))
}

func TestCacheRepositoryNamespacesKeys(t *testing.T) {
	assert.Equal(t, "evaluation-api:bundle:paper:p1", NewCacheRepository(nil, "evaluation-api", nil).key("bundle:paper:p1"))
	assert.Equal(t, "bundle:paper:p1", NewCacheRepository(nil, "", nil).key("bundle:paper:p1"))
}
