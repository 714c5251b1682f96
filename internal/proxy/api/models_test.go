package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcopilot/xcopilot/internal/common/config"
	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/proxy/conversation"
	"github.com/xcopilot/xcopilot/pkg/anthropic"
)

func setupEmptyCatalog(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	handler, err := New(Deps{
		Config:   &config.Config{},
		Manager:  conversation.NewManager(log),
		Launcher: &fakeLauncher{},
		Logger:   log,
		Port:     8123,
	})
	require.NoError(t, err)

	router := gin.New()
	handler.Register(router.Group("/v1"))
	return router
}

func TestModelsListsCatalog(t *testing.T) {
	_, router := setupAPI(t, &fakeLauncher{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var list anthropic.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))

	require.Len(t, list.Data, 2)
	assert.Equal(t, "model", list.Data[0].Type)
	assert.Equal(t, "gpt-5", list.Data[0].ID)
	assert.Equal(t, "GPT-5", list.Data[0].DisplayName)
	assert.Equal(t, "gpt-4.1", list.Data[1].ID)

	require.NotNil(t, list.FirstID)
	require.NotNil(t, list.LastID)
	assert.Equal(t, "gpt-5", *list.FirstID)
	assert.Equal(t, "gpt-4.1", *list.LastID)
	assert.False(t, list.HasMore)
}

func TestModelsEmptyCatalog(t *testing.T) {
	router := setupEmptyCatalog(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data": [], "first_id": null, "last_id": null, "has_more": false}`, rec.Body.String())
}
