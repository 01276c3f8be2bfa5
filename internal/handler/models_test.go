package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelsHandler_ListsSupportedModels(t *testing.T) {
	h := NewModelsHandler()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body modelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "list", body.Object)
	assert.NotEmpty(t, body.Data)
	for _, entry := range body.Data {
		assert.Equal(t, "model", entry.Object)
		assert.Equal(t, "kiro", entry.OwnedBy)
		assert.NotEmpty(t, entry.ID)
	}
}

func TestModelsHandler_RejectsNonGet(t *testing.T) {
	h := NewModelsHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/models", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
