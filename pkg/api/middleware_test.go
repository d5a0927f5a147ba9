package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		apiKey    string
		header    string
		status    int
		errorText string
	}{
		{name: "matching key", apiKey: "test-key", header: "test-key", status: http.StatusOK},
		{name: "missing header", apiKey: "test-key", status: http.StatusUnauthorized, errorText: "Missing X-API-Key header"},
		{name: "wrong key", apiKey: "test-key", header: "wrong-key", status: http.StatusUnauthorized, errorText: "Invalid API key"},
		{name: "no key configured", status: http.StatusOK},
		{name: "header ignored when no key configured", header: "anything", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			handler := apiKeyMiddleware(tt.apiKey)(next)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/metadata", nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.errorText != "" {
				var resp APIResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.False(t, resp.Success)
				assert.Equal(t, tt.errorText, resp.Error)
			}
		})
	}
}

func TestRouter_KeyGuardsOnlyAPIRoutes(t *testing.T) {
	ts := setupTestServer(t, ServerConfig{APIKey: "test-key"})
	withKey := map[string]string{"X-API-Key": "test-key"}

	tests := []struct {
		name   string
		path   string
		header map[string]string
		status int
	}{
		{name: "metrics without key", path: "/metrics", status: http.StatusOK},
		{name: "metrics with key", path: "/metrics", header: withKey, status: http.StatusOK},
		{name: "health without key", path: "/api/v1/health", status: http.StatusUnauthorized},
		{name: "metadata without key", path: "/api/v1/metadata", status: http.StatusUnauthorized},
		{name: "block without key", path: "/api/v1/blocks/10/518/352", status: http.StatusUnauthorized},
		{name: "health with key", path: "/api/v1/health", header: withKey, status: http.StatusOK},
		{name: "block with key", path: "/api/v1/blocks/10/518/352", header: withKey, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, ts.URL+tt.path, tt.header)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestSendSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	sendSuccess(w, map[string]string{"message": "test"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "test", resp.Data["message"])
}

func TestSendError(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError} {
		w := httptest.NewRecorder()
		sendError(w, "block not found", status)

		assert.Equal(t, status, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp APIResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, "block not found", resp.Error)
		assert.Nil(t, resp.Data)
	}
}
