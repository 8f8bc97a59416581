package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusOK, map[string]float64{"mrr": 496})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"mrr":496}`, w.Body.String())
}

func TestWriteErrorMessage(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorMessage(w, http.StatusBadRequest, "invalid period")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorResponse{Error: "invalid period"}, decodeError(t, w))
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
	}{
		{name: "accepted", write: func(w http.ResponseWriter) { WriteAccepted(w, map[string]bool{"success": true}) }, status: http.StatusAccepted},
		{name: "success", write: func(w http.ResponseWriter) { WriteSuccess(w, nil) }, status: http.StatusOK},
		{name: "bad request", write: func(w http.ResponseWriter) { WriteBadRequest(w, "bad") }, status: http.StatusBadRequest},
		{name: "not found", write: func(w http.ResponseWriter) { WriteNotFoundError(w, "missing") }, status: http.StatusNotFound},
		{name: "too many requests", write: func(w http.ResponseWriter) { WriteTooManyRequests(w, "slow down") }, status: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}
