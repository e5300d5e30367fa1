package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uplift/internal/types"
)

func ctxRequest(method, target string, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return r.WithContext(types.WithRequestID(r.Context(), "req-123"))
}

func TestJSON_WritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, ctxRequest("GET", "/v1/notifications", ""), http.StatusOK, APIResponse{Data: map[string]string{"id": "ntf_1"}})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"id":"ntf_1"}}`, rec.Body.String())
}

func TestError_AppErrorMapsStatusAndCode(t *testing.T) {
	rec := httptest.NewRecorder()
	err := types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)

	Error(rec, ctxRequest("GET", "/v1/notifications/ntf_x", ""), err)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeNotFoundNotification), resp.Error.Code)
	assert.Equal(t, "notification not found", resp.Error.Message)
	assert.Equal(t, "req-123", resp.Error.RequestID)
}

func TestError_GenericErrorHidesDetails(t *testing.T) {
	rec := httptest.NewRecorder()

	Error(rec, ctxRequest("GET", "/v1/notifications", ""), errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "password")
}

func TestDecodeJSON_Valid(t *testing.T) {
	rec := httptest.NewRecorder()
	r := ctxRequest("POST", "/v1/notifications", `{"title":"Hi"}`)

	var dst struct {
		Title string `json:"title"`
	}
	require.NoError(t, DecodeJSON(rec, r, &dst))
	assert.Equal(t, "Hi", dst.Title)
}

func TestDecodeJSON_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"empty body", "", "request body must not be empty"},
		{"malformed", `{"title":`, "malformed JSON in request body"},
		{"unknown field", `{"bogus":1}`, "unknown field in request body"},
		{"multiple values", `{"title":"a"}{"title":"b"}`, "request body must contain a single JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r := ctxRequest("POST", "/v1/notifications", tt.body)

			var dst struct {
				Title string `json:"title"`
			}
			err := DecodeJSON(rec, r, &dst)

			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrCodeValidationInvalidJSON, appErr.Code)
			assert.Contains(t, appErr.Message, tt.wantMsg)
		})
	}
}

func TestDecodeJSON_TypeMismatchIncludesField(t *testing.T) {
	rec := httptest.NewRecorder()
	r := ctxRequest("POST", "/v1/notifications", `{"title":42}`)

	var dst struct {
		Title string `json:"title"`
	}
	err := DecodeJSON(rec, r, &dst)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "title", appErr.Details["field"])
}
