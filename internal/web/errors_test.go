package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvingest/internal/core"
	"github.com/JonMunkholm/csvingest/internal/ingest"
)

func TestRespondError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		wantStatus int
		wantCode   string
	}{
		{"not found", fmt.Errorf("%w: abc", core.ErrImportNotFound), 0, http.StatusNotFound, "IMP003"},
		{"busy table", core.ErrTableBusy, 0, http.StatusConflict, "IMP004"},
		{"driver message", errors.New(`relation "orders" already exists`), 0, http.StatusInternalServerError, "DB008"},
		{"missing table", errors.New("no such table: x"), 0, http.StatusNotFound, "DB009"},
		{"mapped earlier", fmt.Errorf("commit: %w", core.NewUserError(errors.New("duplicate key"))), 0, http.StatusInternalServerError, "DB001"},
		{"explicit status", ingest.ErrInvalidSchema, http.StatusUnprocessableEntity, http.StatusUnprocessableEntity, "VAL003"},
		{"unknown", errors.New("boom"), 0, http.StatusInternalServerError, "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/imports/x", nil)
			respondError(rec, req, tt.err, tt.status)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.Message)
			assert.NotContains(t, body.Message, "boom", "technical detail stays in the log")
		})
	}
}
