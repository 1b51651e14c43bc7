package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{
			name:        "valid JSON",
			body:        `{"name": "test"}`,
			expectError: false,
		},
		{
			name:        "invalid JSON",
			body:        `{invalid}`,
			expectError: true,
		},
		{
			name:        "empty body",
			body:        ``,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			var dest map[string]string

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, "test", dest["name"])
			}
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(`{invalid}`))
	var dest map[string]string

	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathUUID(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name        string
		pathValue   string
		expectValue uuid.UUID
		expectError bool
	}{
		{
			name:        "valid id",
			pathValue:   id.String(),
			expectValue: id,
		},
		{
			name:        "invalid id",
			pathValue:   "abc",
			expectError: true,
		},
		{
			name:        "empty value",
			pathValue:   "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req = mux.SetURLVars(req, map[string]string{"roleId": tt.pathValue})

			val, err := ParsePathUUID(req, "roleId")

			if tt.expectError {
				assert.Error(t, err)
				assert.Equal(t, uuid.Nil, val)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expectValue, val)
			}
		})
	}
}

func TestParsePathUUIDOrError_Invalid(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test/abc", nil)
	req = mux.SetURLVars(req, map[string]string{"roleId": "abc"})

	_, ok := ParsePathUUIDOrError(w, req, "roleId")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "roleId")
}

func TestParsePathString(t *testing.T) {
	req := httptest.NewRequest("GET", "/test/PAYMENTS", nil)
	req = mux.SetURLVars(req, map[string]string{"resource": "PAYMENTS"})

	val, err := ParsePathString(req, "resource")

	assert.NoError(t, err)
	assert.Equal(t, "PAYMENTS", val)
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/test?days=5", nil)
	val, err := ParseQueryInt(req, "days", 7)
	assert.NoError(t, err)
	assert.Equal(t, 5, val)

	req = httptest.NewRequest("GET", "/test", nil)
	val, err = ParseQueryInt(req, "days", 7)
	assert.NoError(t, err)
	assert.Equal(t, 7, val)

	req = httptest.NewRequest("GET", "/test?days=soon", nil)
	_, err = ParseQueryInt(req, "days", 7)
	assert.Error(t, err)
}

func TestRequireQuery(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test?resource=USERS&action=READ", nil)

	values, ok := RequireQuery(w, req, "resource", "action")

	assert.True(t, ok)
	assert.Equal(t, []string{"USERS", "READ"}, values)
}

func TestRequireQuery_Missing(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test?resource=USERS", nil)

	_, ok := RequireQuery(w, req, "resource", "action")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "action is required")
}
