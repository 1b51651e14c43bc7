package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return str, nil
}

// ParsePathStringOrError extracts a string path parameter and writes error on failure
func ParsePathStringOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	val, err := ParsePathString(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return val, true
}

// ParsePathUUID extracts and parses a UUID path parameter
func ParsePathUUID(r *http.Request, key string) (uuid.UUID, error) {
	str, err := ParsePathString(r, key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(str)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id for %s: %s", key, str)
	}
	return id, nil
}

// ParsePathUUIDOrError extracts a UUID path parameter and writes error on failure
func ParsePathUUIDOrError(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := ParsePathUUID(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return uuid.Nil, false
	}
	return id, true
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// RequireQuery returns the named query parameters, writing 400 if any is missing
func RequireQuery(w http.ResponseWriter, r *http.Request, keys ...string) ([]string, bool) {
	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = r.URL.Query().Get(key)
		if values[i] == "" {
			WriteBadRequest(w, fmt.Sprintf("%s is required", key))
			return nil, false
		}
	}
	return values, true
}
