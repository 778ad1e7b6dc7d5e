package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestAdminOnly_NoToken_NoOp(t *testing.T) {
	s := &Server{config: Config{AdminToken: ""}}
	handler := s.adminOnly(okHandler)

	req := httptest.NewRequest(http.MethodDelete, "/abcd", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminOnly_ValidToken(t *testing.T) {
	s := &Server{config: Config{AdminToken: "test-token-123"}}
	handler := s.adminOnly(okHandler)

	req := httptest.NewRequest(http.MethodDelete, "/abcd", nil)
	req.Header.Set("Authorization", "Bearer test-token-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminOnly_InvalidToken(t *testing.T) {
	s := &Server{config: Config{AdminToken: "test-token-123"}}
	handler := s.adminOnly(okHandler)

	req := httptest.NewRequest(http.MethodDelete, "/abcd", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	err := json.NewDecoder(rec.Body).Decode(&body)
	require.NoError(t, err)
	require.Equal(t, "unauthorized", body["error"])
}

func TestAdminOnly_MissingHeader(t *testing.T) {
	s := &Server{config: Config{AdminToken: "test-token-123"}}
	handler := s.adminOnly(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/admin/sweep", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminOnly_WrongScheme(t *testing.T) {
	s := &Server{config: Config{AdminToken: "test-token-123"}}
	handler := s.adminOnly(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
