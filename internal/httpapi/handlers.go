// Package httpapi exposes the page operations over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Lllllllleong/documentpageflow/internal/apperr"
	"github.com/Lllllllleong/documentpageflow/internal/models"
	"github.com/Lllllllleong/documentpageflow/internal/safety"
	"github.com/Lllllllleong/documentpageflow/internal/services"
)

// BlockedMessage is the error text returned for pages with blocklisted links.
const BlockedMessage = "Document processing blocked"

type PageConverter interface {
	Process(ctx context.Context, req *models.ConvertPageRequest) (*models.ConvertPageResponse, error)
}

type PageCounter interface {
	Process(ctx context.Context, req *models.GetPagesRequest) (*models.GetPagesResponse, error)
}

// ConvertPage handles convert-page requests.
func ConvertPage(converter PageConverter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req models.ConvertPageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Could not decode convert-page request", "error", err)
			writeError(w, http.StatusBadRequest, "could not parse JSON")
			return
		}
		if err := services.ValidateConvertRequest(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res, err := converter.Process(r.Context(), &req)
		if err != nil {
			var blocked *safety.BlockedError
			if errors.As(err, &blocked) {
				writeJSON(w, http.StatusBadRequest, models.BlockedResponse{
					Error:          BlockedMessage,
					MatchedURL:     blocked.Href,
					MatchedKeyword: blocked.Keyword,
					PageNumber:     req.PageNumber,
				})
				return
			}
			writeError(w, StatusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// GetPages handles page-count requests.
func GetPages(counter PageCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req models.GetPagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "could not parse JSON")
			return
		}
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, "url is required")
			return
		}

		res, err := counter.Process(r.Context(), &req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// StatusFor maps a pipeline error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrFetchExhausted):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrUploadExhausted):
		return http.StatusServiceUnavailable
	}
	switch apperr.KindOf(err) {
	case apperr.Policy:
		return http.StatusBadRequest
	case apperr.Validation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// RequireBearer rejects requests whose bearer token does not match apiKey.
// An empty apiKey rejects everything.
func RequireBearer(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || apiKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message})
}
