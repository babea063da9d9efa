package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/echofinity/echofinity-backend/internal/export"
	"github.com/echofinity/echofinity-backend/internal/ledger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func exportVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req export.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		resp, err := cfg.Exports.Export(r.Context(), UserIDFrom(r.Context()), req)
		if err != nil {
			writeExportError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, resp)
	}
}

func exportStatusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		view, err := cfg.Exports.Status(r.Context(), UserIDFrom(r.Context()), jobID)
		if errors.Is(err, export.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Export job not found or you do not have access to it", "NOT_FOUND")
			return
		}
		if err != nil {
			writeExportError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := queryInt(w, r, "limit", defaultListLimit, maxListLimit)
		if !ok {
			return
		}

		views, err := cfg.Exports.List(r.Context(), UserIDFrom(r.Context()), limit)
		if err != nil {
			writeExportError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, ExportsResponse{Exports: views, Count: len(views)})
	}
}

func writeExportError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if ib, ok := ledger.IsInsufficient(err); ok {
		WriteJSON(w, http.StatusPaymentRequired, InsufficientTokensResponse{
			Error:    "insufficient tokens for this export",
			Code:     "INSUFFICIENT_TOKENS",
			Current:  ib.Current,
			Required: ib.Required,
		})
		return
	}

	switch {
	case errors.Is(err, export.ErrInvalidArgument):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	case errors.Is(err, export.ErrNotFound):
		WriteError(w, http.StatusNotFound, "project not found or you do not have access to it", "NOT_FOUND")
	case errors.Is(err, ledger.ErrNotFound):
		WriteError(w, http.StatusNotFound, "user not found", "USER_NOT_FOUND")
	default:
		logger.Error("export request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to process export", "INTERNAL_ERROR")
	}
}

// queryInt reads a positive integer query parameter. It writes a 400 and
// returns false when the value is malformed.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		WriteError(w, http.StatusBadRequest, name+" must be a positive integer", "BAD_REQUEST")
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}
