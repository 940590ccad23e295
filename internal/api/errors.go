package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/circuitbreaker"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON serves the plain chi routes that sit outside huma.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusError maps domain errors onto huma errors. Unknown errors are
// logged and reported as 500 without detail.
func statusError(logger *slog.Logger, msg string, err error) error {
	var se huma.StatusError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, broker.ErrForbidden), errors.Is(err, storage.ErrNoPermission):
		return huma.Error403Forbidden("forbidden")
	case errors.Is(err, storage.ErrDocumentNotFound):
		return huma.Error404NotFound("document not found")
	case errors.Is(err, engine.ErrUnknownTab), errors.Is(err, storage.ErrTabNotFound):
		return huma.Error404NotFound("tab not found")
	case errors.Is(err, storage.ErrCellNotFound):
		return huma.Error404NotFound("cell not found")
	case errors.Is(err, engine.ErrLastTab):
		return huma.Error409Conflict("cannot delete the last tab")
	case errors.Is(err, storage.ErrInvalidCursor):
		return huma.Error400BadRequest("invalid cursor")
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return huma.Error503ServiceUnavailable("storage unavailable")
	}
	logger.Error(msg, "error", err)
	return huma.Error500InternalServerError(msg)
}
