package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/flow"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/registry"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusFor maps workflow errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrEmptyUserID),
		errors.Is(err, models.ErrEmptyThreadID),
		errors.Is(err, models.ErrIdentifierTooLong),
		errors.Is(err, models.ErrEmptyMessage),
		errors.Is(err, models.ErrMessageTooLong),
		errors.Is(err, models.ErrEmptySection),
		errors.Is(err, registry.ErrUnknownVariant):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrConversationNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeWorkflowError reports err, hiding the details of internal failures.
func writeWorkflowError(w http.ResponseWriter, handler string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Server."+handler+": workflow failed", "error", err)
		writeJSONResponse(w, status, models.Error("Failed to process conversation"))
		return
	}
	slog.Warn("Server."+handler+": request rejected", "error", err, "status", status)
	writeJSONResponse(w, status, models.Error(err.Error()))
}
