package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/GiftExplain/internal/experiment"
	"github.com/BTreeMap/GiftExplain/internal/models"
)

// maxBodyBytes caps request bodies; tracking batches are the largest payloads.
const maxBodyBytes = 1 << 20

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
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

// decodeJSON reads a size-limited JSON body into v. It writes the 400 response
// itself and reports false when the body is unusable.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: failed to decode JSON", "path", r.URL.Path, "error", err)
		if errors.Is(err, models.ErrValidation) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return false
		}
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

// conflictResult lets clients resynchronise after a 409.
type conflictResult struct {
	CurrentStep int `json:"currentStep"`
}

// writeServiceError maps an experiment service error onto the HTTP response.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	switch experiment.Classify(err) {
	case experiment.ReasonValidation:
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case experiment.ReasonNotFound:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Experiment not found"))
	case experiment.ReasonTransition, experiment.ReasonDuplicate, experiment.ReasonWrongStep, experiment.ReasonCompleted:
		var ce *experiment.ConflictError
		if errors.As(err, &ce) {
			writeJSONResponse(w, http.StatusConflict, models.ErrorWithResult(err.Error(), conflictResult{CurrentStep: int(ce.CurrentStep)}))
			return
		}
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case experiment.ReasonGeneration:
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to generate experiment content"))
	case experiment.ReasonRandom:
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Order assignment unavailable, please retry"))
	default:
		slog.Error("Server.writeServiceError: internal error", "op", op, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
