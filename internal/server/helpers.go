package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cwbudde/simfit/internal/config"
)

// maxStudySize bounds a submitted study document.
const maxStudySize = 1 << 20

// readStudy parses and validates the study submitted in a request body.
// JSON bodies parse too, JSON being a YAML subset.
func readStudy(r *http.Request) (*config.Study, error) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxStudySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return config.Parse(body)
}

// writeJSON encodes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
