package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-api/internal/logging"
	"github.com/JakeFAU/directory-api/internal/lookup"
)

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON object into dst. An empty body decodes as {} so the
// per-source validation produces the caller-facing message.
func decodeBody(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return lookup.InvalidRequest("Invalid JSON body.")
	}
	return nil
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx, nil).Warn("write JSON failed", zap.Error(err))
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	writeJSON(ctx, w, status, map[string]string{"error": msg})
}
