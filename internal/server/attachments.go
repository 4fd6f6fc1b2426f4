package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/logging"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/storage"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
)

// AttachmentSource opens stored run attachments.
type AttachmentSource interface {
	OpenAttachment(ctx context.Context, runID int64, filename string) (io.ReadCloser, string, error)
}

// Attachments serves run attachments under two routes: the query form
// that LAVA jobs reference (?filename=) and the path form that rewritten
// reports link to.
type Attachments struct {
	source AttachmentSource
	logger *slog.Logger
}

// NewAttachments creates the attachment handler.
func NewAttachments(source AttachmentSource, logger *slog.Logger) *Attachments {
	if logger == nil {
		logger = slog.Default()
	}
	return &Attachments{source: source, logger: logger}
}

// Register adds the attachment routes to mux.
func (a *Attachments) Register(mux *http.ServeMux) {
	byQuery := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.serve(w, r, r.PathValue("run"), r.URL.Query().Get("filename"))
	})
	mux.Handle("GET /api/testruns/{run}/attachments", byQuery)
	mux.Handle("GET /api/testruns/{run}/attachments/{$}", byQuery)
	mux.HandleFunc("GET /{group}/{project}/build/{version}/attachments/testrun/{run}/{filename...}",
		func(w http.ResponseWriter, r *http.Request) {
			a.serve(w, r, r.PathValue("run"), r.PathValue("filename"))
		})
}

func (a *Attachments) serve(w http.ResponseWriter, r *http.Request, run, filename string) {
	runID, err := strconv.ParseInt(run, 10, 64)
	if err != nil || runID <= 0 {
		http.Error(w, "invalid test run id", http.StatusBadRequest)
		return
	}
	if filename == "" {
		http.Error(w, "filename is required", http.StatusBadRequest)
		return
	}

	body, mimeType, err := a.source.OpenAttachment(r.Context(), runID, filename)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		logging.FromContext(r.Context(), a.logger).Error("failed to open attachment", "run_id", runID, "filename", filename, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logging.FromContext(r.Context(), a.logger).Warn("attachment transfer interrupted", "run_id", runID, "filename", filename, "error", err)
	}
}
