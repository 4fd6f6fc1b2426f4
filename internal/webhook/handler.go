package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/logging"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/queue"
)

// maxBodySize caps the request body read for signature validation.
const maxBodySize = 1 << 20

// Publisher hands tasks to the queue.
type Publisher interface {
	Publish(ctx context.Context, task *queue.Task) error
}

// Config configures the webhook handler.
type Config struct {
	Secret      string
	DisableHMAC bool
	Logger      *slog.Logger
}

// Handler accepts postprocess notifications for finished test jobs and
// queues them for the workers. It never touches the store or LAVA itself.
type Handler struct {
	publisher   Publisher
	secret      string
	disableHMAC bool
	logger      *slog.Logger
}

// NewHandler creates a webhook handler publishing to pub.
func NewHandler(pub Publisher, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		publisher:   pub,
		secret:      cfg.Secret,
		disableHMAC: cfg.DisableHMAC,
		logger:      cfg.Logger,
	}
}

// Register adds the webhook route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/jobs/{id}/postprocess", h)
}

type response struct {
	JobID  int64  `json:"job_id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), h.logger)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, response{Error: "request body too large"})
		return
	}

	if !h.disableHMAC {
		if err := ValidateHMAC(body, r.Header.Get(SignatureHeader), h.secret); err != nil {
			logger.Warn("rejected webhook", "error", err, "remote_addr", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, response{Error: err.Error()})
			return
		}
	}

	jobID, err := ParseJobID(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: err.Error()})
		return
	}

	task := &queue.Task{Kind: queue.KindPostprocess, JobID: jobID}
	if err := h.publisher.Publish(r.Context(), task); err != nil {
		logger.Error("failed to queue postprocess task", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, response{JobID: jobID, Error: "failed to queue job"})
		return
	}

	logger.Info("queued postprocess task", "job_id", jobID)
	writeJSON(w, http.StatusAccepted, response{JobID: jobID, Status: "queued"})
}

// ParseJobID parses a test job id from a URL path segment.
func ParseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Newf("invalid job id %q", s)
	}
	if id <= 0 {
		return 0, errors.Newf("job id must be positive, got %d", id)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
