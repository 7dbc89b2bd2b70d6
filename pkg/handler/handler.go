package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/logger"
	"github.com/instill-ai/healthrecord-backend/pkg/middleware"
	"github.com/instill-ai/healthrecord-backend/pkg/service"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

// maxPayloadSize bounds the body of a job submission.
const maxPayloadSize = 1 << 20

// Handler serves the job API.
type Handler struct {
	service service.Service
}

// NewHandler initiates a handler instance
func NewHandler(s service.Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes adds the API routes to mux.
func (h *Handler) RegisterRoutes(mux *runtime.ServeMux, log *zap.Logger) error {
	routes := []struct {
		method string
		path   string
		fn     runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/health/liveness", h.Liveness},
		{http.MethodGet, "/v1/health/readiness", h.Readiness},
		{http.MethodPost, "/v1/jobs/{kind}", h.SubmitJob},
		{http.MethodGet, "/v1/records/{record_id}/status", h.GetRecordStatus},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, middleware.Wrap(log, r.fn)); err != nil {
			return err
		}
	}
	return nil
}

// Liveness reports that the process is up.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
}

// Readiness reports whether the database can be reached.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := h.service.Repository().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "NOT_SERVING"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
}

// SubmitJobResponse is the body returned for an accepted job.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
	Queue string `json:"queue"`
}

// SubmitJob starts a job of the kind in the path. The request body is the
// job payload and the optional "queue" query parameter overrides the default
// queue of the kind.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	ctx := r.Context()
	log, _ := logger.GetZapLogger(ctx)

	kind := service.Kind(pathParams["kind"])
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		writeError(w, err)
		return
	}

	queue := r.URL.Query().Get("queue")
	jobID, err := h.service.Submit(ctx, kind, payload, queue)
	if err != nil {
		log.Warn("Job submission rejected", zap.String("kind", string(kind)), zap.Error(err))
		writeError(w, err)
		return
	}

	if queue == "" {
		queue = kind.DefaultQueue()
	}
	writeJSON(w, http.StatusAccepted, SubmitJobResponse{JobID: jobID, Kind: string(kind), Queue: queue})
}

// GetRecordStatus returns the status document of a record.
func (h *Handler) GetRecordStatus(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	id, err := strconv.ParseUint(pathParams["record_id"], 10, 64)
	if err != nil || id == 0 {
		writeError(w, errInvalidRecordID)
		return
	}

	report, err := h.service.QueryStatus(r.Context(), types.RecordIDType(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
