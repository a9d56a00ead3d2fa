package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/cipherhub/internal/errors"
	"github.com/3leaps/cipherhub/internal/observability"
	"github.com/3leaps/cipherhub/pkg/ingress"
	"github.com/3leaps/cipherhub/pkg/jobregistry"
	"github.com/3leaps/cipherhub/pkg/query"
	"github.com/3leaps/cipherhub/pkg/telemetry"
)

// DefaultMaxUploadBytes caps notification payloads when none is configured.
const DefaultMaxUploadBytes = 64 << 20

// API serves the job and telemetry endpoints under /api.
type API struct {
	query     *query.Service
	ingress   *ingress.Ingress
	logger    *zap.Logger
	maxUpload int64
}

type APIConfig struct {
	Query          *query.Service
	Ingress        *ingress.Ingress
	Logger         *zap.Logger
	MaxUploadBytes int64
}

func NewAPI(cfg APIConfig) (*API, error) {
	if cfg.Query == nil || cfg.Ingress == nil {
		return nil, fmt.Errorf("api: query service and ingress are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	return &API{query: cfg.Query, ingress: cfg.Ingress, logger: logger, maxUpload: limit}, nil
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Post("/jobs", a.SubmitJob)
	r.Get("/jobs", a.ListJobs)
	r.Post("/jobs/{jobId}/ack", a.Acknowledge)
	r.Get("/status/{jobId}", a.JobStatus)
	r.Post("/notify", a.Notify)
	r.Get("/images/{jobId}", a.Image)
	r.Get("/stats", a.Stats)
	r.Post("/stats", a.RecordStat)
	r.Get("/stats/{hostname}/history", a.StatsHistory)
}

// SubmitRequest is the POST /api/jobs body. Every field is optional.
type SubmitRequest struct {
	JobID     string            `json:"jobId"`
	Operation string            `json:"operation,omitempty"`
	Mode      string            `json:"mode,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (a *API) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(w, r, a.maxUpload, &req, true); err != nil {
		respondWithError(w, r, err)
		return
	}

	meta := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.Operation != "" {
		meta[query.MetaOperation] = req.Operation
	}
	if req.Mode != "" {
		meta[query.MetaMode] = req.Mode
	}

	view, err := a.query.Submit(req.JobID, meta)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/status/"+view.JobID)
	writeJSON(w, http.StatusCreated, view)
}

// JobListResponse is the GET /api/jobs body.
type JobListResponse struct {
	Jobs  []query.JobView `json:"jobs"`
	Stats map[string]int  `json:"stats"`
}

func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: a.query.ListJobs(), Stats: a.query.JobStats()})
}

func (a *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	timing := observability.StartServerTiming(r.Context(), "registry")
	view, err := a.query.JobStatus(chi.URLParam(r, "jobId"))
	timing.Stop()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) Acknowledge(w http.ResponseWriter, r *http.Request) {
	job, err := a.ingress.Acknowledge(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewJobView(job))
}

// NotifyRequest is the JSON form of POST /api/notify. Payload is base64.
type NotifyRequest struct {
	JobID       string `json:"jobId"`
	Status      string `json:"status"`
	Payload     []byte `json:"payload,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Notify accepts either a JSON body or a multipart form with fields jobId,
// status and an "image" file part.
func (a *API) Notify(w http.ResponseWriter, r *http.Request) {
	n, err := a.readNotification(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	timing := observability.StartServerTiming(r.Context(), "ingress")
	job, err := a.ingress.Notify(r.Context(), n)
	timing.Stop()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewJobView(job))
}

func (a *API) readNotification(w http.ResponseWriter, r *http.Request) (ingress.Notification, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "application/json"
	}

	switch mediaType {
	case "application/json":
		// base64 inflates the payload by a third
		var req NotifyRequest
		if err := decodeJSON(w, r, a.maxUpload/3*4+4096, &req, false); err != nil {
			return ingress.Notification{}, err
		}
		if int64(len(req.Payload)) > a.maxUpload {
			return ingress.Notification{}, tooLarge(a.maxUpload)
		}
		return ingress.Notification{
			JobID:       req.JobID,
			Status:      jobregistry.JobStatus(strings.ToLower(strings.TrimSpace(req.Status))),
			Payload:     req.Payload,
			ContentType: req.ContentType,
		}, nil

	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload+1<<20)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return ingress.Notification{}, bodyError(err)
		}
		defer func() {
			if r.MultipartForm != nil {
				_ = r.MultipartForm.RemoveAll()
			}
		}()
		n := ingress.Notification{
			JobID:  r.FormValue("jobId"),
			Status: jobregistry.JobStatus(strings.ToLower(strings.TrimSpace(r.FormValue("status")))),
		}
		file, header, err := r.FormFile("image")
		switch {
		case errors.Is(err, http.ErrMissingFile):
			return n, nil
		case err != nil:
			return ingress.Notification{}, bodyError(err)
		}
		defer func() { _ = file.Close() }()

		data, err := io.ReadAll(io.LimitReader(file, a.maxUpload+1))
		if err != nil {
			return ingress.Notification{}, bodyError(err)
		}
		if int64(len(data)) > a.maxUpload {
			return ingress.Notification{}, tooLarge(a.maxUpload)
		}
		n.Payload = data
		n.ContentType = header.Header.Get("Content-Type")
		if n.ContentType == "application/octet-stream" {
			n.ContentType = ""
		}
		return n, nil

	default:
		return ingress.Notification{}, apperrors.NewHTTPError(http.StatusUnsupportedMediaType, apperrors.CodeUnsupportedMedia,
			fmt.Sprintf("unsupported content type %q; use application/json or multipart/form-data", mediaType))
	}
}

// Image serves a completed job's artifact with the checksum as ETag.
func (a *API) Image(w http.ResponseWriter, r *http.Request) {
	timing := observability.StartServerTiming(r.Context(), "blobstore")
	blob, err := a.query.Artifact(r.Context(), chi.URLParam(r, "jobId"))
	timing.Stop()
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	etag := strconv.Quote(blob.Checksum)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=0, must-revalidate")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(int64(len(blob.Data)), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(blob.Data); err != nil {
		a.logger.Debug("Artifact write interrupted", zap.String("job_id", blob.Key), zap.Error(err))
	}
}

// StatsResponse is the GET /api/stats body.
type StatsResponse struct {
	Nodes []telemetry.NodeSample `json:"nodes"`
}

func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	timing := observability.StartServerTiming(r.Context(), "telemetry")
	nodes, err := a.query.TelemetrySnapshot(r.Context(), query.SnapshotFilter{HostGlob: r.URL.Query().Get("host")})
	timing.Stop()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Nodes: nodes})
}

// HistoryResponse is the GET /api/stats/{hostname}/history body.
type HistoryResponse struct {
	Hostname string             `json:"hostname"`
	Samples  []telemetry.Record `json:"samples"`
}

func (a *API) StatsHistory(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondWithError(w, r, apperrors.NewValidationError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	timing := observability.StartServerTiming(r.Context(), "telemetry")
	samples, err := a.query.TelemetryHistory(r.Context(), hostname, limit)
	timing.Stop()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Hostname: hostname, Samples: samples})
}

func (a *API) RecordStat(w http.ResponseWriter, r *http.Request) {
	var sample telemetry.NodeSample
	if err := decodeJSON(w, r, 1<<20, &sample, false); err != nil {
		respondWithError(w, r, err)
		return
	}
	stored, err := a.query.RecordSample(r.Context(), sample)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, stored)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v interface{}, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return bodyError(err)
	}
	return nil
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return tooLarge(maxErr.Limit)
	}
	return apperrors.NewValidationError("malformed request body: " + err.Error())
}

func tooLarge(limit int64) error {
	return apperrors.NewHTTPError(http.StatusRequestEntityTooLarge, apperrors.CodePayloadTooLarge,
		fmt.Sprintf("request body exceeds %d bytes", limit))
}
