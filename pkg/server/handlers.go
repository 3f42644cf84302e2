package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/entrhq/renderd/pkg/browser"
	"github.com/entrhq/renderd/pkg/job"
	"github.com/entrhq/renderd/pkg/pool"
	"github.com/entrhq/renderd/pkg/scheduler"
)

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

// renderRequest is the body of POST /v1/render.
type renderRequest struct {
	job.Target

	// DeadlineMS overrides the default job deadline
	DeadlineMS int64 `json:"deadline_ms,omitempty"`

	// Retries overrides the retry budget
	Retries *int `json:"retries,omitempty"`
}

type renderTiming struct {
	QueuedMS   int64 `json:"queued_ms"`
	ExecutedMS int64 `json:"executed_ms"`
	TotalMS    int64 `json:"total_ms"`
}

type renderResponse struct {
	JobID       string       `json:"job_id"`
	ContentType string       `json:"content_type"`
	DataBase64  string       `json:"data_base64"`
	Pages       int          `json:"pages,omitempty"`
	Title       string       `json:"title,omitempty"`
	URL         string       `json:"url,omitempty"`
	Attempts    int          `json:"attempts"`
	Instance    string       `json:"instance,omitempty"`
	Timing      renderTiming `json:"timing"`
}

// generatePDFRequest is the legacy CV endpoint body.
type generatePDFRequest struct {
	HTMLContent *string `json:"html_content"`
}

type generatePDFResponse struct {
	Success   bool   `json:"success"`
	PDFBase64 string `json:"pdf_base64"`
}

type errorResponse struct {
	Detail   string `json:"detail"`
	Kind     string `json:"kind,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

type healthResponse struct {
	Status    string         `json:"status"`
	Service   string         `json:"service"`
	Version   string         `json:"version,omitempty"`
	Time      string         `json:"time"`
	Pool      *pool.Stats    `json:"pool,omitempty"`
	Instances *browser.Stats `json:"instances,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Service: ServiceName,
		Version: s.opts.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if s.pool != nil {
		stats := s.pool.Stats()
		resp.Pool = &stats
	}
	if s.instances != nil {
		stats := s.instances.Stats()
		resp.Instances = &stats
		if stats.Instances == 0 && stats.Launching == 0 {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGenerateCVPDF renders inline HTML with the A4 defaults.
func (s *Server) handleGenerateCVPDF(w http.ResponseWriter, r *http.Request) {
	var req generatePDFRequest
	if err := decodeJSON(r.Body, &req, false); err != nil {
		respondError(w, requestErrorStatus(err), err)
		return
	}
	if req.HTMLContent == nil {
		respondError(w, http.StatusUnprocessableEntity, errors.New("html_content is required"))
		return
	}

	target := job.Target{
		HTML:      *req.HTMLContent,
		WaitUntil: job.WaitNetworkIdle,
		Output:    job.OutputPDF,
	}
	result, err := s.submitter.Submit(r.Context(), target, scheduler.SubmitOptions{})
	if err != nil {
		s.respondJobError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, generatePDFResponse{
		Success:   true,
		PDFBase64: base64.StdEncoding.EncodeToString(result.Artifact.Data),
	})
}

// handleRender runs one render job. With ?raw=true the artifact bytes are
// returned directly instead of the JSON envelope.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeJSON(r.Body, &req, true); err != nil {
		respondError(w, requestErrorStatus(err), err)
		return
	}
	if req.DeadlineMS < 0 {
		respondError(w, http.StatusBadRequest, errors.New("deadline_ms cannot be negative"))
		return
	}
	if req.Retries != nil && *req.Retries < 0 {
		respondError(w, http.StatusBadRequest, errors.New("retries cannot be negative"))
		return
	}

	opts := scheduler.SubmitOptions{
		Timeout: time.Duration(req.DeadlineMS) * time.Millisecond,
		Retries: req.Retries,
	}
	result, err := s.submitter.Submit(r.Context(), req.Target, opts)
	if err != nil {
		s.respondJobError(w, r, err)
		return
	}

	artifact := result.Artifact
	if raw, _ := strconv.ParseBool(r.URL.Query().Get("raw")); raw {
		w.Header().Set("Content-Type", artifact.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
		w.Header().Set("X-Job-Id", result.JobID)
		w.Header().Set("X-Job-Attempts", strconv.Itoa(result.Attempts))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(artifact.Data)
		return
	}

	writeJSON(w, http.StatusOK, renderResponse{
		JobID:       result.JobID,
		ContentType: artifact.ContentType,
		DataBase64:  base64.StdEncoding.EncodeToString(artifact.Data),
		Pages:       artifact.Pages,
		Title:       artifact.Title,
		URL:         artifact.URL,
		Attempts:    result.Attempts,
		Instance:    result.InstanceID,
		Timing: renderTiming{
			QueuedMS:   result.QueuedFor.Milliseconds(),
			ExecutedMS: result.ExecutedFor.Milliseconds(),
			TotalMS:    result.Total.Milliseconds(),
		},
	})
}

// respondJobError maps a delivered job failure to an HTTP status.
func (s *Server) respondJobError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, scheduler.ErrClosed) {
		w.Header().Set("Retry-After", retryAfterSeconds(s.opts.RetryAfter))
		respondError(w, http.StatusServiceUnavailable, errors.New("service is shutting down"))
		return
	}

	kind := job.KindOf(err)
	status := StatusForKind(kind)
	if kind == job.KindPoolExhausted {
		w.Header().Set("Retry-After", retryAfterSeconds(s.opts.RetryAfter))
	}

	resp := errorResponse{Detail: err.Error(), Kind: string(kind)}
	var jobErr *job.Error
	if errors.As(err, &jobErr) {
		resp.JobID = jobErr.JobID
		resp.Attempts = jobErr.Attempt
		if jobErr.Err != nil {
			resp.Detail = jobErr.Err.Error()
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Warnf("%s %s failed: %v", r.Method, r.URL.Path, err)
	} else {
		s.logger.Debugf("%s %s rejected: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, resp)
}

// StatusForKind returns the HTTP status reported for a failure kind.
func StatusForKind(kind job.Kind) int {
	switch kind {
	case job.KindInvalidTarget:
		return http.StatusBadRequest
	case job.KindExtractionError:
		return http.StatusUnprocessableEntity
	case job.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case job.KindInstanceLost:
		return http.StatusBadGateway
	case job.KindNavigationTimeout, job.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case job.KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, dst any, strict bool) error {
	dec := json.NewDecoder(body)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func requestErrorStatus(err error) int {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func respondError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
