package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/renderd/pkg/browser"
	"github.com/entrhq/renderd/pkg/browser/browsertest"
	"github.com/entrhq/renderd/pkg/job"
	"github.com/entrhq/renderd/pkg/pool"
	"github.com/entrhq/renderd/pkg/scheduler"
)

type stack struct {
	launcher   *browsertest.Launcher
	pool       *pool.Pool
	dispatcher *scheduler.Dispatcher
	server     *Server
}

func newStack(t *testing.T, opts Options) *stack {
	t.Helper()
	l := browsertest.NewLauncher()
	m := browser.NewManager(l, browser.ManagerOptions{MaxInstances: 1, MaxContextsPerInstance: 2})
	p := pool.New(m)
	d := scheduler.New(p, scheduler.Options{DefaultDeadline: 5 * time.Second})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
		p.Close()
		_ = m.Shutdown(ctx)
	})
	return &stack{launcher: l, pool: p, dispatcher: d, server: New(d, p, m, opts)}
}

// stubSubmitter returns a fixed result or error.
type stubSubmitter struct {
	result *job.Result
	err    error
	got    []job.Target
}

func (s *stubSubmitter) Submit(_ context.Context, target job.Target, _ scheduler.SubmitOptions) (*job.Result, error) {
	s.got = append(s.got, target)
	return s.result, s.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), rr.Body.String())
}

func TestRoot(t *testing.T) {
	s := New(&stubSubmitter{}, nil, nil, Options{})

	rr := do(t, s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	decode(t, rr, &body)
	assert.Equal(t, map[string]string{"status": "ok", "service": "renderd"}, body)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestCORSPreflight(t *testing.T) {
	s := New(&stubSubmitter{}, nil, nil, Options{})

	rr := do(t, s, http.MethodOptions, "/v1/render", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestGenerateCVPDF(t *testing.T) {
	st := newStack(t, Options{})

	rr := do(t, st.server, http.MethodPost, "/generate-cv-pdf", `{"html_content":"<h1>Jane Doe</h1>"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body generatePDFResponse
	decode(t, rr, &body)
	assert.True(t, body.Success)

	pdf, err := base64.StdEncoding.DecodeString(body.PDFBase64)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))

	// the legacy endpoint renders with the A4 defaults
	procs := st.launcher.Processes()
	require.Len(t, procs, 1)
	ctxs := procs[0].Contexts()
	require.Len(t, ctxs, 1)
	rendered := ctxs[0].Rendered()
	require.Len(t, rendered, 1)
	target := rendered[0]
	assert.Equal(t, job.WaitNetworkIdle, target.WaitUntil)
	assert.Equal(t, job.OutputPDF, target.Output)
	assert.Equal(t, &job.Viewport{Width: 794, Height: 1123}, target.Viewport)
	require.NotNil(t, target.PDF)
	assert.Equal(t, "A4", target.PDF.Format)
	assert.True(t, *target.PDF.PrintBackground)
	assert.Equal(t, "0", target.PDF.Margin.Top)
}

func TestGenerateCVPDF_BadRequests(t *testing.T) {
	s := New(&stubSubmitter{}, nil, nil, Options{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantDetail string
	}{
		{name: "missing html_content", body: `{}`, wantStatus: http.StatusUnprocessableEntity, wantDetail: "html_content is required"},
		{name: "malformed json", body: `{"html_content":`, wantStatus: http.StatusBadRequest, wantDetail: "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s, http.MethodPost, "/generate-cv-pdf", tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code)

			var body errorResponse
			decode(t, rr, &body)
			assert.Contains(t, body.Detail, tt.wantDetail)
		})
	}
}

func TestGenerateCVPDF_EmptyHTMLIsInvalidTarget(t *testing.T) {
	st := newStack(t, Options{})

	rr := do(t, st.server, http.MethodPost, "/generate-cv-pdf", `{"html_content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var body errorResponse
	decode(t, rr, &body)
	assert.Equal(t, string(job.KindInvalidTarget), body.Kind)
	assert.Equal(t, 0, st.launcher.Executions())
}

func TestRender(t *testing.T) {
	st := newStack(t, Options{})

	rr := do(t, st.server, http.MethodPost, "/v1/render",
		`{"url":"https://example.com/cv","output":"pdf","deadline_ms":2000,"retries":0}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body renderResponse
	decode(t, rr, &body)
	assert.NotEmpty(t, body.JobID)
	assert.Equal(t, "application/pdf", body.ContentType)
	assert.Equal(t, 1, body.Attempts)
	assert.Equal(t, 1, body.Pages)
	assert.Equal(t, "https://example.com/cv", body.URL)
	assert.NotEmpty(t, body.Instance)

	data, err := base64.StdEncoding.DecodeString(body.DataBase64)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-fake https://example.com/cv", string(data))
}

func TestRender_BlankHTMLDoesNotShadowURL(t *testing.T) {
	st := newStack(t, Options{})

	rr := do(t, st.server, http.MethodPost, "/v1/render", `{"url":" https://example.com/cv ","html":"  "}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	procs := st.launcher.Processes()
	require.Len(t, procs, 1)
	ctxs := procs[0].Contexts()
	require.Len(t, ctxs, 1)
	rendered := ctxs[0].Rendered()
	require.Len(t, rendered, 1)
	assert.Equal(t, "https://example.com/cv", rendered[0].URL)
	assert.Empty(t, rendered[0].HTML)
}

func TestRender_Raw(t *testing.T) {
	st := newStack(t, Options{})

	rr := do(t, st.server, http.MethodPost, "/v1/render?raw=true", `{"url":"https://example.com/cv"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/pdf", rr.Header().Get("Content-Type"))
	assert.Equal(t, "1", rr.Header().Get("X-Job-Attempts"))
	assert.NotEmpty(t, rr.Header().Get("X-Job-Id"))
	assert.Equal(t, "%PDF-fake https://example.com/cv", rr.Body.String())
}

func TestRender_RejectsBadInput(t *testing.T) {
	st := newStack(t, Options{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   job.Kind
		wantDetail string
	}{
		{name: "url and html", body: `{"url":"https://example.com","html":"<p>x</p>"}`, wantStatus: http.StatusBadRequest, wantKind: job.KindInvalidTarget, wantDetail: "mutually exclusive"},
		{name: "bad scheme", body: `{"url":"file:///etc/passwd"}`, wantStatus: http.StatusBadRequest, wantKind: job.KindInvalidTarget, wantDetail: "scheme"},
		{name: "unknown field", body: `{"url":"https://example.com","colour":"red"}`, wantStatus: http.StatusBadRequest, wantDetail: "unknown field"},
		{name: "negative deadline", body: `{"url":"https://example.com","deadline_ms":-1}`, wantStatus: http.StatusBadRequest, wantDetail: "deadline_ms"},
		{name: "negative retries", body: `{"url":"https://example.com","retries":-2}`, wantStatus: http.StatusBadRequest, wantDetail: "retries"},
		{name: "trailing data", body: `{"url":"https://example.com"} {}`, wantStatus: http.StatusBadRequest, wantDetail: "trailing data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, st.server, http.MethodPost, "/v1/render", tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code)

			var body errorResponse
			decode(t, rr, &body)
			assert.Equal(t, string(tt.wantKind), body.Kind)
			assert.Contains(t, body.Detail, tt.wantDetail)
		})
	}
	assert.Equal(t, 0, st.launcher.Executions())
}

func TestRender_FailureStatus(t *testing.T) {
	tests := []struct {
		kind       job.Kind
		wantStatus int
	}{
		{job.KindInvalidTarget, http.StatusBadRequest},
		{job.KindExtractionError, http.StatusUnprocessableEntity},
		{job.KindPoolExhausted, http.StatusServiceUnavailable},
		{job.KindInstanceLost, http.StatusBadGateway},
		{job.KindNavigationTimeout, http.StatusGatewayTimeout},
		{job.KindDeadlineExceeded, http.StatusGatewayTimeout},
		{job.KindCanceled, 499},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			jobErr := &job.Error{Kind: tt.kind, JobID: "01JOB", Attempt: 3, Err: errors.New("boom")}
			s := New(&stubSubmitter{err: jobErr}, nil, nil, Options{RetryAfter: 1500 * time.Millisecond})

			rr := do(t, s, http.MethodPost, "/v1/render", `{"url":"https://example.com"}`)
			assert.Equal(t, tt.wantStatus, rr.Code)

			var body errorResponse
			decode(t, rr, &body)
			assert.Equal(t, string(tt.kind), body.Kind)
			assert.Equal(t, "01JOB", body.JobID)
			assert.Equal(t, 3, body.Attempts)
			assert.Equal(t, "boom", body.Detail)

			if tt.kind == job.KindPoolExhausted {
				assert.Equal(t, "2", rr.Header().Get("Retry-After"))
			} else {
				assert.Empty(t, rr.Header().Get("Retry-After"))
			}
		})
	}
}

func TestRender_DispatcherClosed(t *testing.T) {
	st := newStack(t, Options{})
	require.NoError(t, st.dispatcher.Close(context.Background()))

	rr := do(t, st.server, http.MethodPost, "/v1/render", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestRender_ClientDisconnectCancelsJob(t *testing.T) {
	st := newStack(t, Options{})
	st.launcher.Execute = browsertest.Hang

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/render", strings.NewReader(`{"url":"https://example.com"}`)).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		st.server.ServeHTTP(rr, req)
	}()

	require.Eventually(t, func() bool { return st.launcher.Executions() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not return after the client went away")
	}
	assert.Equal(t, 499, rr.Code)
}

func TestIntakeRateLimit(t *testing.T) {
	stub := &stubSubmitter{result: &job.Result{JobID: "01JOB", Attempts: 1, Artifact: &job.Artifact{ContentType: "application/pdf", Data: []byte("%PDF")}}}
	s := New(stub, nil, nil, Options{IntakeRate: 0.001, IntakeBurst: 1})

	rr := do(t, s, http.MethodPost, "/v1/render", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s, http.MethodPost, "/v1/render", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Len(t, stub.got, 1)

	// liveness is not rate limited
	rr = do(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBodyLimit(t *testing.T) {
	stub := &stubSubmitter{}
	s := New(stub, nil, nil, Options{MaxBodyBytes: 32})

	rr := do(t, s, http.MethodPost, "/generate-cv-pdf", `{"html_content":"`+strings.Repeat("x", 100)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, stub.got)
}

func TestHealthz(t *testing.T) {
	st := newStack(t, Options{Version: "1.2.3"})

	rr := do(t, st.server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body healthResponse
	decode(t, rr, &body)
	assert.Equal(t, "1.2.3", body.Version)
	require.NotNil(t, body.Pool)
	assert.Equal(t, 2, body.Pool.Capacity)
	require.NotNil(t, body.Instances)
	// nothing launched yet
	assert.Equal(t, "degraded", body.Status)

	rr = do(t, st.server, http.MethodPost, "/v1/render", `{"html":"<p>warm</p>"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, st.server, http.MethodGet, "/healthz", "")
	decode(t, rr, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Instances.Instances)
	assert.Equal(t, 1, body.Pool.Idle)
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(&stubSubmitter{}, nil, nil, Options{})

	do(t, s, http.MethodGet, "/", "")
	rr := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `renderd_http_requests_total{route="/",status="200"}`)
}

func TestStatusForKind_Unknown(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusForKind(job.Kind("mystery")))
}
