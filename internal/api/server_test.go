package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/notebook-relay/internal/artifact"
	"github.com/VenkatGGG/notebook-relay/internal/browser/browsertest"
	"github.com/VenkatGGG/notebook-relay/internal/metrics"
	"github.com/VenkatGGG/notebook-relay/internal/poll"
	"github.com/VenkatGGG/notebook-relay/internal/profile"
	"github.com/VenkatGGG/notebook-relay/internal/query"
	"github.com/VenkatGGG/notebook-relay/internal/session"
	"github.com/VenkatGGG/notebook-relay/pkg/httpx"
)

const notebookURL = "https://notebook.example.com/notebook/abc"

type fakeSessions struct {
	createErr error
	live      bool
}

func (f *fakeSessions) Create(_ context.Context, target string) (session.Session, error) {
	if f.createErr != nil {
		return session.Session{}, f.createErr
	}
	f.live = true
	return session.Session{ID: "sess_0123456789ab", TargetURL: target}, nil
}

func (f *fakeSessions) Close(context.Context) bool {
	closed := f.live
	f.live = false
	return closed
}

type fakeQueries struct {
	result query.Result
	err    error
	info   query.PageInfo
	got    query.Request
}

func (f *fakeQueries) Execute(_ context.Context, req query.Request) (query.Result, error) {
	f.got = req
	return f.result, f.err
}

func (f *fakeQueries) Capture(context.Context) (query.PageInfo, error) {
	return f.info, f.err
}

func serve(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func queryPath(target, text string) string {
	values := url.Values{}
	values.Set("notebook_id", target)
	values.Set("llmquery", text)
	return "/execute/query?" + values.Encode()
}

func TestStaticRoutes(t *testing.T) {
	t.Parallel()

	h := NewServer(&fakeSessions{}, &fakeQueries{}, Options{}, nil).Routes()

	rr := serve(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])

	rr = serve(t, h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, decode[httpx.MessageResponse](t, rr).Message)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rr = serve(t, h, method, "/test", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "Test endpoint is working", decode[httpx.MessageResponse](t, rr).Message)
	}

	rr = serve(t, h, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", decode[httpx.ErrorResponse](t, rr).Code)

	rr = serve(t, h, http.MethodDelete, "/driver/setup", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSetupRoute(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	h := NewServer(sessions, &fakeQueries{}, Options{}, nil).Routes()

	rr := serve(t, h, http.MethodGet, "/driver/setup", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", decode[httpx.ErrorResponse](t, rr).Code)

	rr = serve(t, h, http.MethodGet, "/driver/setup?notebook_id="+url.QueryEscape(notebookURL), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[setupResponse](t, rr)
	assert.Equal(t, "sess_0123456789ab", body.SessionID)
	assert.Contains(t, body.Message, notebookURL)

	sessions.createErr = session.ErrAlreadyActive
	rr = serve(t, h, http.MethodGet, "/driver/setup?notebook_id="+url.QueryEscape(notebookURL), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "already_active", decode[httpx.ErrorResponse](t, rr).Code)

	sessions.createErr = &session.SetupError{Stage: "launch", Err: errors.New("chrome not found")}
	rr = serve(t, h, http.MethodGet, "/driver/setup?notebook_id="+url.QueryEscape(notebookURL), nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	failed := decode[httpx.ErrorResponse](t, rr)
	assert.Equal(t, "setup_failed", failed.Code)
	assert.Contains(t, failed.Message, "chrome not found")
}

func TestCloseRouteIsIdempotent(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{live: true}
	h := NewServer(sessions, &fakeQueries{}, Options{}, nil).Routes()

	rr := serve(t, h, http.MethodGet, "/driver/close", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[closeResponse](t, rr).Closed)

	rr = serve(t, h, http.MethodGet, "/driver/close", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[closeResponse](t, rr).Closed)
}

func TestQueryRoutePassesParameters(t *testing.T) {
	t.Parallel()

	queries := &fakeQueries{result: query.Result{
		Message:          "done",
		InitialCount:     1,
		FinalCount:       2,
		QuerySubmitted:   "what is new?",
		NewButtonDetails: map[string]any{"xpath": "/html/body/button"},
	}}
	h := NewServer(&fakeSessions{}, queries, Options{}, nil).Routes()

	rr := serve(t, h, http.MethodGet, queryPath(notebookURL, "what is new?"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, query.Request{TargetURL: notebookURL, Query: "what is new?"}, queries.got)

	body := decode[map[string]any](t, rr)
	assert.Equal(t, float64(2), body["final_count"])
	assert.Contains(t, body, "extracted_response_text")
	assert.Nil(t, body["extracted_response_text"])
}

func TestQueryErrorStatusMapping(t *testing.T) {
	t.Parallel()

	timeout := &poll.TimeoutError{Site: "response", Timeout: time.Minute}
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"no session", session.ErrNoActiveSession, http.StatusBadRequest, "no_active_session"},
		{"invalid", query.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{"busy", query.ErrBusy, http.StatusConflict, "busy"},
		{"response timeout", &query.StepError{Kind: query.ErrResponseTimeout, Site: "response", Err: timeout}, http.StatusRequestTimeout, "response_timeout"},
		{"navigation timeout", &query.StepError{Kind: query.ErrNavigationTimeout, Site: "navigate", Err: context.DeadlineExceeded}, http.StatusRequestTimeout, "navigation_timeout"},
		{"element not found", &query.StepError{Kind: query.ErrElementNotFound, Site: "input", Err: timeout}, http.StatusRequestTimeout, "element_not_found"},
		{"other", errors.New("devtools connection reset"), http.StatusInternalServerError, "execution_failed"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := NewServer(&fakeSessions{}, &fakeQueries{err: tc.err}, Options{}, nil).Routes()
			rr := serve(t, h, http.MethodGet, queryPath(notebookURL, "hello"), nil)
			assert.Equal(t, tc.status, rr.Code)
			body := decode[stepErrorResponse](t, rr)
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestQueryErrorCarriesStepDiagnostics(t *testing.T) {
	t.Parallel()

	stepErr := &query.StepError{
		Kind:          query.ErrElementNotFound,
		Site:          "input",
		Err:           &poll.TimeoutError{Site: "input", Timeout: 30 * time.Second},
		Blocker:       "sign_in_required",
		BlockerDetail: "page redirected to a sign-in wall",
		ScreenshotURL: "/artifacts/screenshots/input_not_found-1.png",
	}
	h := NewServer(&fakeSessions{}, &fakeQueries{err: stepErr}, Options{}, nil).Routes()

	rr := serve(t, h, http.MethodGet, queryPath(notebookURL, "hello"), nil)
	assert.Equal(t, http.StatusRequestTimeout, rr.Code)
	body := decode[stepErrorResponse](t, rr)
	assert.Equal(t, "input", body.Site)
	assert.Equal(t, "sign_in_required", body.Blocker)
	assert.Equal(t, stepErr.ScreenshotURL, body.ScreenshotURL)
	assert.Contains(t, body.Message, "sign-in wall")
}

func TestCaptureRoute(t *testing.T) {
	t.Parallel()

	queries := &fakeQueries{info: query.PageInfo{Title: "Notebook", URL: notebookURL}}
	h := NewServer(&fakeSessions{}, queries, Options{}, nil).Routes()

	rr := serve(t, h, http.MethodGet, "/execute/capture", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]string](t, rr)
	assert.Equal(t, "Notebook", body["page_title"])
	assert.Equal(t, notebookURL, body["current_url"])

	queries.err = session.ErrNoActiveSession
	rr = serve(t, h, http.MethodGet, "/execute/capture", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPIKeyGuardsDriverAndExecute(t *testing.T) {
	t.Parallel()

	h := NewServer(&fakeSessions{}, &fakeQueries{}, Options{APIKey: "topsecret"}, nil).Routes()

	for _, path := range []string{"/driver/close", "/execute/capture", queryPath(notebookURL, "hello")} {
		rr := serve(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
		assert.Equal(t, "unauthorized", decode[httpx.ErrorResponse](t, rr).Code)
	}

	rr := serve(t, h, http.MethodGet, "/driver/close", http.Header{"X-Api-Key": {"topsecret"}})
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = serve(t, h, http.MethodGet, "/driver/close", http.Header{"Authorization": {"Bearer topsecret"}})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = serve(t, h, http.MethodPost, "/test", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	t.Parallel()

	h := NewServer(&fakeSessions{}, &fakeQueries{}, Options{RateLimit: 2}, nil).Routes()

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/driver/close", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/driver/close", nil).Code)
	rr := serve(t, h, http.MethodGet, "/driver/close", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", decode[httpx.ErrorResponse](t, rr).Code)

	// Unguarded routes are not counted.
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsAndArtifactRoutes(t *testing.T) {
	t.Parallel()

	rec := metrics.New()
	rec.SessionActive(true)

	store, err := artifact.NewLocalStore(afero.NewMemMapFs(), "/artifacts", "/artifacts")
	require.NoError(t, err)
	shotURL, err := store.SaveScreenshot(context.Background(), "response_timeout", []byte("png-bytes"))
	require.NoError(t, err)

	h := NewServer(&fakeSessions{}, &fakeQueries{}, Options{Metrics: rec, Artifacts: store.Handler()}, nil).Routes()

	rr := serve(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "notebook_relay_session_active 1")

	rr = serve(t, h, http.MethodGet, shotURL, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	content, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(content))
}

func TestLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	sel := query.DefaultSelectors()
	page := browsertest.NewPage()
	page.SetElements(sel.Input, &browsertest.Node{Tag: "textarea"})
	page.SetElements(sel.Submit, &browsertest.Node{Tag: "button", AriaLabel: "Submit"})
	page.SetElements(sel.ResponseAffordance, &browsertest.Node{Tag: "button", AriaLabel: "Copy"})
	page.AppendAfter(sel.ResponseAffordance, 2, &browsertest.Node{
		Tag:       "button",
		AriaLabel: "Copy",
		Relative:  map[string]string{sel.ResponseText: "world"},
	})

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/template/Default/Cookies", []byte("c"), 0o600))
	profiles := profile.NewStore(fsys, profile.Options{Template: "/template", Root: "/scratch"}, nil)
	launcher := &browsertest.Launcher{NewPage: func() *browsertest.Page { return page }}
	sessions := session.NewManager(launcher, profiles, session.Options{
		ReadyTimeout:  200 * time.Millisecond,
		ReadyInterval: 10 * time.Millisecond,
	}, nil, nil)
	executor := query.NewExecutor(sessions, nil, nil, query.Options{
		InputTimeout:     200 * time.Millisecond,
		SubmitTimeout:    200 * time.Millisecond,
		ResponseTimeout:  time.Second,
		ResponseInterval: 10 * time.Millisecond,
		ElementInterval:  10 * time.Millisecond,
		ClickableTimeout: 200 * time.Millisecond,
	}, nil, nil)
	h := NewServer(sessions, executor, Options{}, nil).Routes()

	rr := serve(t, h, http.MethodGet, queryPath(notebookURL, "hello"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "no_active_session", decode[httpx.ErrorResponse](t, rr).Code)

	rr = serve(t, h, http.MethodGet, "/driver/setup?notebook_id="+url.QueryEscape(notebookURL), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = serve(t, h, http.MethodGet, queryPath(notebookURL, "hello"), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	result := decode[query.Result](t, rr)
	require.NotNil(t, result.ExtractedResponseText)
	assert.Equal(t, "world", *result.ExtractedResponseText)
	assert.Equal(t, "hello", result.QuerySubmitted)

	rr = serve(t, h, http.MethodGet, "/driver/close", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[closeResponse](t, rr).Closed)
	assert.True(t, page.Closed())

	rr = serve(t, h, http.MethodGet, queryPath(notebookURL, "hello"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
