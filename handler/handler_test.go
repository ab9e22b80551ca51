package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"portfolio-chat/internal/metrics"
	"portfolio-chat/internal/usecase"
)

type stubReplier struct {
	out   usecase.ReplyOutput
	err   error
	in    usecase.ReplyInput
	calls int
	panic any
}

func (s *stubReplier) Reply(_ context.Context, in usecase.ReplyInput) (usecase.ReplyOutput, error) {
	s.calls++
	s.in = in
	if s.panic != nil {
		panic(s.panic)
	}
	return s.out, s.err
}

func makeEvent(method, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       "/api/chat",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, r Replier, opts ...Option) *Handler {
	t.Helper()
	h, err := NewHandler(r, opts...)
	require.NoError(t, err)
	return h
}

func requireCORS(t *testing.T, headers map[string]string) {
	t.Helper()
	require.Equal(t, "*", headers["Access-Control-Allow-Origin"])
	require.Equal(t, "POST, OPTIONS", headers["Access-Control-Allow-Methods"])
	require.Equal(t, "Content-Type", headers["Access-Control-Allow-Headers"])
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	uc := &stubReplier{out: usecase.ReplyOutput{Reply: "hello"}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"What do you do?"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, uc.in.Message)
	require.Equal(t, "What do you do?", *uc.in.Message)

	require.JSONEq(t, `{"reply":"hello"}`, resp.Body)
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
	requireCORS(t, resp.Headers)
}

func TestHandle_ReplyIsNotHTMLEscaped(t *testing.T) {
	uc := &stubReplier{out: usecase.ReplyOutput{Reply: "C/C++ & <Go>"}}
	resp, err := newTestHandler(t, uc).Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"skills?"}`))
	require.NoError(t, err)
	require.Equal(t, `{"reply":"C/C++ & <Go>"}`, resp.Body)
}

func TestHandle_Options(t *testing.T) {
	uc := &stubReplier{}
	resp, err := newTestHandler(t, uc).Handle(context.Background(), makeEvent(http.MethodOptions, ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Body)
	require.NotContains(t, resp.Headers, "Content-Type")
	requireCORS(t, resp.Headers)
	require.Zero(t, uc.calls)
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead, "post", "options", "Post"} {
		t.Run(method, func(t *testing.T) {
			uc := &stubReplier{}
			resp, err := newTestHandler(t, uc).Handle(context.Background(), makeEvent(method, `{"message":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
			require.JSONEq(t, `{"error":"Method not allowed"}`, resp.Body)
			requireCORS(t, resp.Headers)
			require.Zero(t, uc.calls)
		})
	}
}

func TestHandle_OversizedBody(t *testing.T) {
	uc := &stubReplier{}
	var logs bytes.Buffer
	h := newTestHandler(t, uc, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	body := `{"message":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, body))
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	require.JSONEq(t, `{"error":"Request body too large"}`, resp.Body)
	requireCORS(t, resp.Headers)
	require.Zero(t, uc.calls)
	require.Contains(t, logs.String(), "request body too large")
}

func TestHandle_MessageDecoding(t *testing.T) {
	cases := []struct {
		name string
		body string
		want *string
	}{
		{name: "string", body: `{"message":"hi"}`, want: strPtr("hi")},
		{name: "empty string", body: `{"message":""}`, want: strPtr("")},
		{name: "extra fields", body: `{"message":"hi","history":[]}`, want: strPtr("hi")},
		{name: "missing", body: `{}`},
		{name: "null", body: `{"message":null}`},
		{name: "number", body: `{"message":42}`},
		{name: "object", body: `{"message":{"text":"hi"}}`},
		{name: "array body", body: `["hi"]`},
		{name: "not json", body: `not-json`},
		{name: "empty body", body: ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubReplier{}
			_, err := newTestHandler(t, uc).Handle(context.Background(), makeEvent(http.MethodPost, tc.body))
			require.NoError(t, err)
			require.Equal(t, tc.want, uc.in.Message)
		})
	}
}

func TestHandle_Base64Body(t *testing.T) {
	uc := &stubReplier{out: usecase.ReplyOutput{Reply: "ok"}}
	event := makeEvent(http.MethodPost, base64.StdEncoding.EncodeToString([]byte(`{"message":"encoded"}`)))
	event.IsBase64Encoded = true

	resp, err := newTestHandler(t, uc).Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "encoded", *uc.in.Message)

	event.Body = "%%%not-base64"
	_, err = newTestHandler(t, uc).Handle(context.Background(), event)
	require.NoError(t, err)
	require.Nil(t, uc.in.Message)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "message_required"}, status: http.StatusBadRequest, body: "Message is required"},
		{name: "not configured", err: &usecase.Error{Code: usecase.ErrorNotConfigured, Reason: "api_key_missing"}, status: http.StatusInternalServerError, body: "API key not configured"},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "gemini_error", Err: errors.New("provider says: quota for project 123")}, status: http.StatusInternalServerError, body: "AI service unavailable"},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "gemini_call_error"}, status: http.StatusInternalServerError, body: "Something went wrong"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, body: "Something went wrong"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubReplier{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"What do you do?"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.body, out.Error)
			require.NotContains(t, resp.Body, "provider says")
			requireCORS(t, resp.Headers)
		})
	}
}

func TestHandle_LogsCauseWithCorrelationID(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	uc := &stubReplier{err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "gemini_error", Err: errors.New("raw provider body")}}
	h := newTestHandler(t, uc, WithLogger(logger))

	event := makeEvent(http.MethodPost, `{"message":"hi"}`)
	event.Headers["X-Correlation-Id"] = "corr-log"
	_, err := h.Handle(context.Background(), event)
	require.NoError(t, err)

	require.Contains(t, logs.String(), "raw provider body")
	require.Contains(t, logs.String(), "correlation_id=corr-log")
	require.Contains(t, logs.String(), "code=UPSTREAM_ERROR")
}

func TestHandle_RecoversFromPanic(t *testing.T) {
	var logs bytes.Buffer
	h := newTestHandler(t, &stubReplier{panic: "nil map write"}, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.JSONEq(t, `{"error":"Something went wrong"}`, resp.Body)
	require.Contains(t, logs.String(), "panic in chat handler")
	requireCORS(t, resp.Headers)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubReplier{out: usecase.ReplyOutput{Reply: "ok"}})

	event := makeEvent(http.MethodPost, `{"message":"What do you do?"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_OversizedCorrelationIDIsReplaced(t *testing.T) {
	h := newTestHandler(t, &stubReplier{out: usecase.ReplyOutput{Reply: "ok"}})
	h.newID = func() string { return "generated" }

	event := makeEvent(http.MethodPost, `{"message":"hi"}`)
	event.Headers["X-Correlation-Id"] = strings.Repeat("a", maxCorrelationLen+1)
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "generated", resp.Headers["X-Correlation-Id"])
}

func TestHandle_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewChatMetrics(reg)
	uc := &stubReplier{out: usecase.ReplyOutput{Reply: "ok"}}
	h := newTestHandler(t, uc, WithMetrics(m))

	_, _ = h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hi"}`))
	_, _ = h.Handle(context.Background(), makeEvent(http.MethodOptions, ""))
	_, _ = h.Handle(context.Background(), makeEvent(http.MethodGet, ""))
	uc.err = &usecase.Error{Code: usecase.ErrorUpstream, Reason: "gemini_error"}
	_, _ = h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hi"}`))

	expected := `
# HELP portfolio_chat_requests_total Total number of chat requests by outcome
# TYPE portfolio_chat_requests_total counter
portfolio_chat_requests_total{outcome="METHOD_NOT_ALLOWED"} 1
portfolio_chat_requests_total{outcome="UPSTREAM_ERROR"} 1
portfolio_chat_requests_total{outcome="ok"} 1
portfolio_chat_requests_total{outcome="preflight"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "portfolio_chat_requests_total"))
}

// ---------------------------------------------------------------------------
// net/http adapter
// ---------------------------------------------------------------------------

func TestServeHTTP_HappyPath(t *testing.T) {
	uc := &stubReplier{out: usecase.ReplyOutput{Reply: "hello"}}
	h := newTestHandler(t, uc)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", "corr-http")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"reply":"hello"}`, rec.Body.String())
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "corr-http", rec.Header().Get("X-Correlation-Id"))
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "hi", *uc.in.Message)
}

func TestServeHTTP_OptionsAndMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, &stubReplier{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/chat", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, rec.Body.Len())
	require.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String())
	require.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestServeHTTP_LargeMessageWithinLimit(t *testing.T) {
	uc := &stubReplier{out: usecase.ReplyOutput{Reply: "ok"}}
	h := newTestHandler(t, uc)

	message := strings.Repeat("a", 70<<10)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"`+message+`"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, uc.in.Message)
	require.Equal(t, message, *uc.in.Message)
}

func TestServeHTTP_OversizedBody(t *testing.T) {
	uc := &stubReplier{}
	h := newTestHandler(t, uc)

	body := `{"message":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.JSONEq(t, `{"error":"Request body too large"}`, rec.Body.String())
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Zero(t, uc.calls)

	// Both adapters agree on the same input.
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, body))
	require.NoError(t, err)
	require.Equal(t, rec.Code, resp.StatusCode)
}

func TestServeHTTP_LowercaseMethodIsNotAllowed(t *testing.T) {
	uc := &stubReplier{}
	h := newTestHandler(t, uc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("post", "/api/chat", strings.NewReader(`{"message":"hi"}`)))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Zero(t, uc.calls)
}

func strPtr(s string) *string { return &s }
