package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"portfolio-chat/internal/metrics"
	"portfolio-chat/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxCorrelationLen = 128
	maxBodyBytes      = 1 << 20

	msgMethodNotAllowed = "Method not allowed"
	msgNotConfigured    = "API key not configured"
	msgMessageRequired  = "Message is required"
	msgBodyTooLarge     = "Request body too large"
	msgUnavailable      = "AI service unavailable"
	msgInternal         = "Something went wrong"

	outcomeOK               = "ok"
	outcomePreflight        = "preflight"
	outcomeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	outcomeBodyTooLarge     = "BODY_TOO_LARGE"
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "POST, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type",
}

type Replier interface {
	Reply(ctx context.Context, in usecase.ReplyInput) (usecase.ReplyOutput, error)
}

type chatRequest struct {
	Message json.RawMessage `json:"message"`
}

type replyResponse struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the chat endpoint for API Gateway proxy events and plain
// net/http. Every request is independent.
type Handler struct {
	chat    Replier
	logger  *slog.Logger
	metrics *metrics.ChatMetrics
	newID   func() string
	now     func() time.Time
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithMetrics(m *metrics.ChatMetrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func NewHandler(chat Replier, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	h := &Handler{
		chat:   chat,
		logger: slog.Default(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// request is what either adapter extracted from the inbound call. Oversized
// bodies are flagged rather than truncated.
type request struct {
	method    string
	body      []byte
	oversized bool
}

// result is the transport-neutral outcome of one request.
type result struct {
	status  int
	body    []byte
	outcome string
}

// Handle is the Lambda entry point for API Gateway REST proxy events.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := h.correlationID(lookupHeader(event.Headers, correlationHeader))

	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			h.logger.WarnContext(ctx, "undecodable base64 body", "correlation_id", corrID, "err", err)
			decoded = nil
		}
		body = decoded
	}

	res := h.process(ctx, request{
		method:    event.HTTPMethod,
		body:      body,
		oversized: len(body) > maxBodyBytes,
	}, corrID)

	return events.APIGatewayProxyResponse{
		StatusCode: res.status,
		Headers:    res.headers(corrID),
		Body:       string(res.body),
	}, nil
}

// ServeHTTP lets the same handler run behind any net/http server.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	corrID := h.correlationID(r.Header.Get(correlationHeader))

	req := request{method: r.Method}
	if r.Body != nil && r.Method == http.MethodPost {
		buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			req.oversized = true
		case err != nil:
			h.logger.WarnContext(ctx, "failed to read request body", "correlation_id", corrID, "err", err)
		default:
			req.body = buf
		}
	}

	res := h.process(ctx, req, corrID)

	for k, v := range res.headers(corrID) {
		w.Header().Set(k, v)
	}
	w.WriteHeader(res.status)
	if len(res.body) > 0 {
		_, _ = w.Write(res.body)
	}
}

func (h *Handler) process(ctx context.Context, req request, corrID string) (res result) {
	start := h.now()
	defer func() {
		if p := recover(); p != nil {
			h.logger.ErrorContext(ctx, "panic in chat handler",
				"correlation_id", corrID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = errorResult(http.StatusInternalServerError, msgInternal, string(usecase.ErrorInternal))
		}
		h.metrics.Observe(res.outcome, h.now().Sub(start))
	}()

	// Methods are case-sensitive: "post" is not POST.
	switch req.method {
	case http.MethodOptions:
		return result{status: http.StatusOK, outcome: outcomePreflight}
	case http.MethodPost:
	default:
		return errorResult(http.StatusMethodNotAllowed, msgMethodNotAllowed, outcomeMethodNotAllowed)
	}

	if req.oversized {
		h.logger.WarnContext(ctx, "request body too large",
			"correlation_id", corrID,
			"limit_bytes", maxBodyBytes,
		)
		return errorResult(http.StatusRequestEntityTooLarge, msgBodyTooLarge, outcomeBodyTooLarge)
	}

	out, err := h.chat.Reply(ctx, usecase.ReplyInput{Message: decodeMessage(req.body)})
	if err != nil {
		return h.failure(ctx, corrID, err)
	}
	return jsonResult(http.StatusOK, replyResponse{Reply: out.Reply}, outcomeOK)
}

// decodeMessage returns the message field when the body is a JSON object whose
// message is a string. Anything else yields nil.
func decodeMessage(body []byte) *string {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil
	}
	if len(req.Message) == 0 || bytes.Equal(req.Message, []byte("null")) {
		return nil
	}
	var message string
	if err := json.Unmarshal(req.Message, &message); err != nil {
		return nil
	}
	return &message
}

func (h *Handler) failure(ctx context.Context, corrID string, err error) result {
	code := usecase.ErrorInternal
	reason := "unexpected_error"
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		code = ucErr.Code
		reason = ucErr.Reason
	}

	level := slog.LevelError
	if code == usecase.ErrorInvalidInput {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "chat request failed",
		"correlation_id", corrID,
		"code", code,
		"reason", reason,
		"err", err,
	)

	status, message := mapError(code)
	return errorResult(status, message, string(code))
}

func mapError(code usecase.ErrorCode) (int, string) {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, msgMessageRequired
	case usecase.ErrorNotConfigured:
		return http.StatusInternalServerError, msgNotConfigured
	case usecase.ErrorUpstream:
		return http.StatusInternalServerError, msgUnavailable
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

func errorResult(status int, message, outcome string) result {
	return jsonResult(status, errorResponse{Error: message}, outcome)
}

func jsonResult(status int, v any, outcome string) result {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return result{
			status:  http.StatusInternalServerError,
			body:    []byte(`{"error":"` + msgInternal + `"}`),
			outcome: string(usecase.ErrorInternal),
		}
	}
	return result{status: status, body: bytes.TrimRight(buf.Bytes(), "\n"), outcome: outcome}
}

func (r result) headers(corrID string) map[string]string {
	headers := make(map[string]string, len(corsHeaders)+2)
	for k, v := range corsHeaders {
		headers[k] = v
	}
	headers[correlationHeader] = corrID
	if len(r.body) > 0 {
		headers["Content-Type"] = "application/json"
	}
	return headers
}

func (h *Handler) correlationID(provided string) string {
	provided = strings.TrimSpace(provided)
	if provided == "" || len(provided) > maxCorrelationLen {
		return h.newID()
	}
	return provided
}

func lookupHeader(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
