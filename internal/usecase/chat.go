package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"portfolio-chat/internal/domain"
	"portfolio-chat/internal/integrations/gemini"
	"portfolio-chat/internal/secrets"
)

type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

type Generator interface {
	Generate(ctx context.Context, apiKey string, p domain.Prompt) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatService answers one message per call on behalf of the profile owner.
// It holds no per-request state.
type ChatService struct {
	keys              KeySource
	generator         Generator
	systemInstruction string
}

// ReplyInput carries the caller's message. A nil Message means the request
// body had no usable message field.
type ReplyInput struct {
	Message *string
}

type ReplyOutput struct {
	Reply string
}

func NewChatService(keys KeySource, generator Generator, systemInstruction string) (*ChatService, error) {
	if keys == nil {
		return nil, errors.New("usecase: key source must not be nil")
	}
	if generator == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if strings.TrimSpace(systemInstruction) == "" {
		return nil, errors.New("usecase: system instruction must not be empty")
	}
	return &ChatService{
		keys:              keys,
		generator:         generator,
		systemInstruction: systemInstruction,
	}, nil
}

// Reply resolves the API key before looking at the message, so a missing key
// is reported even for an invalid body.
func (s *ChatService) Reply(ctx context.Context, in ReplyInput) (ReplyOutput, error) {
	apiKey, err := s.keys.APIKey(ctx)
	if err != nil {
		if errors.Is(err, secrets.ErrNotConfigured) {
			return ReplyOutput{}, newError(ErrorNotConfigured, "api_key_missing", err)
		}
		return ReplyOutput{}, newError(ErrorInternal, "api_key_lookup_error", err)
	}

	if in.Message == nil || *in.Message == "" {
		return ReplyOutput{}, newError(ErrorInvalidInput, "message_required", nil)
	}

	text, err := s.generator.Generate(ctx, apiKey, buildPrompt(s.systemInstruction, *in.Message))
	switch {
	case err == nil && text != "":
	case err == nil, errors.Is(err, gemini.ErrEmptyResponse):
		text = FallbackReply
	default:
		if status, ok := upstreamStatusCode(err); ok {
			if isTransient(status) {
				return ReplyOutput{}, newError(ErrorUpstream, "gemini_transient_error", err)
			}
			return ReplyOutput{}, newError(ErrorUpstream, "gemini_error", err)
		}
		return ReplyOutput{}, newError(ErrorInternal, "gemini_call_error", err)
	}

	return ReplyOutput{Reply: text}, nil
}

func isTransient(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
