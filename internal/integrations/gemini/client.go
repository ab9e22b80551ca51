package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portfolio-chat/internal/domain"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"
	defaultTimeout = 30 * time.Second

	maxErrorBodyBytes = 4096
	maxResponseBytes  = 1 << 20
)

// ErrEmptyResponse means the provider answered 2xx but
// candidates[0].content.parts[0].text was missing or empty.
var ErrEmptyResponse = errors.New("gemini: no text in response")

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

// generateRequest is the request shape for models/{model}:generateContent.
type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction content          `json:"systemInstruction"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

// generateResponse is the subset of the generateContent response we read.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// HTTPStatusError captures non-2xx upstream responses. URL never contains the
// API key.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Gemini generateContent REST endpoint.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = strings.TrimSpace(model)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return nil, fmt.Errorf("gemini: parse base url: %w", err)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func generateURL(baseURL, model string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/models/" + url.PathEscape(model) + ":generateContent"
}

// Generate sends one generateContent call and returns the first candidate's
// first text part.
func (c *Client) Generate(ctx context.Context, apiKey string, p domain.Prompt) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", errors.New("gemini: api key must not be empty")
	}

	body, err := json.Marshal(generateRequest{
		Contents:          []content{{Parts: []part{{Text: p.Message}}}},
		SystemInstruction: content{Parts: []part{{Text: p.SystemInstruction}}},
		GenerationConfig: generationConfig{
			MaxOutputTokens: p.MaxOutputTokens,
			Temperature:     p.Temperature,
		},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := generateURL(c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+url.Values{"key": {apiKey}}.Encode(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: create request: %w", redactURLError(err))
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.doJSONRequest(req, endpoint)
	if err != nil {
		return "", fmt.Errorf("gemini: request failed: %w", err)
	}

	var payload generateResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(payload.Candidates) == 0 || len(payload.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}
	text := payload.Candidates[0].Content.Parts[0].Text
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (c *Client) doJSONRequest(req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, redactURLError(err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	// A reply capped at maxOutputTokens is far below this; anything larger is
	// truncated on purpose and then fails to decode.
	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// redactURLError strips the query string, which carries the API key, from
// *url.Error values produced by the transport.
func redactURLError(err error) error {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}
	if u, perr := url.Parse(urlErr.URL); perr == nil {
		u.RawQuery = ""
		urlErr.URL = u.String()
	} else {
		urlErr.URL = "<redacted>"
	}
	return err
}
