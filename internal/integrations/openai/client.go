package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"shipment-qna/internal/domain"
)

const (
	defaultChatModel  = "gpt-4o-mini"
	defaultEmbedModel = "text-embedding-3-small"
	defaultAPIVersion = "2024-06-01"
)

// tokenPayload is the expected JSON shape stored in SSM for the API key.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Op         string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.Op, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client wraps go-openai for chat completions, embeddings and moderation
// against either Azure OpenAI or an OpenAI-compatible endpoint.
type Client struct {
	baseURL     string
	azure       bool
	apiVersion  string
	chatModel   string
	embedModel  string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	staticKey   string

	keyOnce sync.Once
	api     *goopenai.Client
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAzure targets an Azure OpenAI resource; models name deployments.
func WithAzure(endpoint, apiVersion string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(endpoint)
		c.azure = true
		if v := strings.TrimSpace(apiVersion); v != "" {
			c.apiVersion = v
		}
	}
}

// WithAPIKey skips the parameter store lookup.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.staticKey = strings.TrimSpace(key)
	}
}

func WithModels(chat, embed string) Option {
	return func(c *Client) {
		if chat = strings.TrimSpace(chat); chat != "" {
			c.chatModel = chat
		}
		if embed = strings.TrimSpace(embed); embed != "" {
			c.embedModel = embed
		}
	}
}

// NewClient creates a Client. Unless WithAPIKey is given, the key is fetched
// from the parameter store on the first call and reused for the lifetime of
// the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:     "https://api.openai.com/v1",
		apiVersion:  defaultAPIVersion,
		chatModel:   defaultChatModel,
		embedModel:  defaultEmbedModel,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.staticKey != "" {
		return c, nil
	}
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	if c.paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	return c, nil
}

// resolveAPIKey returns the static key, or fetches it from SSM on the first
// call and caches the result.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.staticKey != "" {
		return c.staticKey, nil
	}
	return fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/azure-openai-key"
}

func (c *Client) client(ctx context.Context) (*goopenai.Client, error) {
	c.keyOnce.Do(func() {
		key, err := c.resolveAPIKey(ctx)
		if err != nil {
			c.keyErr = err
			return
		}
		var cfg goopenai.ClientConfig
		if c.azure {
			cfg = goopenai.DefaultAzureConfig(key, c.baseURL)
			cfg.APIVersion = c.apiVersion
		} else {
			cfg = goopenai.DefaultConfig(key)
			if c.baseURL != "" {
				cfg.BaseURL = strings.TrimRight(c.baseURL, "/")
			}
		}
		if c.httpClient != nil {
			cfg.HTTPClient = c.httpClient
		}
		c.api = goopenai.NewClientWithConfig(cfg)
	})
	return c.api, c.keyErr
}

// Complete runs one chat completion.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	if len(req.Messages) == 0 {
		return domain.Completion{}, errors.New("openai: messages must not be empty")
	}
	api, err := c.client(ctx)
	if err != nil {
		return domain.Completion{}, err
	}

	msgs := make([]goopenai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	chatReq := goopenai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("openai: request failed: %w", statusError("chat", err))
	}
	if len(resp.Choices) == 0 {
		return domain.Completion{}, errors.New("openai: no choices in response")
	}
	return domain.Completion{
		Content: resp.Choices[0].Message.Content,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai: embedding input must not be empty")
	}
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: goopenai.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embedding request failed: %w", statusError("embeddings", err))
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: no embedding in response")
	}
	return resp.Data[0].Embedding, nil
}

// Moderate calls the Moderations API and returns true if the input is flagged.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	api, err := c.client(ctx)
	if err != nil {
		return false, err
	}
	resp, err := api.Moderations(ctx, goopenai.ModerationRequest{Input: input})
	if err != nil {
		return false, fmt.Errorf("openai: moderation request failed: %w", statusError("moderations", err))
	}
	if len(resp.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return resp.Results[0].Flagged, nil
}

// statusError lifts the SDK's status-bearing errors into HTTPStatusError.
func statusError(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Op: op, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Op: op, Body: body}
	}
	return err
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("openai: API token is empty")
	}
	return tp.Token, nil
}
