// Package model calls an OpenAI-compatible vision chat endpoint.
//
// The client is the only place transport errors exist. Predict never returns
// an error: every failure is logged and collapsed into trust.FailureSentinel,
// which the extractor turns into a refusal.
package model

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mining-wb/MM-TrustBench/internal/trust"
	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

// Client implements trust.Predictor. It is safe for concurrent use.
type Client struct {
	api    *openai.Client
	cfg    Config
	logger *zap.Logger
}

var _ trust.Predictor = (*Client)(nil)

// NewClient validates cfg and builds a client. A missing API key is an
// error here so the process can stop before any item is attempted.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = baseURL(cfg.APIURL)
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		api:    openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Predict sends the image first and the prompt second in a single user
// message and returns the reply text.
func (c *Client) Predict(ctx context.Context, img types.Image, prompt string) string {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, c.request(img, prompt))
	if err != nil {
		c.logger.Warn("model call failed",
			zap.String("image", img.Name),
			zap.String("model", c.cfg.Model),
			zap.String("reason", failureReason(err)),
			zap.Error(err))
		return trust.FailureSentinel
	}
	if len(resp.Choices) == 0 {
		c.logger.Warn("model returned no choices", zap.String("image", img.Name), zap.String("model", c.cfg.Model))
		return trust.FailureSentinel
	}
	return resp.Choices[0].Message.Content
}

func (c *Client) request(img types.Image, prompt string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    DataURL(img),
						Detail: openai.ImageURLDetail(c.cfg.ImageDetail),
					},
				},
				{
					Type: openai.ChatMessagePartTypeText,
					Text: prompt,
				},
			},
		}},
		MaxTokens: c.cfg.MaxTokens,
	}
}

// DataURL encodes an image as a data: URL.
func DataURL(img types.Image) string {
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(img.Data))
}

func failureReason(err error) string {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &apiErr):
		if apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden {
			return "auth"
		}
		return fmt.Sprintf("http %d", apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		return fmt.Sprintf("http %d", reqErr.HTTPStatusCode)
	case strings.Contains(err.Error(), "unmarshal"), strings.Contains(err.Error(), "invalid character"):
		return "malformed response"
	default:
		return "transport"
	}
}
