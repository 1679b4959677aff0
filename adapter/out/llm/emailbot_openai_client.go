// Package llm implements the model port against the OpenAI chat API.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"emailbot/core/port/out"
	"emailbot/pkg/apperr"
	"emailbot/pkg/logger"
)

const DefaultModel = "gpt-4o-mini"

// ClientConfig configures the model client.
type ClientConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// Client calls the chat completion API with bounded retries. It satisfies
// out.LLMClient.
type Client struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	maxRetries  int
	retryDelay  time.Duration
	log         *logger.Logger
}

// NewClient creates a model client with defaults filled in.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 300
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := cfg.RetryDelay
	if delay == 0 {
		delay = time.Second
	}
	return &Client{
		client:      openai.NewClient(cfg.APIKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(cfg.Temperature),
		timeout:     timeout,
		maxRetries:  retries,
		retryDelay:  delay,
		log:         log,
	}
}

// Classify triages one email. The model verdict is parsed out of whatever
// envelope the model wrapped it in; unusable output is a ParseError.
func (c *Client) Classify(ctx context.Context, req *out.ClassifyRequest) (*out.ClassifyResponse, error) {
	content, usage, err := c.invoke(ctx, classifySystemPrompt, classifyUserPrompt(req), true)
	if err != nil {
		return nil, err
	}

	payload, err := ParseJSONEnvelope(content)
	if err != nil {
		return nil, err
	}

	var resp out.ClassifyResponse
	if err := unmarshalJSON(payload, &resp); err != nil {
		return nil, apperr.ParseError("classification fields").WithError(err)
	}
	resp.ModelID = c.model
	resp.PromptVersion = PromptVersion
	resp.TokensUsed = usage
	return &resp, nil
}

// GenerateReply drafts a reply body. Plain text, no envelope.
func (c *Client) GenerateReply(ctx context.Context, req *out.ClassifyRequest, category string) (string, error) {
	content, _, err := c.invoke(ctx, replySystemPrompt(category), replyUserPrompt(req), false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// PlanEscalation asks for a staffing plan.
func (c *Client) PlanEscalation(ctx context.Context, req *out.ClassifyRequest, category, urgency string) (*out.EscalationPlan, error) {
	content, _, err := c.invoke(ctx, escalationSystemPrompt, escalationUserPrompt(req, category, urgency), true)
	if err != nil {
		return nil, err
	}

	payload, err := ParseJSONEnvelope(content)
	if err != nil {
		return nil, err
	}

	var plan out.EscalationPlan
	if err := unmarshalJSON(payload, &plan); err != nil {
		return nil, apperr.ParseError("escalation plan fields").WithError(err)
	}
	return &plan, nil
}

// Probe checks API reachability for the health endpoint. One cheap
// models call, no retries.
func (c *Client) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := c.client.GetModel(probeCtx, c.model); err != nil {
		return apperr.TransientNetwork("llm", err)
	}
	return nil
}

// invoke runs one chat completion with retries. Retry on transport errors,
// 429, 5xx, and empty choices; other 4xx fail immediately.
func (c *Client) invoke(ctx context.Context, systemPrompt, userPrompt string, jsonMode bool) (string, int, error) {
	request := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}
	if jsonMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: delay * 2^(attempt-1).
			wait := c.retryDelay << (attempt - 1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", 0, apperr.Timeout("llm invoke")
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.client.CreateChatCompletion(attemptCtx, request)
		cancel()

		if err != nil {
			if !retryable(err) {
				return "", 0, apperr.Malformed("llm", err)
			}
			lastErr = err
			c.log.WithField("attempt", attempt+1).WithError(err).Warn("llm call failed")
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = errors.New("empty choices")
			c.log.WithField("attempt", attempt+1).Warn("llm returned no choices")
			continue
		}
		return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
	}

	return "", 0, apperr.TransientNetwork("llm", lastErr)
}

// retryable classifies an API error: rate limits and server faults retry,
// other client errors do not.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return true
		}
		return false
	}
	// Transport-level failures have no status code.
	return true
}
