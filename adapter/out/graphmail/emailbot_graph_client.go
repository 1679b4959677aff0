// Package graphmail implements the mail gateway against the Microsoft
// Graph API.
package graphmail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"emailbot/core/service/auth"
	"emailbot/pkg/apperr"
	"emailbot/pkg/httputil"
	"emailbot/pkg/logger"
)

const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// TokenSource supplies access tokens; satisfied by the token broker.
type TokenSource interface {
	GetToken(ctx context.Context) (*auth.Token, error)
}

// graphClient is the shared low-level Graph caller: auth header, JSON
// codec, error taxonomy mapping, circuit breaker.
type graphClient struct {
	http    *http.Client
	baseURL string
	tokens  TokenSource
	cb      *gobreaker.CircuitBreaker
	log     *logger.Logger
}

func newGraphClient(baseURL string, tokens TokenSource, log *logger.Logger) *graphClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	settings := gobreaker.Settings{
		Name:        "graph-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(map[string]any{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	}
	return &graphClient{
		http:    httputil.NewClient(httputil.GraphClientConfig()),
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		cb:      gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

func (c *graphClient) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *graphClient) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}

func (c *graphClient) patch(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

func (c *graphClient) do(ctx context.Context, method, path string, body, result any) error {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.InternalWithError(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.InternalWithError(err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, err := c.cb.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apperr.TransientNetwork("graph", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return nil, c.statusError(resp)
		}
		if result == nil || resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			return nil, nil
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperr.TransientNetwork("graph", err)
		}
		return data, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return apperr.TransientNetwork("graph", err)
		}
		return err
	}

	if result != nil && raw != nil {
		if err := json.Unmarshal(raw.([]byte), result); err != nil {
			return apperr.Malformed("graph", err)
		}
	}
	return nil
}

// statusError maps a Graph error response onto the error taxonomy.
func (c *graphClient) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := graphErrorDetail(data)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.AuthExpired(fmt.Errorf("graph: %s", detail))
	case resp.StatusCode == http.StatusForbidden:
		return apperr.PermissionDenied(detail)
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound("graph resource")
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.RateLimited("graph").WithDetail("retry_after", resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		return apperr.TransientNetwork("graph", fmt.Errorf("status %d: %s", resp.StatusCode, detail))
	default:
		return apperr.Malformed("graph", fmt.Errorf("status %d: %s", resp.StatusCode, detail))
	}
}

func graphErrorDetail(data []byte) string {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		return envelope.Error.Code + ": " + envelope.Error.Message
	}
	return string(data)
}
