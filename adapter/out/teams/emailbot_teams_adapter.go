// Package teams implements the chat gateway against Microsoft Graph
// groups and teams.
package teams

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"emailbot/core/port/out"
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

// Config holds provisioning tunables.
type Config struct {
	BaseURL string

	// Teams provisioning is asynchronous; creation is polled this many
	// times with this delay before giving up.
	ProvisionPollTries int
	ProvisionPollDelay time.Duration
}

// ChatAdapter implements out.ChatGateway.
type ChatAdapter struct {
	http   *http.Client
	cfg    Config
	tokens TokenSource
	log    *logger.Logger
}

// NewChatAdapter creates the chat gateway.
func NewChatAdapter(cfg Config, tokens TokenSource, log *logger.Logger) *ChatAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ProvisionPollTries <= 0 {
		cfg.ProvisionPollTries = 5
	}
	if cfg.ProvisionPollDelay <= 0 {
		cfg.ProvisionPollDelay = 2 * time.Second
	}
	return &ChatAdapter{
		http:   httputil.NewClient(httputil.GraphClientConfig()),
		cfg:    cfg,
		tokens: tokens,
		log:    log,
	}
}

var _ out.ChatGateway = (*ChatAdapter)(nil)

// CreateGroup provisions a unified group with a team, resolving member
// addresses to directory ids. Unresolvable members are skipped; a group
// with no resolvable members at all is an error, not an empty group.
func (a *ChatAdapter) CreateGroup(ctx context.Context, spec *out.GroupSpec) (string, error) {
	ownerID, err := a.resolveUser(ctx, spec.Owner)
	if err != nil {
		return "", err
	}

	memberIDs := make([]string, 0, len(spec.Members))
	for _, addr := range spec.Members {
		id, err := a.resolveUser(ctx, addr)
		if err != nil {
			a.log.WithField("member", addr).WithError(err).Warn("member resolution failed, skipping")
			continue
		}
		if id != ownerID {
			memberIDs = append(memberIDs, id)
		}
	}
	if len(memberIDs) == 0 {
		return "", apperr.InvalidInput("members", "no group member could be resolved")
	}

	groupID, err := a.createUnifiedGroup(ctx, spec, ownerID, memberIDs)
	if err != nil {
		return "", err
	}

	if err := a.enableTeam(ctx, groupID); err != nil {
		a.log.WithField("group_id", groupID).WithError(err).Warn("team provisioning incomplete, group remains usable")
	}

	return groupID, nil
}

// PostMessage posts an HTML message to the group's primary channel.
func (a *ChatAdapter) PostMessage(ctx context.Context, groupID, htmlContent string) error {
	var channel struct {
		ID string `json:"id"`
	}
	if err := a.get(ctx, "/teams/"+groupID+"/primaryChannel", &channel); err != nil {
		return err
	}

	payload := map[string]any{
		"body": map[string]string{
			"contentType": "html",
			"content":     htmlContent,
		},
	}
	return a.post(ctx, fmt.Sprintf("/teams/%s/channels/%s/messages", groupID, channel.ID), payload, nil)
}

// ArchiveGroup archives the team; the group and its history stay readable.
func (a *ChatAdapter) ArchiveGroup(ctx context.Context, groupID string) error {
	return a.post(ctx, "/teams/"+groupID+"/archive", map[string]bool{}, nil)
}

// ListGroupsByPrefix returns group ids whose display name starts with the
// prefix. Used by maintenance tooling to find bot-created groups.
func (a *ChatAdapter) ListGroupsByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("startswith(displayName,'%s')", strings.ReplaceAll(prefix, "'", "''")))
	params.Set("$select", "id,displayName")

	var resp struct {
		Value []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	if err := a.get(ctx, "/groups?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	groups := make(map[string]string, len(resp.Value))
	for _, g := range resp.Value {
		groups[g.ID] = g.DisplayName
	}
	return groups, nil
}

// Probe checks Graph reachability for the health endpoint.
func (a *ChatAdapter) Probe(ctx context.Context) error {
	var resp struct {
		Value []any `json:"value"`
	}
	return a.get(ctx, "/groups?$top=1&$select=id", &resp)
}

func (a *ChatAdapter) resolveUser(ctx context.Context, address string) (string, error) {
	if address == "" {
		return "", apperr.MissingField("address")
	}
	var user struct {
		ID string `json:"id"`
	}
	if err := a.get(ctx, "/users/"+url.PathEscape(address)+"?$select=id", &user); err != nil {
		return "", err
	}
	return user.ID, nil
}

func (a *ChatAdapter) createUnifiedGroup(ctx context.Context, spec *out.GroupSpec, ownerID string, memberIDs []string) (string, error) {
	bind := func(id string) string {
		return a.cfg.BaseURL + "/directoryObjects/" + id
	}
	members := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		members = append(members, bind(id))
	}

	payload := map[string]any{
		"displayName":        spec.DisplayName,
		"description":        spec.Description,
		"mailNickname":       mailNickname(spec.DisplayName),
		"mailEnabled":        true,
		"securityEnabled":    false,
		"groupTypes":         []string{"Unified"},
		"owners@odata.bind":  []string{bind(ownerID)},
		"members@odata.bind": members,
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := a.post(ctx, "/groups", payload, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// enableTeam attaches a team to the group and polls until provisioning
// finishes. Group creation is eventually consistent, so early attempts
// commonly 404.
func (a *ChatAdapter) enableTeam(ctx context.Context, groupID string) error {
	payload := map[string]any{
		"memberSettings": map[string]bool{
			"allowCreateUpdateChannels": true,
		},
		"messagingSettings": map[string]bool{
			"allowUserEditMessages":   true,
			"allowUserDeleteMessages": true,
		},
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.ProvisionPollTries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(a.cfg.ProvisionPollDelay):
			case <-ctx.Done():
				return apperr.Timeout("team provisioning")
			}
		}
		if lastErr = a.put(ctx, "/groups/"+groupID+"/team", payload); lastErr == nil {
			return nil
		}
		if !apperr.IsKind(lastErr, apperr.CodeNotFound) && !apperr.IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// =============================================================================
// HTTP helpers
// =============================================================================

func (a *ChatAdapter) get(ctx context.Context, path string, result any) error {
	return a.do(ctx, http.MethodGet, path, nil, result)
}

func (a *ChatAdapter) post(ctx context.Context, path string, body, result any) error {
	return a.do(ctx, http.MethodPost, path, body, result)
}

func (a *ChatAdapter) put(ctx context.Context, path string, body any) error {
	return a.do(ctx, http.MethodPut, path, body, nil)
}

func (a *ChatAdapter) do(ctx context.Context, method, path string, body, result any) error {
	token, err := a.tokens.GetToken(ctx)
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

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return apperr.InternalWithError(err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return apperr.TransientNetwork("graph", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return apperr.Malformed("graph", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.AuthExpired(fmt.Errorf("graph: %s", data))
	case resp.StatusCode == http.StatusForbidden:
		return apperr.PermissionDenied(string(data))
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound("graph resource")
	case resp.StatusCode == http.StatusConflict:
		return apperr.Conflict(string(data))
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.RateLimited("graph").WithDetail("retry_after", resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		return apperr.TransientNetwork("graph", fmt.Errorf("status %d: %s", resp.StatusCode, data))
	default:
		return apperr.Malformed("graph", fmt.Errorf("status %d: %s", resp.StatusCode, data))
	}
}

// mailNickname derives a directory-safe nickname from the display name.
func mailNickname(displayName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(displayName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		}
		if b.Len() >= 64 {
			break
		}
	}
	if b.Len() == 0 {
		return "emailbot-group"
	}
	return b.String()
}
