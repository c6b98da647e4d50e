package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veldtbot/veldt/pkg/types"
)

// HTTPChatSender is the production chat collaborator: it forwards discord
// actions to the gateway proxy over HTTP. The proxy owns the bot token and
// the Discord session; worker processes never hold either.
type HTTPChatSender struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChatSender builds a sender against the gateway proxy at baseURL.
func NewHTTPChatSender(baseURL string, timeout time.Duration) *HTTPChatSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChatSender{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPChatSender) post(ctx context.Context, tenant types.Tenant, path string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Veldt-Tenant", tenant.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway proxy returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// CreateMessage posts a message into a channel.
func (s *HTTPChatSender) CreateMessage(ctx context.Context, tenant types.Tenant, channelID string, content string) error {
	return s.post(ctx, tenant, "/v1/chat/messages", map[string]any{
		"channel_id": channelID,
		"content":    content,
	})
}

// Ban bans a user from the tenant's guild.
func (s *HTTPChatSender) Ban(ctx context.Context, tenant types.Tenant, userID string, reason string) error {
	return s.post(ctx, tenant, "/v1/chat/bans", map[string]any{
		"user_id": userID,
		"reason":  reason,
	})
}

// Kick removes a user from the tenant's guild.
func (s *HTTPChatSender) Kick(ctx context.Context, tenant types.Tenant, userID string, reason string) error {
	return s.post(ctx, tenant, "/v1/chat/kicks", map[string]any{
		"user_id": userID,
		"reason":  reason,
	})
}
