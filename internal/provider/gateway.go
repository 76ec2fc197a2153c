// Package provider wraps the external messaging provider: outbound sends,
// inbound webhook verification and parsing, and per-team credentials.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/db"
)

// SendRequest describes one outbound send through the provider.
type SendRequest struct {
	TeamID  uuid.UUID
	To      string
	Body    string
	Media   []string
	Channel string
}

// SendResult is the provider's acknowledgement of an accepted message.
type SendResult struct {
	ExternalID string `json:"sid"`
	Status     string `json:"status"`
}

// Gateway is the sole egress point for provider traffic. Stateless per call
// except for the credential cache.
type Gateway struct {
	baseURL     string
	client      *http.Client
	credentials *CredentialCache
	logger      *zap.Logger
}

// NewGateway creates a provider gateway talking to baseURL.
func NewGateway(baseURL string, credentials *CredentialCache, logger *zap.Logger) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		credentials: credentials,
		logger:      logger,
	}
}

// Credentials exposes the gateway's credential cache for signature
// verification and cache invalidation.
func (g *Gateway) Credentials() *CredentialCache {
	return g.credentials
}

// Send delivers one message through the provider's REST API.
//
// Returns *ConfigurationError when the team has no sender address for the
// channel and *ProviderError on any transport or API failure.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.To == "" {
		return nil, &ConfigurationError{Reason: "destination address is required"}
	}

	creds, err := g.credentials.Resolve(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}

	from := creds.SenderFor(req.Channel)
	if from == "" {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("no sender address configured for channel %s", req.Channel),
		}
	}

	to := req.To
	if req.Channel == db.ChannelWhatsApp {
		// WhatsApp traffic is addressed with a channel prefix on both ends.
		if !strings.HasPrefix(to, WhatsAppPrefix) {
			to = WhatsAppPrefix + to
		}
		if !strings.HasPrefix(from, WhatsAppPrefix) {
			from = WhatsAppPrefix + from
		}
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	if req.Body != "" {
		form.Set("Body", req.Body)
	}
	for _, m := range req.Media {
		form.Add("MediaUrl", m)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", g.baseURL, creds.AccountSID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ProviderError{Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(creds.AccountSID, creds.AuthToken)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Message: "transport failure", Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    apiErrorMessage(bodyBytes),
		}
	}

	var result SendResult
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return nil, &ProviderError{Message: "malformed provider response", Err: err}
	}
	if result.Status == "" {
		result.Status = "queued"
	}

	g.logger.Info("message accepted by provider",
		zap.String("team_id", req.TeamID.String()),
		zap.String("channel", req.Channel),
		zap.String("external_id", result.ExternalID),
		zap.String("provider_status", result.Status),
	)

	return &result, nil
}

func apiErrorMessage(body []byte) string {
	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Sprintf("%s (code %d)", apiErr.Message, apiErr.Code)
	}

	preview := string(body)
	if len(preview) > 256 {
		preview = preview[:256]
	}
	return preview
}
