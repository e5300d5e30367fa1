// Package gateway implements the push delivery gateway adapter for OneSignal.
//
// The adapter normalizes every upstream outcome into a uniform
// types.DeliveryResult and classifies configuration, authentication, and
// subscription errors into actionable messages. It performs at most one
// outbound network call per invocation and never retries; retry policy
// belongs to the operator via the reschedule flow.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"uplift/internal/config"
	"uplift/internal/external"
	"uplift/internal/types"
)

// maxResponseBodyRead limits how much of a response body we read for error
// messages and notification ID extraction.
const maxResponseBodyRead = 4096

// broadcastSegment is the OneSignal segment used for target=all sends.
const broadcastSegment = "All"

// Sender is the delivery contract the dispatcher consumes.
type Sender interface {
	// Send delivers one notification. The returned result is always
	// populated; delivery problems are encoded in it rather than returned
	// as an error.
	Send(ctx context.Context, title, message string, recipients types.RecipientSet, metadata map[string]any) types.DeliveryResult
}

// Doer abstracts the transport so tests can substitute the breaker-wrapped
// external.BaseClient.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Compile-time assertion that external.BaseClient satisfies Doer.
var _ Doer = (*external.BaseClient)(nil)

// OneSignalClient is the Sender implementation backed by the OneSignal
// create-notification REST endpoint.
type OneSignalClient struct {
	cfg    config.OneSignalConfig
	client Doer
	logger *slog.Logger
}

// NewOneSignalClient creates an adapter bound to the given configuration and
// transport. The transport should be an external.BaseClient so outbound calls
// share the service's circuit breaker.
func NewOneSignalClient(cfg config.OneSignalConfig, client Doer, logger *slog.Logger) *OneSignalClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OneSignalClient{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// createRequest is the outbound OneSignal payload.
type createRequest struct {
	AppID    string         `json:"app_id"`
	Headings map[string]string `json:"headings"`
	Contents map[string]string `json:"contents"`
	Data     map[string]any `json:"data,omitempty"`

	IncludeExternalUserIDs []string `json:"include_external_user_ids,omitempty"`
	IncludedSegments       []string `json:"included_segments,omitempty"`
}

// createResponse covers the fields we inspect in the OneSignal response.
// Errors must be checked even on 2xx: the API reports application-level
// failures (e.g. no subscribed recipients) with a success transport status.
type createResponse struct {
	ID             string          `json:"id"`
	NotificationID string          `json:"notification_id"`
	Recipients     int             `json:"recipients"`
	Errors         json.RawMessage `json:"errors"`
}

// Send implements Sender. It fails closed on missing credentials, performs
// exactly one outbound POST, and treats 2xx-with-errors and 2xx-without-id
// responses as failures.
func (c *OneSignalClient) Send(ctx context.Context, title, message string, recipients types.RecipientSet, metadata map[string]any) types.DeliveryResult {
	if c.cfg.AppID == "" || c.cfg.APIKey.Unmask() == "" {
		// Configuration failure: no network call is attempted.
		return types.DeliveryResult{
			Success: false,
			Error:   "push gateway configuration missing: set ONESIGNAL_APP_ID and ONESIGNAL_API_KEY",
		}
	}

	payload := createRequest{
		AppID:    c.cfg.AppID,
		Headings: map[string]string{"en": title},
		Contents: map[string]string{"en": message},
		Data:     metadata,
	}
	if recipients.Broadcast {
		payload.IncludedSegments = []string{broadcastSegment}
	} else {
		payload.IncludeExternalUserIDs = recipients.ExternalIDs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.DeliveryResult{Success: false, Error: fmt.Sprintf("failed to encode push payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return types.DeliveryResult{Success: false, Error: fmt.Sprintf("failed to build push request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+c.cfg.APIKey.Unmask())

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("push gateway transport failure", "error", err)
		return types.DeliveryResult{Success: false, Error: fmt.Sprintf("push gateway unreachable: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.Error("push gateway rejected credentials", "status", resp.StatusCode)
		return types.DeliveryResult{
			Success: false,
			Error:   "push gateway authentication failed; verify the REST API key and app id match the OneSignal app",
		}

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return c.interpretSuccess(respBody)

	default:
		c.logger.Warn("push gateway error response",
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 256),
		)
		return types.DeliveryResult{
			Success: false,
			Error:   fmt.Sprintf("push gateway returned %d: %s", resp.StatusCode, truncate(string(respBody), 256)),
		}
	}
}

// interpretSuccess inspects a 2xx response body. A transport success does not
// imply delivery success: an embedded errors payload, or a missing
// notification id, is still a failure.
func (c *OneSignalClient) interpretSuccess(body []byte) types.DeliveryResult {
	var parsed createResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return types.DeliveryResult{
			Success: false,
			Error:   fmt.Sprintf("push gateway returned unparseable response: %v", err),
		}
	}

	if msg := flattenErrors(parsed.Errors); msg != "" {
		return types.DeliveryResult{
			Success: false,
			Error:   "push gateway reported errors: " + msg,
		}
	}

	id := parsed.ID
	if id == "" {
		id = parsed.NotificationID
	}
	if id == "" {
		// An apparent success without an id is unauditable; treat as failure.
		return types.DeliveryResult{
			Success: false,
			Error:   "push gateway returned success without a notification id",
		}
	}

	return types.DeliveryResult{Success: true, NotificationID: id}
}

// flattenErrors renders the polymorphic OneSignal errors field into one
// human-actionable string. The field may be an array of message strings
// ("All included players are not subscribed") or an object keyed by error
// class ({"invalid_external_user_ids": [...]}). Returns "" when no errors
// are present.
func flattenErrors(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var messages []string
	if err := json.Unmarshal(raw, &messages); err == nil {
		if len(messages) == 0 {
			return ""
		}
		return strings.Join(messages, "; ")
	}

	var keyed map[string][]string
	if err := json.Unmarshal(raw, &keyed); err == nil {
		var parts []string
		for key, vals := range keyed {
			if len(vals) == 0 {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s: %s", key, strings.Join(vals, ", ")))
		}
		if len(parts) == 0 {
			return ""
		}
		return strings.Join(parts, "; ")
	}

	// Unknown shape: surface it verbatim so operators can investigate.
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
