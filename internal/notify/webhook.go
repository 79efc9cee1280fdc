package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// webhookTimeout bounds a single webhook delivery.
const webhookTimeout = 10000 * time.Millisecond

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event      string `json:"event"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Flow       string `json:"flow,omitempty"`
	Class      string `json:"class,omitempty"`
	PreviousMs int64  `json:"previous_state_ms,omitempty"` // Duration of the state that just ended
	Station    string `json:"station,omitempty"`
	Message    string `json:"message,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// TransitionEvent returns the webhook event name for a transition.
func TransitionEvent(t *types.Transition) string {
	if t.Device.Active {
		return "device_active"
	}
	return "device_inactive"
}

// SendTransitionWebhook notifies the webhook of a device activity change.
func SendTransitionWebhook(ctx context.Context, webhookURL, station string, t *types.Transition) error {
	return sendWebhook(ctx, webhookURL, &WebhookPayload{
		Event:      TransitionEvent(t),
		DeviceID:   t.Device.ID,
		DeviceName: t.Device.Name,
		Flow:       t.Device.Flow,
		Class:      t.Device.Class,
		PreviousMs: t.Previous.Milliseconds(),
		Station:    station,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(ctx context.Context, webhookURL, stationName string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(ctx, webhookURL, &WebhookPayload{
		Event:     "test",
		Station:   stationName,
		Message:   "This is a test notification from " + AppName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(ctx context.Context, webhookURL string, payload *WebhookPayload) error {
	if webhookURL == "" {
		return nil
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", AppName)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
