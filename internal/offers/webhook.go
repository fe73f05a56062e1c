package offers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// WebhookNotifier posts new-ride events to an external driver-app backend
// (an FCM relay or similar). Strictly best-effort: the topic publish is the
// delivery path of record, this is a wake-up hint.
type WebhookNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint, key string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (n *WebhookNotifier) Notify(ctx context.Context, driverID string, event json.RawMessage) {
	body, _ := json.Marshal(map[string]interface{}{"driver_id": driverID, "event": event})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Key != "" {
		req.Header.Set("Authorization", "Bearer "+n.Key)
	}
	if resp, err := n.Client.Do(req); err == nil {
		_ = resp.Body.Close()
	}
}
