package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier sends alerts via webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType string       `json:"msgtype"`
	Text    webhookText  `json:"text"`
	Alert   AlertMessage `json:"alert"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends an alert to webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, msg AlertMessage) error {
	if n == nil || n.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: formatAlertMessage(msg)},
		Alert:   msg,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: http %d", resp.StatusCode)
	}
	return nil
}

func formatAlertMessage(msg AlertMessage) string {
	var b strings.Builder
	b.WriteString("[Measurement Alert]\n")
	fmt.Fprintf(&b, "Horse: %s\n", msg.HorseID)
	fmt.Fprintf(&b, "Metric: %s\n", msg.Metric)
	for _, p := range msg.Points {
		var reasons []string
		if p.IsAnomaly {
			reasons = append(reasons, "outlier")
		}
		if p.IsAbnormalGrowth {
			reasons = append(reasons, fmt.Sprintf("growth %.2f/day", p.GrowthRate))
		}
		fmt.Fprintf(&b, "%s value=%.2f (%s)\n", p.Timestamp.UTC().Format(time.RFC3339), p.Value, strings.Join(reasons, ", "))
	}
	if msg.SeriesURL != "" {
		fmt.Fprintf(&b, "Series: %s\n", msg.SeriesURL)
	}
	return strings.TrimSpace(b.String())
}
