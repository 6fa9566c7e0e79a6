package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/errand-dispatch/internal/models"
)

// PushDispatcher delivers notifications best effort: a live websocket
// session first, falling back to the push provider's HTTP endpoint. A
// failure never propagates past a log line; the triggering transition has
// already committed.
type PushDispatcher struct {
	Endpoint string // push provider HTTP endpoint; empty disables the fallback
	Key      string // bearer token for the provider, if any
	Client   *http.Client
	WS       *WSRegistry
	Logger   *slog.Logger
}

func NewPushDispatcher(endpoint, key string, ws *WSRegistry, log *slog.Logger) *PushDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &PushDispatcher{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		WS:       ws,
		Logger:   log,
	}
}

func (p *PushDispatcher) Notify(ctx context.Context, n models.Notification) error {
	if p.WS != nil {
		if err := p.WS.Send(n.RecipientID, n); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		p.Logger.Debug("no push endpoint configured, notification dropped", "recipient", n.RecipientID)
		return nil
	}
	body := map[string]any{"message": map[string]any{
		"recipient": n.RecipientID,
		"notification": map[string]string{
			"title": n.Title,
			"body":  n.Body,
		},
		"data": n.Data,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
