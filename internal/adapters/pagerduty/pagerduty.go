// Package pagerduty implements the pagerduty.* tools against the REST
// API v2. Creation carries the idempotency key as the vendor
// X-Idempotency-Key header, so replays collapse server-side.
package pagerduty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/adapters"
)

const defaultBaseURL = "https://api.pagerduty.com"

// Adapter calls PagerDuty with a REST API token.
type Adapter struct {
	baseURL string
	token   string
	from    string
	client  *http.Client
	logger  *zap.Logger
}

// New builds the adapter. from is the requester email PagerDuty requires
// on write calls.
func New(baseURL, token, from string, timeout time.Duration, logger *zap.Logger) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		baseURL: baseURL,
		token:   token,
		from:    from,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("pagerduty"),
	}
}

func (a *Adapter) Namespace() string { return "pagerduty" }

func (a *Adapter) Tools() []string {
	return []string{"pagerduty.ack", "pagerduty.resolve", "pagerduty.create_incident"}
}

func (a *Adapter) Invoke(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	switch call.Name {
	case "pagerduty.ack":
		return a.setStatus(ctx, call, "acknowledged")
	case "pagerduty.resolve":
		return a.setStatus(ctx, call, "resolved")
	case "pagerduty.create_incident":
		return a.createIncident(ctx, call)
	}
	return nil, fmt.Errorf("%w: %q", adapters.ErrNotFound, call.Name)
}

func (a *Adapter) setStatus(ctx context.Context, call adapters.ToolCall, status string) (*adapters.Response, error) {
	id, _ := call.Input["id"].(string)
	if id == "" {
		return nil, adapters.Terminal("%s: id required", call.Name)
	}
	if call.DryRun {
		return planned(call, fmt.Sprintf("set incident %s to %s", id, status)), nil
	}

	body := map[string]any{
		"incident": map[string]any{"type": "incident_reference", "status": status},
	}
	var out struct {
		Incident struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"incident"`
	}
	if err := a.do(ctx, http.MethodPut, "/incidents/"+id, call.IdempotencyKey, body, &out); err != nil {
		// Setting an incident to its current status is a no-op replay.
		var ae *adapters.Error
		if errors.As(err, &ae) && ae.Status == 400 {
			return &adapters.Response{
				Output: map[string]any{"incident_id": id, "status": status, "already_applied": true},
				Audit:  map[string]any{"mode": "real", "replayed": true},
			}, nil
		}
		return nil, err
	}
	return &adapters.Response{
		Output: map[string]any{"incident_id": out.Incident.ID, "status": out.Incident.Status},
		Audit:  map[string]any{"mode": "real"},
	}, nil
}

func (a *Adapter) createIncident(ctx context.Context, call adapters.ToolCall) (*adapters.Response, error) {
	title, _ := call.Input["title"].(string)
	serviceID, _ := call.Input["service_id"].(string)
	urgency, _ := call.Input["urgency"].(string)
	if title == "" {
		return nil, adapters.Terminal("pagerduty.create_incident: title required")
	}
	if call.DryRun {
		return planned(call, fmt.Sprintf("create incident %q", title)), nil
	}

	incident := map[string]any{
		"type":  "incident",
		"title": title,
	}
	if serviceID != "" {
		incident["service"] = map[string]any{"id": serviceID, "type": "service_reference"}
	}
	if urgency != "" {
		incident["urgency"] = urgency
	}
	var out struct {
		Incident struct {
			ID      string `json:"id"`
			HTMLURL string `json:"html_url"`
		} `json:"incident"`
	}
	if err := a.do(ctx, http.MethodPost, "/incidents", call.IdempotencyKey,
		map[string]any{"incident": incident}, &out); err != nil {
		return nil, err
	}
	return &adapters.Response{
		Output: map[string]any{"incident_id": out.Incident.ID, "url": out.Incident.HTMLURL},
		Audit:  map[string]any{"mode": "real"},
	}, nil
}

func (a *Adapter) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return adapters.Terminal("pagerduty: encode request: %v", err)
		}
		reader = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return adapters.Terminal("pagerduty: build request: %v", err)
	}
	req.Header.Set("Authorization", "Token token="+a.token)
	req.Header.Set("Content-Type", "application/json")
	if a.from != "" {
		req.Header.Set("From", a.from)
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return adapters.Transient("pagerduty: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return adapters.FromStatus(resp.StatusCode, "pagerduty: %s %s: %d %s", method, path, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return adapters.Terminal("pagerduty: decode response: %v", err)
		}
	}
	return nil
}

func planned(call adapters.ToolCall, description string) *adapters.Response {
	return &adapters.Response{
		Output: map[string]any{"dry_run": true},
		Audit: map[string]any{
			"mode":    "real",
			"dry_run": true,
			"planned": []any{map[string]any{"tool": call.Name, "description": description, "input": call.Input}},
		},
	}
}
