// Package notify delivers journal events to webhooks for pipelines that have
// notifications enabled.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"deployline/internal/config"
	"deployline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// PipelineSource resolves the pipeline an event belongs to.
type PipelineSource interface {
	Get(id string) (domain.Pipeline, error)
}

type Dispatcher struct {
	hooks    []config.WebhookConfig
	filters  []eventFilter
	pipeline PipelineSource
	client   *http.Client
	logger   *slog.Logger
}

func New(hooks []config.WebhookConfig, pipelines PipelineSource, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		pipeline: pipelines,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.hooks = append(d.hooks, hook)
		d.filters = append(d.filters, newEventFilter(hook.Events))
	}
	return d
}

// Notify posts evt to every matching hook. Events without a pipeline, or for
// pipelines with notifications off, are dropped.
func (d *Dispatcher) Notify(ctx context.Context, evt domain.Event) error {
	if d == nil || len(d.hooks) == 0 || evt.PipelineID == "" {
		return nil
	}
	p, err := d.pipeline.Get(evt.PipelineID)
	if err != nil {
		return fmt.Errorf("resolve pipeline %s: %w", evt.PipelineID, err)
	}
	if !p.Config.Notifications {
		return nil
	}
	var errList []error
	for i, hook := range d.hooks {
		if !d.filters[i].match(evt.Type) {
			continue
		}
		if err := d.post(ctx, hook, evt, p); err != nil {
			d.logger.Warn("webhook delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err)
			errList = append(errList, fmt.Errorf("%s: %w", hook.URL, err))
		}
	}
	return errors.Join(errList...)
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	PipelineID  string          `json:"pipeline_id"`
	Repository  string          `json:"repository"`
	LinkedApp   string          `json:"linked_app,omitempty"`
	Environment string          `json:"environment"`
	ActorID     string          `json:"actor_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
	PayloadRaw  string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event, p domain.Pipeline) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:          evt.ID,
		Type:        evt.Type,
		PipelineID:  evt.PipelineID,
		Repository:  p.Repository,
		LinkedApp:   p.Integration.LinkedApp,
		Environment: p.Config.Environment,
		ActorID:     evt.ActorID,
		TS:          evt.TS.UTC().Format(time.RFC3339),
		Payload:     payload,
		PayloadRaw:  raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Deployline-Event", evt.Type)
	req.Header.Set("X-Deployline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Deployline-Pipeline", evt.PipelineID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Deployline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
