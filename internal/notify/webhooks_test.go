package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployline/internal/config"
	"deployline/internal/domain"
	"deployline/internal/errs"
)

type pipelines map[string]domain.Pipeline

func (p pipelines) Get(id string) (domain.Pipeline, error) {
	if pl, ok := p[id]; ok {
		return pl, nil
	}
	return domain.Pipeline{}, errs.Newf(errs.KindNotFound, "get pipeline", id, "missing")
}

type capture struct {
	mu   sync.Mutex
	reqs []*http.Request
	body []webhookEvent
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		c.mu.Lock()
		c.reqs = append(c.reqs, r)
		c.body = append(c.body, evt)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func fixture() pipelines {
	on := domain.Pipeline{ID: "on", Repository: "acme/widgets", Config: domain.DefaultPipelineConfig(),
		Integration: domain.Integration{LinkedApp: "widgets-prod"}}
	on.Config.Notifications = true
	off := domain.Pipeline{ID: "off", Repository: "acme/blog", Config: domain.DefaultPipelineConfig()}
	return pipelines{"on": on, "off": off}
}

func TestNotifyOnlyForOptedInPipelines(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusNoContent))
	defer srv.Close()
	d := New([]config.WebhookConfig{{URL: srv.URL, Secret: "s3cret"}}, fixture(), nil)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, d.Notify(context.Background(), domain.Event{ID: 7, TS: ts, Type: domain.EventTornDown, PipelineID: "on", ActorID: "operator", Payload: `{"preserve_repository":true}`}))
	require.NoError(t, d.Notify(context.Background(), domain.Event{ID: 8, TS: ts, Type: domain.EventTornDown, PipelineID: "off"}))
	require.NoError(t, d.Notify(context.Background(), domain.Event{ID: 9, TS: ts, Type: domain.EventTornDown}))

	require.Len(t, c.body, 1)
	assert.Equal(t, domain.EventTornDown, c.reqs[0].Header.Get("X-Deployline-Event"))
	assert.Equal(t, "7", c.reqs[0].Header.Get("X-Deployline-Delivery"))
	assert.Equal(t, "s3cret", c.reqs[0].Header.Get("X-Deployline-Secret"))
	assert.Equal(t, "acme/widgets", c.body[0].Repository)
	assert.Equal(t, "widgets-prod", c.body[0].LinkedApp)
	assert.JSONEq(t, `{"preserve_repository":true}`, string(c.body[0].Payload))
}

func TestEventFilterAndDisabledHooks(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()
	disabled := false
	d := New([]config.WebhookConfig{
		{URL: srv.URL, Events: []string{domain.EventProvisioned}},
		{URL: srv.URL, Enabled: &disabled},
	}, fixture(), nil)

	require.NoError(t, d.Notify(context.Background(), domain.Event{ID: 1, Type: domain.EventTornDown, PipelineID: "on"}))
	require.NoError(t, d.Notify(context.Background(), domain.Event{ID: 2, Type: domain.EventProvisioned, PipelineID: "on"}))
	require.Len(t, c.body, 1)
	assert.Equal(t, int64(2), c.body[0].ID)
}

func TestFailedDeliveryIsReported(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusInternalServerError))
	defer srv.Close()
	d := New([]config.WebhookConfig{{URL: srv.URL}}, fixture(), nil)
	err := d.Notify(context.Background(), domain.Event{ID: 1, Type: domain.EventProvisioned, PipelineID: "on"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
