package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployline/internal/domain"
	"deployline/internal/errs"
	"deployline/internal/events"
	"deployline/internal/health"
	"deployline/internal/registry"
)

const testSecret = "test-secret"

type fakeStats struct {
	window time.Duration
}

func (f *fakeStats) Stats(_ context.Context, id string, window time.Duration) (health.Stats, error) {
	f.window = window
	if id != "p1" {
		return health.Stats{}, errs.Newf(errs.KindNotFound, "pipeline stats", id, "pipeline not found")
	}
	return health.Stats{
		PipelineID:    id,
		WindowSeconds: int64(window / time.Second),
		Freshness:     health.FreshnessLive,
		RunCount:      4,
		SuccessCount:  3,
		FailureCount:  1,
		SuccessRate:   75,
		HealthScore:   75,
	}, nil
}

type fakeEvents struct {
	items []domain.Event
	last  events.Filter
}

func (f *fakeEvents) List(_ context.Context, filter events.Filter) ([]domain.Event, error) {
	f.last = filter
	var out []domain.Event
	for i := len(f.items) - 1; i >= 0; i-- {
		evt := f.items[i]
		if filter.BeforeID > 0 && evt.ID >= filter.BeforeID {
			continue
		}
		out = append(out, evt)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

type testEnv struct {
	srv    *httptest.Server
	stats  *fakeStats
	events *fakeEvents
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	reg, err := registry.Open(registry.Options{Path: filepath.Join(t.TempDir(), "pipelines.json")})
	require.NoError(t, err)
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range []domain.Pipeline{
		{ID: "p1", Repository: "acme/widgets", WorkflowPath: ".github/workflows/deploy.yml", Status: domain.StatusActive, CreatedAt: created, UpdatedAt: created, Config: domain.DefaultPipelineConfig()},
		{ID: "p2", Repository: "acme/gadgets", WorkflowPath: ".github/workflows/release.yml", Status: domain.StatusInactive, CreatedAt: created.Add(time.Hour), UpdatedAt: created, Config: domain.DefaultPipelineConfig()},
	} {
		_, err := reg.Upsert(p)
		require.NoError(t, err)
	}

	env := &testEnv{stats: &fakeStats{}, events: &fakeEvents{}}
	for i := 1; i <= 3; i++ {
		env.events.items = append(env.events.items, domain.Event{
			ID:         int64(i),
			TS:         created.Add(time.Duration(i) * time.Minute),
			Type:       domain.EventProvisioned,
			PipelineID: "p1",
			ActorID:    "operator",
			Payload:    `{"repository":"acme/widgets"}`,
		})
	}
	handler, err := New(Config{
		Pipelines: reg,
		Stats:     env.stats,
		Events:    env.events,
		Auth:      AuthConfig{JWTSecret: testSecret},
	})
	require.NoError(t, err)
	env.srv = httptest.NewServer(handler)
	t.Cleanup(env.srv.Close)
	return env
}

func mintToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, env *testEnv, token, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestServer(t)
	var body map[string]string
	status := doJSON(t, env, "", "/v0/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	env := newTestServer(t)

	var env1 errorEnvelope
	status := doJSON(t, env, "", "/v0/pipelines", &env1)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", env1.Error.Code)

	var env2 errorEnvelope
	status = doJSON(t, env, mintToken(t, "other-secret", "operator"), "/v0/pipelines", &env2)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", env2.Error.Code)

	var env3 errorEnvelope
	status = doJSON(t, env, mintToken(t, testSecret, ""), "/v0/pipelines", &env3)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", env3.Error.Code)
}

func TestWhoAmI(t *testing.T) {
	env := newTestServer(t)
	var who whoAmIResponse
	status := doJSON(t, env, mintToken(t, testSecret, "operator"), "/v0/me", &who)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "operator", who.ActorID)
	assert.Equal(t, "jwt", who.Source)
}

func TestListPipelines(t *testing.T) {
	env := newTestServer(t)
	token := mintToken(t, testSecret, "operator")

	var all pipelineList
	require.Equal(t, http.StatusOK, doJSON(t, env, token, "/v0/pipelines", &all))
	require.Len(t, all.Items, 2)
	assert.Equal(t, "p1", all.Items[0].ID)

	var inactive pipelineList
	require.Equal(t, http.StatusOK, doJSON(t, env, token, "/v0/pipelines?status=inactive", &inactive))
	require.Len(t, inactive.Items, 1)
	assert.Equal(t, "p2", inactive.Items[0].ID)

	var byRepo pipelineList
	require.Equal(t, http.StatusOK, doJSON(t, env, token, "/v0/pipelines?repository=ACME/widgets", &byRepo))
	require.Len(t, byRepo.Items, 1)

	var bad errorEnvelope
	assert.Equal(t, http.StatusBadRequest, doJSON(t, env, token, "/v0/pipelines?status=deleted", &bad))
	assert.Equal(t, "bad_request", bad.Error.Code)
}

func TestGetPipeline(t *testing.T) {
	env := newTestServer(t)
	token := mintToken(t, testSecret, "operator")

	var p domain.Pipeline
	require.Equal(t, http.StatusOK, doJSON(t, env, token, "/v0/pipelines/p1", &p))
	assert.Equal(t, "acme/widgets", p.Repository)
	assert.Equal(t, []string{"production", "main"}, p.Config.TriggerBranches)

	var missing errorEnvelope
	assert.Equal(t, http.StatusNotFound, doJSON(t, env, token, "/v0/pipelines/nope", &missing))
	assert.Equal(t, "not_found", missing.Error.Code)
}

func TestPipelineStats(t *testing.T) {
	env := newTestServer(t)
	token := mintToken(t, testSecret, "operator")

	var s health.Stats
	require.Equal(t, http.StatusOK, doJSON(t, env, token, "/v0/pipelines/p1/stats", &s))
	assert.Equal(t, health.DefaultWindow, env.stats.window)
	assert.Equal(t, 75, s.HealthScore)
	assert.Equal(t, int64(86400), s.WindowSeconds)

	require.Equal(t, http.StatusOK, doJSON(t, env, token, "/v0/pipelines/p1/stats?window=168h", &s))
	assert.Equal(t, 7*24*time.Hour, env.stats.window)

	var bad errorEnvelope
	assert.Equal(t, http.StatusBadRequest, doJSON(t, env, token, "/v0/pipelines/p1/stats?window=soon", &bad))
	assert.Equal(t, http.StatusNotFound, doJSON(t, env, token, "/v0/pipelines/nope/stats", &bad))
}

func TestEventsPagination(t *testing.T) {
	env := newTestServer(t)
	token := mintToken(t, testSecret, "operator")

	var page paginatedEvents
	require.Equal(t, http.StatusOK, doJSON(t, env, token, "/v0/events?limit=2&pipeline_id=p1", &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(3), page.Items[0].ID)
	assert.Equal(t, "acme/widgets", page.Items[0].Payload["repository"])
	assert.Equal(t, "2", page.NextCursor)
	assert.Equal(t, "p1", env.events.last.PipelineID)

	var next paginatedEvents
	require.Equal(t, http.StatusOK, doJSON(t, env, token, "/v0/events?limit=2&cursor="+page.NextCursor, &next))
	require.Len(t, next.Items, 1)
	assert.Equal(t, int64(1), next.Items[0].ID)
	assert.Empty(t, next.NextCursor)

	var bad errorEnvelope
	assert.Equal(t, http.StatusBadRequest, doJSON(t, env, token, "/v0/events?cursor=abc", &bad))
}

func TestHandleErrorKinds(t *testing.T) {
	cases := []struct {
		kind   errs.Kind
		status int
	}{
		{errs.KindNotFound, http.StatusNotFound},
		{errs.KindValidation, http.StatusBadRequest},
		{errs.KindRateLimited, http.StatusTooManyRequests},
		{errs.KindConnection, http.StatusBadGateway},
		{errs.KindRegistryCorrupt, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := handleError(errs.Newf(tc.kind, "op", "id", "boom"))
		assert.Equal(t, tc.status, err.GetStatus(), tc.kind)
	}
	assert.Nil(t, handleError(nil))
}
