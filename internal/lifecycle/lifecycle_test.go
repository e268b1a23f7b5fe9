package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"deployline/internal/domain"
	"deployline/internal/errs"
	"deployline/internal/events"
	"deployline/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type repos struct {
	known map[string]bool
	calls int
	err   error
}

func (r *repos) RepositoryExists(_ context.Context, repository string) (bool, error) {
	r.calls++
	return r.known[repository], r.err
}

type journal struct{ types []string }

func (j *journal) Record(_ context.Context, evtType, _, _ string, _ events.Payload) (domain.Event, error) {
	j.types = append(j.types, evtType)
	return domain.Event{}, nil
}

type fixture struct {
	reg   *registry.Registry
	repos *repos
	jr    *journal
	mgr   *Manager
	dir   string
}

func newFixture(t *testing.T, verify bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(registry.Options{Path: filepath.Join(dir, "pipelines.json")})
	require.NoError(t, err)
	f := &fixture{reg: reg, repos: &repos{known: map[string]bool{"acme/widgets": true}}, jr: &journal{}, dir: dir}
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.mgr = New(reg, Options{
		VerifyRepository: verify,
		Repos:            f.repos,
		Journal:          f.jr,
		Now: func() time.Time {
			ts = ts.Add(time.Minute)
			return ts
		},
	})
	return f
}

func widgetsRequest() ProvisionRequest {
	return ProvisionRequest{
		Repository:   "acme/widgets",
		WorkflowPath: ".github/workflows/deploy.yml",
		LinkedApp:    "widgets-prod",
	}
}

func TestProvisionCreatesActivePipeline(t *testing.T) {
	f := newFixture(t, true)
	p, err := f.mgr.Provision(context.Background(), widgetsRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.StatusActive, p.Status)
	assert.False(t, p.Integration.Discovered)
	assert.Equal(t, "widgets-prod", p.Integration.LinkedApp)
	assert.Equal(t, domain.DefaultPipelineConfig(), p.Config)
	assert.Equal(t, 1, f.repos.calls)
	assert.Equal(t, []string{domain.EventProvisioned}, f.jr.types)

	got, err := f.reg.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestProvisionIDsAreUnique(t *testing.T) {
	f := newFixture(t, false)
	seen := map[string]bool{}
	for _, app := range []string{"a", "b", "c", "d"} {
		req := widgetsRequest()
		req.LinkedApp = app
		p, err := f.mgr.Provision(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, seen[p.ID])
		seen[p.ID] = true
	}
	assert.Len(t, f.reg.List(), 4)
}

func TestProvisionValidatesBeforeIO(t *testing.T) {
	f := newFixture(t, true)
	cases := map[string]ProvisionRequest{
		"empty repository": {WorkflowPath: ".github/workflows/deploy.yml"},
		"bad repository":   {Repository: "widgets", WorkflowPath: ".github/workflows/deploy.yml"},
		"empty workflow":   {Repository: "acme/widgets", WorkflowPath: "  "},
		"empty env":        {Repository: "acme/widgets", WorkflowPath: "d.yml", Config: &domain.PipelineConfig{}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.mgr.Provision(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindValidation))
		})
	}
	assert.Zero(t, f.repos.calls)
	assert.Empty(t, f.reg.List())
	backups, err := f.reg.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups, "registry untouched")
}

func TestProvisionUnknownRepository(t *testing.T) {
	f := newFixture(t, true)
	req := widgetsRequest()
	req.Repository = "acme/gone"
	_, err := f.mgr.Provision(context.Background(), req)
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.Empty(t, f.reg.List())

	f = newFixture(t, false)
	_, err = f.mgr.Provision(context.Background(), req)
	assert.NoError(t, err, "verification is optional")
	assert.Zero(t, f.repos.calls)
}

func TestReprovisionUpdatesInPlace(t *testing.T) {
	f := newFixture(t, false)
	first, err := f.mgr.Provision(context.Background(), widgetsRequest())
	require.NoError(t, err)
	_, err = f.mgr.Teardown(context.Background(), first.ID, true)
	require.NoError(t, err)

	req := widgetsRequest()
	req.WorkflowPath = ".github/workflows/release.yml"
	req.Config = &domain.PipelineConfig{TriggerBranches: []string{"main", "main", " release "}, Environment: "staging"}
	again, err := f.mgr.Provision(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, domain.StatusActive, again.Status)
	assert.Equal(t, ".github/workflows/release.yml", again.WorkflowPath)
	assert.Equal(t, []string{"main", "release"}, again.Config.TriggerBranches)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	assert.Len(t, f.reg.List(), 1)
	assert.Equal(t, []string{domain.EventProvisioned, domain.EventTornDown, domain.EventReprovisioned}, f.jr.types)
}

func TestTeardownIsNonDestructive(t *testing.T) {
	f := newFixture(t, true)
	p, err := f.mgr.Provision(context.Background(), widgetsRequest())
	require.NoError(t, err)

	for _, preserve := range []bool{false, true} {
		down, err := f.mgr.Teardown(context.Background(), p.ID, preserve)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInactive, down.Status)
	}

	got, err := f.reg.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInactive, got.Status)
	got.Status = p.Status
	got.UpdatedAt = p.UpdatedAt
	assert.Equal(t, p, got, "only status and updated_at change")

	exists, err := f.repos.RepositoryExists(context.Background(), "acme/widgets")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []string{domain.EventProvisioned, domain.EventTornDown}, f.jr.types)
}

func TestTeardownMissing(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.mgr.Teardown(context.Background(), "nope", true)
	assert.True(t, errs.Is(err, errs.KindNotFound))
	_, err = f.mgr.Teardown(context.Background(), "", true)
	assert.True(t, errs.Is(err, errs.KindValidation))
}
