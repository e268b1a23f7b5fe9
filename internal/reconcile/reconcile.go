// Package reconcile discovers deployed applications that have a deploy
// workflow on GitHub and registers them as pipelines.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"deployline/internal/domain"
	"deployline/internal/errs"
	"deployline/internal/events"
	"deployline/internal/github"
)

const actorID = "reconciler"

type SourceControl interface {
	VerifyCredentials(ctx context.Context) (github.User, error)
	FindDeployWorkflows(ctx context.Context, owner string) ([]domain.DeployWorkflow, error)
}

type HostProbe interface {
	ListDirectory(ctx context.Context, path string) ([]string, error)
	PathExists(ctx context.Context, path string) (bool, error)
	ReadFile(ctx context.Context, path string) (string, error)
	QueryProcess(ctx context.Context, name string) (domain.ProcessStatus, error)
}

// SecretLister reads the Actions secret names of a repository.
type SecretLister interface {
	ListSecrets(ctx context.Context, repository string) ([]github.Secret, error)
}

type Store interface {
	Lookup(repository, linkedApp string) (domain.Pipeline, bool)
	Upsert(p domain.Pipeline) (domain.Pipeline, error)
}

type Journal interface {
	Record(ctx context.Context, evtType, pipelineID, actorID string, payload events.Payload) (domain.Event, error)
	RecordDiscoveryRun(ctx context.Context, run events.DiscoveryRun) (events.DiscoveryRun, error)
}

type Options struct {
	AppsRoot string
	// Owner restricts the GitHub search; empty means every repository the
	// token can see.
	Owner   string
	Matcher Matcher
	// DryRun reports what would be created without writing.
	DryRun bool
	// Secrets, when set, adds deploy secret readiness for every matched app.
	Secrets SecretLister
	Journal Journal
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

type Reconciler struct {
	scm   SourceControl
	host  HostProbe
	store Store
	opts  Options
}

func New(scm SourceControl, host HostProbe, store Store, opts Options) *Reconciler {
	if opts.Matcher == nil {
		opts.Matcher = FuzzyMatcher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Reconciler{scm: scm, host: host, store: store, opts: opts}
}

type Skip struct {
	App        string                `json:"app"`
	Repository string                `json:"repository"`
	PipelineID string                `json:"pipeline_id"`
	Status     domain.PipelineStatus `json:"status"`
}

type Unconfigured struct {
	App    string `json:"app"`
	Reason string `json:"reason"`
}

type Failure struct {
	App     string `json:"app"`
	Err     error  `json:"-"`
	Message string `json:"error"`
}

// Readiness tells whether the repository behind an app holds deploy
// credentials as Actions secrets. Error is set when the names could not be
// read; DeploySecrets is then false.
type Readiness struct {
	App           string   `json:"app"`
	Repository    string   `json:"repository"`
	DeploySecrets bool     `json:"deploy_secrets"`
	SecretNames   []string `json:"secret_names,omitempty"`
	Error         string   `json:"error,omitempty"`
}

type Report struct {
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	DryRun       bool              `json:"dry_run"`
	Interrupted  bool              `json:"interrupted"`
	Candidates   int               `json:"candidates"`
	Apps         int               `json:"apps"`
	Created      []domain.Pipeline `json:"created"`
	Skipped      []Skip            `json:"skipped"`
	Unconfigured []Unconfigured    `json:"unconfigured"`
	Failures     []Failure         `json:"failures"`
	Readiness    []Readiness       `json:"readiness,omitempty"`
}

func (r Report) CreatedIDs() []string {
	ids := make([]string, 0, len(r.Created))
	for _, p := range r.Created {
		ids = append(ids, p.ID)
	}
	return ids
}

// Err returns a partial_discovery error when any application failed.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	apps := make([]string, 0, len(r.Failures))
	causes := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		apps = append(apps, f.App)
		causes = append(causes, f.Err)
	}
	return errs.E(errs.KindPartialDiscovery, "discover", strings.Join(apps, ","),
		fmt.Errorf("%d of %d apps failed: %w", len(r.Failures), r.Apps, errors.Join(causes...))).
		WithHint("fix the listed apps and run discovery again")
}

func (r *Report) fail(app string, err error) {
	r.Failures = append(r.Failures, Failure{App: app, Err: err, Message: err.Error()})
}

// Run performs one discovery pass. Authentication and connection failures
// abort before anything is written. Per-app failures are collected in the
// report and returned as a partial_discovery error. Cancellation is checked
// between apps; pipelines already written stay written and the partial pass
// is recorded as interrupted.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	rep := Report{StartedAt: r.opts.Now().UTC(), DryRun: r.opts.DryRun}
	log := r.opts.Logger

	user, err := r.scm.VerifyCredentials(ctx)
	if err != nil {
		return rep, err
	}
	log.Debug("github credentials verified", "login", user.Login)

	candidates, err := r.scm.FindDeployWorkflows(ctx, r.opts.Owner)
	if err != nil {
		return rep, err
	}
	rep.Candidates = len(candidates)

	apps, err := r.gather(ctx, &rep)
	if err != nil {
		return rep, err
	}

	secrets := map[string]Readiness{}
	for i, app := range apps {
		if err := ctx.Err(); err != nil {
			rep.FinishedAt = r.opts.Now().UTC()
			rep.Interrupted = true
			r.recordRun(context.WithoutCancel(ctx), rep)
			log.Warn("discovery interrupted", "created", len(rep.Created), "remaining", len(apps)-i)
			return rep, err
		}
		r.apply(ctx, app, candidates, secrets, &rep)
	}
	rep.FinishedAt = r.opts.Now().UTC()
	r.recordRun(ctx, rep)
	log.Info("discovery finished", "created", len(rep.Created), "skipped", len(rep.Skipped),
		"unconfigured", len(rep.Unconfigured), "failures", len(rep.Failures), "dry_run", rep.DryRun)
	return rep, rep.Err()
}

// gather probes every app directory. It returns an error only for failures
// that make the whole pass meaningless.
func (r *Reconciler) gather(ctx context.Context, rep *Report) ([]DeployedApp, error) {
	names, err := r.host.ListDirectory(ctx, r.opts.AppsRoot)
	if err != nil {
		return nil, err
	}
	rep.Apps = len(names)
	var apps []DeployedApp
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		app, reason, err := r.probeApp(ctx, name)
		switch {
		case err != nil && (errs.Fatal(err) || ctx.Err() != nil):
			return nil, err
		case err != nil:
			r.opts.Logger.Warn("app probe failed", "app", name, "error", err)
			rep.fail(name, err)
		case reason != "":
			rep.Unconfigured = append(rep.Unconfigured, Unconfigured{App: name, Reason: reason})
		default:
			apps = append(apps, app)
		}
	}
	return apps, nil
}

func (r *Reconciler) probeApp(ctx context.Context, name string) (DeployedApp, string, error) {
	dir := path.Join(r.opts.AppsRoot, name)
	app := DeployedApp{Name: name, Dir: dir}

	ok, err := r.host.PathExists(ctx, path.Join(dir, ".git"))
	if err != nil {
		return app, "", err
	}
	if !ok {
		return app, "no git repository", nil
	}
	gitConfig, err := r.host.ReadFile(ctx, path.Join(dir, ".git", "config"))
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return app, "no git config", nil
		}
		return app, "", err
	}
	repo, ok := parseGitHubRemote(gitConfig)
	if !ok {
		return app, "no GitHub remote", nil
	}
	app.Repository = repo

	wfDir := path.Join(dir, ".github", "workflows")
	ok, err = r.host.PathExists(ctx, wfDir)
	if err != nil {
		return app, "", err
	}
	if !ok {
		return app, "no workflow directory", nil
	}
	entries, err := r.host.ListDirectory(ctx, wfDir)
	if err != nil {
		return app, "", err
	}
	for _, e := range entries {
		if strings.HasSuffix(e, ".yml") || strings.HasSuffix(e, ".yaml") {
			app.WorkflowFile = path.Join(".github", "workflows", e)
			break
		}
	}
	if app.WorkflowFile == "" {
		return app, "no workflow file", nil
	}

	app.Process, err = r.host.QueryProcess(ctx, name)
	if err != nil {
		return app, "", err
	}
	return app, "", nil
}

func (r *Reconciler) apply(ctx context.Context, app DeployedApp, candidates []domain.DeployWorkflow, secrets map[string]Readiness, rep *Report) {
	wf, ok := r.opts.Matcher.Match(app, candidates)
	if !ok {
		rep.Unconfigured = append(rep.Unconfigured, Unconfigured{App: app.Name, Reason: "no deploy workflow"})
		return
	}
	if r.opts.Secrets != nil {
		rep.Readiness = append(rep.Readiness, r.readiness(ctx, app.Name, wf.Repository, secrets))
	}
	// Any record, active or torn down, blocks rediscovery.
	if existing, found := r.store.Lookup(wf.Repository, app.Name); found {
		rep.Skipped = append(rep.Skipped, Skip{App: app.Name, Repository: wf.Repository, PipelineID: existing.ID, Status: existing.Status})
		return
	}
	now := r.opts.Now().UTC()
	discoveredAt := now
	p := domain.Pipeline{
		ID:           r.opts.NewID(),
		Repository:   wf.Repository,
		WorkflowPath: wf.Path,
		WorkflowName: wf.Name,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		Config:       domain.DefaultPipelineConfig(),
		Integration: domain.Integration{
			LinkedDomain:  app.Name,
			LinkedApp:     app.Name,
			Discovered:    true,
			ProcessStatus: app.Process,
			DiscoveredAt:  &discoveredAt,
		},
	}
	if r.opts.DryRun {
		rep.Created = append(rep.Created, p)
		return
	}
	saved, err := r.store.Upsert(p)
	if err != nil {
		r.opts.Logger.Warn("register discovered pipeline failed", "app", app.Name, "repository", wf.Repository, "error", err)
		rep.fail(app.Name, err)
		return
	}
	rep.Created = append(rep.Created, saved)
	if r.opts.Journal != nil {
		if _, err := r.opts.Journal.Record(ctx, domain.EventDiscovered, saved.ID, actorID, events.Payload{
			"repository":     saved.Repository,
			"workflow_path":  saved.WorkflowPath,
			"linked_app":     app.Name,
			"process_status": string(app.Process),
		}); err != nil {
			r.opts.Logger.Warn("journal write failed", "pipeline_id", saved.ID, "error", err)
		}
	}
}

// readiness lists the repository's secrets once per pass. A failure is
// reported on the app and never fails discovery.
func (r *Reconciler) readiness(ctx context.Context, app, repository string, cache map[string]Readiness) Readiness {
	key := strings.ToLower(repository)
	res, ok := cache[key]
	if !ok {
		res = Readiness{Repository: repository}
		list, err := r.opts.Secrets.ListSecrets(ctx, repository)
		if err != nil {
			r.opts.Logger.Warn("list secrets failed", "repository", repository, "error", err)
			res.Error = err.Error()
		} else {
			res.SecretNames = github.DeploySecrets(list)
			res.DeploySecrets = len(res.SecretNames) > 0
		}
		cache[key] = res
	}
	res.App = app
	return res
}

func (r *Reconciler) recordRun(ctx context.Context, rep Report) {
	if r.opts.Journal == nil {
		return
	}
	_, err := r.opts.Journal.RecordDiscoveryRun(ctx, events.DiscoveryRun{
		StartedAt:    rep.StartedAt,
		FinishedAt:   rep.FinishedAt,
		DryRun:       rep.DryRun,
		Created:      len(rep.Created),
		Skipped:      len(rep.Skipped),
		Unconfigured: len(rep.Unconfigured),
		Failures:     len(rep.Failures),
		Interrupted:  rep.Interrupted,
	})
	if err != nil {
		r.opts.Logger.Warn("journal write failed", "error", err)
	}
}
