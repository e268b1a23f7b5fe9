// Package lifecycle provisions and tears down pipelines on operator request.
package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"deployline/internal/domain"
	"deployline/internal/errs"
	"deployline/internal/events"
)

const actorID = "operator"

type Store interface {
	Get(id string) (domain.Pipeline, error)
	Lookup(repository, linkedApp string) (domain.Pipeline, bool)
	Upsert(p domain.Pipeline) (domain.Pipeline, error)
	SetStatus(id string, status domain.PipelineStatus) (domain.Pipeline, error)
}

// RepositoryChecker confirms a repository exists before it is registered.
type RepositoryChecker interface {
	RepositoryExists(ctx context.Context, repository string) (bool, error)
}

type Recorder interface {
	Record(ctx context.Context, evtType, pipelineID, actorID string, payload events.Payload) (domain.Event, error)
}

type Options struct {
	// VerifyRepository enables the existence check against Repos. It costs
	// one API call per provision.
	VerifyRepository bool
	Repos            RepositoryChecker
	Journal          Recorder
	Logger           *slog.Logger
	Now              func() time.Time
	NewID            func() string
}

type Manager struct {
	store Store
	opts  Options
}

func New(store Store, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Manager{store: store, opts: opts}
}

type ProvisionRequest struct {
	Repository   string
	WorkflowPath string
	// Config is optional; nil applies domain.DefaultPipelineConfig.
	Config       *domain.PipelineConfig
	LinkedDomain string
	LinkedApp    string
}

// Provision registers an active pipeline. Provisioning a repository and app
// pair that already has a record updates that record's workflow and config
// and reactivates it; the id is kept.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (domain.Pipeline, error) {
	req, err := normalize(req)
	if err != nil {
		return domain.Pipeline{}, err
	}
	if m.opts.VerifyRepository && m.opts.Repos != nil {
		ok, err := m.opts.Repos.RepositoryExists(ctx, req.Repository)
		if err != nil {
			return domain.Pipeline{}, err
		}
		if !ok {
			return domain.Pipeline{}, errs.Newf(errs.KindNotFound, "provision", req.Repository, "repository not found").
				WithHint("check repository name and token access")
		}
	}

	cfg := domain.DefaultPipelineConfig()
	if req.Config != nil {
		cfg = *req.Config
		cfg.TriggerBranches = domain.NormalizeBranches(cfg.TriggerBranches)
	}
	now := m.opts.Now().UTC()

	evt := domain.EventProvisioned
	p, found := m.store.Lookup(req.Repository, req.LinkedApp)
	if found {
		evt = domain.EventReprovisioned
		p.WorkflowPath = req.WorkflowPath
		p.Config = cfg
		p.Status = domain.StatusActive
		p.UpdatedAt = now
		if req.LinkedDomain != "" {
			p.Integration.LinkedDomain = req.LinkedDomain
		}
	} else {
		p = domain.Pipeline{
			ID:           m.opts.NewID(),
			Repository:   req.Repository,
			WorkflowPath: req.WorkflowPath,
			Status:       domain.StatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
			Config:       cfg,
			Integration: domain.Integration{
				LinkedDomain: req.LinkedDomain,
				LinkedApp:    req.LinkedApp,
			},
		}
	}
	saved, err := m.store.Upsert(p)
	if err != nil {
		return domain.Pipeline{}, err
	}
	m.record(ctx, evt, saved.ID, events.Payload{
		"repository":    saved.Repository,
		"workflow_path": saved.WorkflowPath,
		"linked_app":    saved.Integration.LinkedApp,
	})
	m.opts.Logger.Info("pipeline provisioned", "id", saved.ID, "repository", saved.Repository, "reprovisioned", found)
	return saved, nil
}

// Teardown marks the pipeline inactive. It never deletes the record and
// never touches the repository or its workflow file; preserveRepository
// has no destructive counterpart and is recorded only.
func (m *Manager) Teardown(ctx context.Context, id string, preserveRepository bool) (domain.Pipeline, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Pipeline{}, errs.Newf(errs.KindValidation, "teardown", id, "pipeline id is required")
	}
	p, err := m.store.Get(id)
	if err != nil {
		return domain.Pipeline{}, err
	}
	if p.Status == domain.StatusInactive {
		return p, nil
	}
	saved, err := m.store.SetStatus(id, domain.StatusInactive)
	if err != nil {
		return domain.Pipeline{}, err
	}
	m.record(ctx, domain.EventTornDown, saved.ID, events.Payload{
		"repository":          saved.Repository,
		"preserve_repository": preserveRepository,
	})
	m.opts.Logger.Info("pipeline torn down", "id", saved.ID, "repository", saved.Repository)
	return saved, nil
}

func (m *Manager) record(ctx context.Context, evtType, id string, payload events.Payload) {
	if m.opts.Journal == nil {
		return
	}
	if _, err := m.opts.Journal.Record(ctx, evtType, id, actorID, payload); err != nil {
		m.opts.Logger.Warn("journal write failed", "pipeline_id", id, "type", evtType, "error", err)
	}
}

func normalize(req ProvisionRequest) (ProvisionRequest, error) {
	req.Repository = strings.TrimSpace(req.Repository)
	req.WorkflowPath = strings.TrimSpace(req.WorkflowPath)
	req.LinkedApp = strings.TrimSpace(req.LinkedApp)
	req.LinkedDomain = strings.TrimSpace(req.LinkedDomain)
	if req.Repository == "" {
		return req, errs.Newf(errs.KindValidation, "provision", "", "repository is required").WithHint("use owner/name")
	}
	if _, _, err := domain.SplitRepository(req.Repository); err != nil {
		return req, errs.E(errs.KindValidation, "provision", req.Repository, err).WithHint("use owner/name")
	}
	if req.WorkflowPath == "" {
		return req, errs.Newf(errs.KindValidation, "provision", req.Repository, "workflow path is required").
			WithHint("for example .github/workflows/deploy.yml")
	}
	if req.Config != nil && strings.TrimSpace(req.Config.Environment) == "" {
		return req, errs.Newf(errs.KindValidation, "provision", req.Repository, "environment is required")
	}
	return req, nil
}
