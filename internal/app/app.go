// Package app builds the component graph from a loaded config. Everything is
// constructed once and passed down; nothing reads ambient state.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"deployline/internal/config"
	"deployline/internal/db"
	"deployline/internal/domain"
	"deployline/internal/events"
	"deployline/internal/github"
	"deployline/internal/health"
	"deployline/internal/lifecycle"
	"deployline/internal/migrate"
	"deployline/internal/notify"
	"deployline/internal/reconcile"
	"deployline/internal/registry"
	"deployline/internal/remote"
	"deployline/internal/server"
)

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *registry.Registry
	Journal   *events.Journal
	GitHub    *github.Client
	Monitor   *health.Monitor
	Lifecycle *lifecycle.Manager

	db *sql.DB
}

// Open loads the registry and opens the journal. A journal that cannot be
// opened is replaced by one that records nothing.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := registry.Open(registry.Options{
		Path:      cfg.Registry.Path,
		BackupDir: cfg.Registry.BackupDir,
		Logger:    logger.With("component", "registry"),
	})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Registry: reg}

	dispatcher := notify.New(cfg.Webhooks, reg, logger.With("component", "notify"))
	a.Journal = &events.Journal{Notifier: dispatcher, Logger: logger.With("component", "journal")}
	if conn, err := openJournal(ctx, cfg.Journal.Path); err != nil {
		logger.Warn("activity journal disabled", "path", cfg.Journal.Path, "error", err)
	} else {
		a.db = conn
		a.Journal.DB = conn
	}

	a.GitHub = github.New(github.Options{
		BaseURL:           cfg.GitHub.APIURL,
		Token:             cfg.GitHub.Token,
		Timeout:           cfg.GitHub.Timeout,
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
		Keywords:          cfg.Discovery.Keywords,
		Logger:            logger.With("component", "github"),
	})
	a.Monitor = health.New(reg, a.GitHub, health.Options{
		FetchLimit:   cfg.Monitor.FetchLimit,
		MaxFailures:  cfg.Monitor.MaxFailures,
		OpenCooldown: cfg.Monitor.OpenCooldown,
		Logger:       logger.With("component", "health"),
	})
	a.Lifecycle = lifecycle.New(reg, lifecycle.Options{
		VerifyRepository: cfg.Provisioning.VerifyRepository,
		Repos:            a.GitHub,
		Journal:          a.Journal,
		Logger:           logger.With("component", "lifecycle"),
	})
	return a, nil
}

func openJournal(ctx context.Context, path string) (*sql.DB, error) {
	conn, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return conn, nil
}

// SSHConfig maps the remote section of the config onto the SSH dialer.
func (a *App) SSHConfig() remote.SSHConfig {
	r := a.Config.Remote
	return remote.SSHConfig{
		Host:           r.Host,
		User:           r.User,
		Port:           r.Port,
		KeyPath:        r.KeyPath,
		AgentSocket:    r.AgentSocket,
		KnownHostsPath: r.KnownHostsPath,
		ConnectTimeout: r.ConnectTimeout,
		Logger:         a.Logger.With("component", "ssh"),
	}
}

// ConnectHost opens a probe session to the deployment host. Callers must
// Disconnect it.
func (a *App) ConnectHost(ctx context.Context) (*remote.Probe, error) {
	r := a.Config.Remote
	return remote.Connect(ctx, a.SSHConfig(), remote.Options{
		UseSudo:        r.UseSudo,
		ProcessManager: r.ProcessManager.Binary,
		RunAs:          r.ProcessManager.RunAs,
		Logger:         a.Logger.With("component", "remote"),
	})
}

// Reconciler wires a reconciler over an open host probe.
func (a *App) Reconciler(host reconcile.HostProbe, dryRun bool) *reconcile.Reconciler {
	return reconcile.New(a.GitHub, host, a.Registry, reconcile.Options{
		AppsRoot: a.Config.Remote.AppsRoot,
		Owner:    a.Config.GitHub.Owner,
		Matcher:  reconcile.MatcherFor(a.Config.Discovery.Match),
		DryRun:   dryRun,
		Secrets:  a.GitHub,
		Journal:  a.Journal,
		Logger:   a.Logger.With("component", "reconcile"),
	})
}

// Discover runs one reconciliation pass against the configured host.
func (a *App) Discover(ctx context.Context, dryRun bool) (reconcile.Report, error) {
	probe, err := a.ConnectHost(ctx)
	if err != nil {
		return reconcile.Report{}, err
	}
	defer probe.Disconnect()
	return a.Reconciler(probe, dryRun).Run(ctx)
}

// Handler builds the read-only HTTP API.
func (a *App) Handler() (http.Handler, error) {
	cfg := server.Config{
		Pipelines:     a.Registry,
		Stats:         a.Monitor,
		DefaultWindow: a.Config.Monitor.Window,
		BasePath:      a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret: a.Config.Server.JWTSecret,
			Logger:    a.Logger.With("component", "server"),
		},
	}
	if a.db != nil {
		cfg.Events = a.Journal
	}
	return server.New(cfg)
}

// CheckResult is the outcome of probing one external dependency.
type CheckResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Detail   string        `json:"detail"`
	Duration time.Duration `json:"duration"`
}

// Check verifies GitHub credentials, SSH connectivity and the registry
// files, then, with working credentials, that the repository of every active
// pipeline holds deploy secrets. Every check is attempted.
func (a *App) Check(ctx context.Context) ([]CheckResult, error) {
	var results []CheckResult
	var errList []error

	start := time.Now()
	user, err := a.GitHub.VerifyCredentials(ctx)
	gh := CheckResult{Name: "github", OK: err == nil, Duration: time.Since(start)}
	if err != nil {
		gh.Detail = err.Error()
		errList = append(errList, err)
	} else {
		gh.Detail = "authenticated as " + user.Login
	}
	results = append(results, gh)

	start = time.Now()
	ssh := CheckResult{Name: "ssh"}
	probe, err := a.ConnectHost(ctx)
	if err == nil {
		var ok bool
		ok, err = probe.PathExists(ctx, a.Config.Remote.AppsRoot)
		probe.Disconnect()
		if err == nil && !ok {
			ssh.Detail = "connected; apps root " + a.Config.Remote.AppsRoot + " not found"
		} else if err == nil {
			ssh.Detail = "connected; apps root " + a.Config.Remote.AppsRoot + " present"
		}
	}
	ssh.Duration = time.Since(start)
	ssh.OK = err == nil
	if err != nil {
		ssh.Detail = err.Error()
		errList = append(errList, err)
	}
	results = append(results, ssh)

	start = time.Now()
	reg := CheckResult{Name: "registry", OK: true}
	backups, err := a.Registry.Backups()
	reg.Duration = time.Since(start)
	if err != nil {
		reg.OK = false
		reg.Detail = fmt.Sprintf("%s: %v", a.Registry.BackupDir(), err)
		errList = append(errList, err)
	} else {
		reg.Detail = fmt.Sprintf("%d pipelines in %s; %d backups in %s",
			len(a.Registry.List()), a.Registry.Path(), len(backups), a.Registry.BackupDir())
	}
	results = append(results, reg)

	if gh.OK {
		secretResults, err := a.checkSecrets(ctx)
		results = append(results, secretResults...)
		if err != nil {
			errList = append(errList, err)
		}
	}
	return results, errors.Join(errList...)
}

// checkSecrets reports deploy secret readiness once per repository with an
// active pipeline.
func (a *App) checkSecrets(ctx context.Context) ([]CheckResult, error) {
	var (
		results []CheckResult
		errList []error
	)
	seen := map[string]bool{}
	for _, p := range a.Registry.List() {
		key := strings.ToLower(p.Repository)
		if p.Status != domain.StatusActive || seen[key] {
			continue
		}
		seen[key] = true
		start := time.Now()
		list, err := a.GitHub.ListSecrets(ctx, p.Repository)
		res := CheckResult{Name: "secrets", Duration: time.Since(start)}
		switch names := github.DeploySecrets(list); {
		case err != nil:
			res.Detail = p.Repository + ": " + err.Error()
			errList = append(errList, err)
		case len(names) == 0:
			res.Detail = p.Repository + ": no deploy secrets"
			errList = append(errList, fmt.Errorf("%s has no deploy secrets", p.Repository))
		default:
			res.OK = true
			res.Detail = p.Repository + ": " + strings.Join(names, ", ")
		}
		results = append(results, res)
	}
	return results, errors.Join(errList...)
}

func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
