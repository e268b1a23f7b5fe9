// Package registry persists Pipeline records in a single JSON document.
//
// Every mutation copies the prior document to a timestamped backup before the
// new document replaces the old one through a temp-file rename. Writes are
// last-writer-wins per id; separate processes sharing one document can race.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"deployline/internal/domain"
	"deployline/internal/errs"
)

const SchemaVersion = "1"

const backupTimeFormat = "20060102T150405.000000000Z"

var (
	ErrNotFound  = errors.New("pipeline not found")
	ErrDuplicate = errors.New("active pipeline already registered for repository and app")
)

// Document is the persisted layout.
type Document struct {
	SchemaVersion string                     `json:"schema_version"`
	LastUpdated   time.Time                  `json:"last_updated"`
	Pipelines     map[string]domain.Pipeline `json:"pipelines"`
}

type Options struct {
	Path      string
	BackupDir string
	Logger    *slog.Logger
	Now       func() time.Time
}

type Registry struct {
	path      string
	backupDir string
	logger    *slog.Logger
	now       func() time.Time

	mu  sync.Mutex
	doc Document
}

func New(opts Options) *Registry {
	r := &Registry{
		path:      opts.Path,
		backupDir: opts.BackupDir,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.backupDir == "" {
		r.backupDir = filepath.Join(filepath.Dir(r.path), "backups")
	}
	r.doc = emptyDocument()
	return r
}

// Open builds a registry and loads it from disk.
func Open(opts Options) (*Registry, error) {
	r := New(opts)
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

func emptyDocument() Document {
	return Document{SchemaVersion: SchemaVersion, Pipelines: map[string]domain.Pipeline{}}
}

// Load reads the document. A missing document yields an empty registry; an
// unparsable one fails with a registry_corrupt error and is left untouched.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.doc = emptyDocument()
			return nil
		}
		return errs.E(errs.KindRead, "load registry", r.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return errs.E(errs.KindRegistryCorrupt, "load registry", r.path, err).
			WithHint("restore the document from " + r.backupDir + " or fix it by hand")
	}
	if doc.SchemaVersion != SchemaVersion {
		return errs.Newf(errs.KindRegistryCorrupt, "load registry", r.path, "unsupported schema version %q", doc.SchemaVersion).
			WithHint("restore the document from " + r.backupDir)
	}
	if doc.Pipelines == nil {
		doc.Pipelines = map[string]domain.Pipeline{}
	}
	for id, p := range doc.Pipelines {
		if p.ID != id {
			return errs.Newf(errs.KindRegistryCorrupt, "load registry", r.path, "entry %q holds pipeline id %q", id, p.ID)
		}
		if err := p.Validate(); err != nil {
			return errs.E(errs.KindRegistryCorrupt, "load registry", id, err)
		}
	}
	r.doc = doc
	return nil
}

// Upsert inserts or overwrites the pipeline keyed by its id.
func (r *Registry) Upsert(p domain.Pipeline) (domain.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := p.Validate(); err != nil {
		return domain.Pipeline{}, errs.E(errs.KindValidation, "upsert pipeline", p.ID, err)
	}
	if p.Status == domain.StatusActive {
		if other, ok := r.findLocked(p.Repository, p.Integration.LinkedApp, true); ok && other.ID != p.ID {
			return domain.Pipeline{}, errs.E(errs.KindValidation, "upsert pipeline", p.ID, ErrDuplicate).
				WithHint("pipeline " + other.ID + " already links this repository and app; tear it down or re-provision it")
		}
	}
	p.Config.TriggerBranches = append([]string(nil), p.Config.TriggerBranches...)
	next := r.cloneLocked()
	next.Pipelines[p.ID] = p
	if err := r.commitLocked(next); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

func (r *Registry) Get(id string) (domain.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.doc.Pipelines[id]
	if !ok {
		return domain.Pipeline{}, errs.E(errs.KindNotFound, "get pipeline", id, ErrNotFound).
			WithHint("list pipelines with deployline pipeline list")
	}
	return p, nil
}

// List returns every record ordered by created_at, then id.
func (r *Registry) List() []domain.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Pipeline, 0, len(r.doc.Pipelines))
	for _, p := range r.doc.Pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindByIntegration returns the active pipeline for repository and app.
func (r *Registry) FindByIntegration(repository, linkedApp string) (domain.Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(repository, linkedApp, true)
}

// Lookup is FindByIntegration without the status filter; an active match
// wins over inactive ones.
func (r *Registry) Lookup(repository, linkedApp string) (domain.Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.findLocked(repository, linkedApp, true); ok {
		return p, true
	}
	return r.findLocked(repository, linkedApp, false)
}

func (r *Registry) findLocked(repository, linkedApp string, activeOnly bool) (domain.Pipeline, bool) {
	var (
		found domain.Pipeline
		ok    bool
	)
	for _, p := range r.doc.Pipelines {
		if activeOnly && p.Status != domain.StatusActive {
			continue
		}
		if !strings.EqualFold(p.Repository, repository) || p.Integration.LinkedApp != linkedApp {
			continue
		}
		// deterministic pick among inactive duplicates: most recently updated
		if !ok || p.UpdatedAt.After(found.UpdatedAt) {
			found, ok = p, true
		}
	}
	return found, ok
}

// SetStatus changes the status and bumps updated_at.
func (r *Registry) SetStatus(id string, status domain.PipelineStatus) (domain.Pipeline, error) {
	if !status.Valid() {
		return domain.Pipeline{}, errs.Newf(errs.KindValidation, "set status", id, "invalid status %q", status)
	}
	p, err := r.Get(id)
	if err != nil {
		return domain.Pipeline{}, err
	}
	p.Status = status
	p.UpdatedAt = r.now().UTC()
	return r.Upsert(p)
}

func (r *Registry) Path() string { return r.path }

func (r *Registry) BackupDir() string { return r.backupDir }

func (r *Registry) cloneLocked() Document {
	next := Document{
		SchemaVersion: SchemaVersion,
		LastUpdated:   r.doc.LastUpdated,
		Pipelines:     make(map[string]domain.Pipeline, len(r.doc.Pipelines)+1),
	}
	for id, p := range r.doc.Pipelines {
		p.Config.TriggerBranches = append([]string(nil), p.Config.TriggerBranches...)
		next.Pipelines[id] = p
	}
	return next
}

func (r *Registry) commitLocked(next Document) error {
	if _, err := r.backupLocked(); err != nil {
		r.logger.Warn("registry backup failed", "path", r.path, "backup_dir", r.backupDir, "error", err)
	}
	next.LastUpdated = r.now().UTC()
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := writeFileAtomic(r.path, data); err != nil {
		return errs.E(errs.KindUnknown, "write registry", r.path, err).WithHint("check permissions of the registry directory")
	}
	r.doc = next
	return nil
}

// backupLocked copies the document as it is on disk, which may include
// records written by another process since Load, to a new timestamped file.
func (r *Registry) backupLocked() (string, error) {
	if err := os.MkdirAll(r.backupDir, 0o755); err != nil {
		return "", err
	}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		data, err = json.MarshalIndent(emptyDocument(), "", "  ")
	}
	if err != nil {
		return "", err
	}
	stamp := r.now().UTC().Format(backupTimeFormat)
	for i := 0; ; i++ {
		name := "pipelines-" + stamp + ".json"
		if i > 0 {
			name = fmt.Sprintf("pipelines-%s-%d.json", stamp, i)
		}
		path := filepath.Join(r.backupDir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
}

// Backups lists backup files oldest first.
func (r *Registry) Backups() ([]string, error) {
	entries, err := os.ReadDir(r.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "pipelines-") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Slice(out, func(i, j int) bool {
		si, ni := backupOrder(out[i])
		sj, nj := backupOrder(out[j])
		if si != sj {
			return si < sj
		}
		return ni < nj
	})
	for i, name := range out {
		out[i] = filepath.Join(r.backupDir, name)
	}
	return out, nil
}

// backupOrder splits pipelines-<stamp>[-<n>].json into its sort key.
func backupOrder(name string) (string, int) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "pipelines-"), ".json")
	if i := strings.LastIndex(base, "-"); i >= 0 {
		if n, err := strconv.Atoi(base[i+1:]); err == nil {
			return base[:i], n
		}
	}
	return base, 0
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".pipelines-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
