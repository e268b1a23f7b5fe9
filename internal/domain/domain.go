package domain

import (
	"fmt"
	"strings"
	"time"
)

type PipelineStatus string

const (
	StatusActive   PipelineStatus = "active"
	StatusInactive PipelineStatus = "inactive"
)

func (s PipelineStatus) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// ProcessStatus is what the process manager reported for a deployed app.
// Unknown is distinct from stopped: the manager could not be asked or does
// not know the name.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessStopped ProcessStatus = "stopped"
	ProcessUnknown ProcessStatus = "unknown"
)

type Pipeline struct {
	ID           string         `json:"id"`
	Repository   string         `json:"repository"`
	WorkflowPath string         `json:"workflow_path"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Status       PipelineStatus `json:"status" enum:"active,inactive"`
	CreatedAt    time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time      `json:"updated_at" format:"date-time"`
	Config       PipelineConfig `json:"config"`
	Integration  Integration    `json:"integration"`
}

type PipelineConfig struct {
	TriggerBranches []string `json:"trigger_branches"`
	Environment     string   `json:"environment"`
	AutoDeploy      bool     `json:"auto_deploy"`
	Notifications   bool     `json:"notifications"`
}

type Integration struct {
	LinkedDomain  string        `json:"linked_domain,omitempty"`
	LinkedApp     string        `json:"linked_app,omitempty"`
	Discovered    bool          `json:"discovered"`
	ProcessStatus ProcessStatus `json:"process_status,omitempty"`
	DiscoveredAt  *time.Time    `json:"discovered_at,omitempty" format:"date-time"`
}

// DefaultPipelineConfig is applied to discovered pipelines and to
// provisioned ones that do not supply a config.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		TriggerBranches: []string{"production", "main"},
		Environment:     "production",
		AutoDeploy:      true,
	}
}

// Validate checks the record shape accepted by the registry.
func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if _, _, err := SplitRepository(p.Repository); err != nil {
		return err
	}
	if strings.TrimSpace(p.WorkflowPath) == "" {
		return fmt.Errorf("workflow_path is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	seen := make(map[string]struct{}, len(p.Config.TriggerBranches))
	for _, b := range p.Config.TriggerBranches {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("trigger branch names must not be empty")
		}
		if _, dup := seen[b]; dup {
			return fmt.Errorf("duplicate trigger branch %q", b)
		}
		seen[b] = struct{}{}
	}
	return nil
}

// SplitRepository splits an owner/name identifier.
func SplitRepository(repository string) (owner, name string, err error) {
	parts := strings.Split(strings.TrimSpace(repository), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q must be in owner/name form", repository)
	}
	return parts[0], parts[1], nil
}

// NormalizeBranches trims, drops empties and removes duplicates keeping the
// first occurrence.
func NormalizeBranches(branches []string) []string {
	out := make([]string, 0, len(branches))
	seen := make(map[string]struct{}, len(branches))
	for _, b := range branches {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out
}

type RunStatus string

const (
	RunSuccess    RunStatus = "success"
	RunFailure    RunStatus = "failure"
	RunInProgress RunStatus = "in_progress"
	RunQueued     RunStatus = "queued"
	RunCancelled  RunStatus = "cancelled"
)

// Run is one workflow run as reported by the source-control host.
type Run struct {
	ID        int64         `json:"id"`
	Timestamp time.Time     `json:"timestamp" format:"date-time"`
	Status    RunStatus     `json:"status"`
	Duration  time.Duration `json:"duration"`
	Branch    string        `json:"branch"`
}

// DeployWorkflow is a repository workflow that looks like a deployment.
type DeployWorkflow struct {
	Repository string `json:"repository"`
	Path       string `json:"path"`
	Name       string `json:"name"`
}

// Event is one entry of the activity journal.
type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts" format:"date-time"`
	Type       string    `json:"type"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}

const (
	EventProvisioned   = "pipeline.provisioned"
	EventReprovisioned = "pipeline.reprovisioned"
	EventTornDown      = "pipeline.torn_down"
	EventDiscovered    = "pipeline.discovered"
)
