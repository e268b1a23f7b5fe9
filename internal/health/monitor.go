// Package health computes point-in-time health snapshots for pipelines from
// their GitHub Actions run history. Nothing here writes to the registry.
package health

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"deployline/internal/domain"
	"deployline/internal/errs"
)

const (
	// FetchLimit is how many recent runs are fetched before filtering by
	// window; the API cannot filter by time.
	FetchLimit = 50
	// RecentFailurePenalty is subtracted when the most recent finished run
	// failed.
	RecentFailurePenalty = 20
	// StaleScoreCap bounds the score when no run finished inside the window.
	StaleScoreCap = 50
	DefaultWindow = 24 * time.Hour
)

type Freshness string

const (
	FreshnessLive        Freshness = "live"
	FreshnessStale       Freshness = "stale"
	FreshnessUnavailable Freshness = "unavailable"
)

type Stats struct {
	PipelineID    string    `json:"pipeline_id"`
	Repository    string    `json:"repository"`
	WorkflowPath  string    `json:"workflow_path"`
	WindowSeconds int64     `json:"window_seconds"`
	ComputedAt    time.Time `json:"computed_at" format:"date-time"`
	Freshness     Freshness `json:"freshness" enum:"live,stale,unavailable"`
	Error         string    `json:"error,omitempty"`

	LastRun *domain.Run `json:"last_run,omitempty"`
	// RunCount counts finished runs inside the window.
	RunCount     int     `json:"run_count"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	InProgress   int     `json:"in_progress"`
	Queued       int     `json:"queued"`
	SuccessRate  float64 `json:"success_rate"`
	// AvgDurationSeconds is nil when no run succeeded inside the window.
	AvgDurationSeconds *float64 `json:"avg_duration_seconds"`
	HealthScore        int      `json:"health_score"`
	// OutsideWindow is set when the score was taken from older history.
	OutsideWindow bool `json:"outside_window"`
}

// AvgDuration returns the average successful run duration, if any.
func (s Stats) AvgDuration() (time.Duration, bool) {
	if s.AvgDurationSeconds == nil {
		return 0, false
	}
	return time.Duration(*s.AvgDurationSeconds * float64(time.Second)), true
}

// Compute derives window metrics and the health score from runs, most recent
// first. It is pure; now anchors the window.
func Compute(runs []domain.Run, window time.Duration, now time.Time) Stats {
	if window <= 0 {
		window = DefaultWindow
	}
	s := Stats{WindowSeconds: int64(window / time.Second), ComputedAt: now.UTC(), Freshness: FreshnessLive}
	if len(runs) > 0 {
		last := runs[0]
		s.LastRun = &last
	}
	cutoff := now.Add(-window)
	var (
		inWindow []domain.Run
		total    time.Duration
	)
	for _, r := range runs {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		inWindow = append(inWindow, r)
		switch r.Status {
		case domain.RunInProgress:
			s.InProgress++
		case domain.RunQueued:
			s.Queued++
		case domain.RunSuccess:
			s.SuccessCount++
			total += r.Duration
		case domain.RunFailure:
			s.FailureCount++
		}
	}
	s.RunCount = finished(inWindow)
	if s.RunCount > 0 {
		s.SuccessRate = 100 * float64(s.SuccessCount) / float64(s.RunCount)
	}
	if s.SuccessCount > 0 {
		avg := (total / time.Duration(s.SuccessCount)).Seconds()
		s.AvgDurationSeconds = &avg
	}

	if s.RunCount > 0 {
		s.HealthScore = score(s.SuccessRate, lastFinishedFailed(inWindow))
		return s
	}
	// Nothing finished inside the window: score the older history and cap it.
	s.OutsideWindow = true
	n := finished(runs)
	if n == 0 {
		return s
	}
	success := 0
	for _, r := range runs {
		if r.Status == domain.RunSuccess {
			success++
		}
	}
	s.HealthScore = min(score(100*float64(success)/float64(n), lastFinishedFailed(runs)), StaleScoreCap)
	return s
}

func score(rate float64, recentFailure bool) int {
	v := int(math.Round(rate))
	if recentFailure {
		v -= RecentFailurePenalty
	}
	return max(0, min(100, v))
}

func isFinished(r domain.Run) bool {
	return r.Status == domain.RunSuccess || r.Status == domain.RunFailure || r.Status == domain.RunCancelled
}

func finished(runs []domain.Run) int {
	n := 0
	for _, r := range runs {
		if isFinished(r) {
			n++
		}
	}
	return n
}

func lastFinishedFailed(runs []domain.Run) bool {
	for _, r := range runs {
		if isFinished(r) {
			return r.Status == domain.RunFailure
		}
	}
	return false
}

type RunSource interface {
	GetRecentRuns(ctx context.Context, repository, workflow string, limit int) ([]domain.Run, error)
}

type PipelineGetter interface {
	Get(id string) (domain.Pipeline, error)
}

type Options struct {
	FetchLimit int
	// MaxFailures consecutive source failures open the breaker for
	// OpenCooldown.
	MaxFailures  uint32
	OpenCooldown time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

type Monitor struct {
	pipelines PipelineGetter
	source    RunSource
	breaker   *gobreaker.CircuitBreaker
	opts      Options

	mu        sync.Mutex
	lastKnown map[string]Stats
}

func New(pipelines PipelineGetter, source RunSource, opts Options) *Monitor {
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = FetchLimit
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 3
	}
	if opts.OpenCooldown <= 0 {
		opts.OpenCooldown = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Monitor{pipelines: pipelines, source: source, opts: opts, lastKnown: map[string]Stats{}}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "github-runs",
		MaxRequests: 1,
		Timeout:     opts.OpenCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.MaxFailures
		},
		// A missing workflow is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errs.Is(err, errs.KindNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return m
}

// Stats returns the health snapshot of pipeline id over window. It fails only
// when the pipeline cannot be resolved; source failures produce a result
// tagged stale (last known snapshot) or unavailable.
func (m *Monitor) Stats(ctx context.Context, id string, window time.Duration) (Stats, error) {
	p, err := m.pipelines.Get(id)
	if err != nil {
		return Stats{}, err
	}
	if window <= 0 {
		window = DefaultWindow
	}
	res, err := m.breaker.Execute(func() (interface{}, error) {
		return m.source.GetRecentRuns(ctx, p.Repository, p.WorkflowPath, m.opts.FetchLimit)
	})
	now := m.opts.Now()
	if err != nil {
		m.opts.Logger.Warn("run history unavailable", "pipeline_id", id, "repository", p.Repository, "error", err)
		return m.fallback(p, window, now, err), nil
	}
	s := Compute(res.([]domain.Run), window, now)
	s.PipelineID, s.Repository, s.WorkflowPath = p.ID, p.Repository, p.WorkflowPath
	m.mu.Lock()
	m.lastKnown[p.ID] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Monitor) fallback(p domain.Pipeline, window time.Duration, now time.Time, cause error) Stats {
	m.mu.Lock()
	last, ok := m.lastKnown[p.ID]
	m.mu.Unlock()
	if ok {
		last.Freshness = FreshnessStale
		last.Error = cause.Error()
		return last
	}
	return Stats{
		PipelineID:    p.ID,
		Repository:    p.Repository,
		WorkflowPath:  p.WorkflowPath,
		WindowSeconds: int64(window / time.Second),
		ComputedAt:    now.UTC(),
		Freshness:     FreshnessUnavailable,
		Error:         cause.Error(),
	}
}
