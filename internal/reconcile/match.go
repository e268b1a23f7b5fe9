package reconcile

import (
	"path"
	"sort"
	"strings"

	"deployline/internal/domain"
)

// DeployedApp is what the host reports for one application directory.
type DeployedApp struct {
	Name         string               `json:"name"`
	Dir          string               `json:"dir"`
	Repository   string               `json:"repository"`
	WorkflowFile string               `json:"workflow_file"`
	Process      domain.ProcessStatus `json:"process_status"`
}

// Matcher picks the deploy workflow that belongs to a deployed app.
type Matcher interface {
	Match(app DeployedApp, candidates []domain.DeployWorkflow) (domain.DeployWorkflow, bool)
}

// ExactMatcher requires the app's remote to name the candidate repository.
type ExactMatcher struct{}

func (ExactMatcher) Match(app DeployedApp, candidates []domain.DeployWorkflow) (domain.DeployWorkflow, bool) {
	var same []domain.DeployWorkflow
	for _, c := range candidates {
		if strings.EqualFold(c.Repository, app.Repository) {
			same = append(same, c)
		}
	}
	return preferLocalWorkflow(app, same)
}

// FuzzyMatcher tries ExactMatcher, then falls back to a substring match
// between the app or remote repository name and the candidate repository
// name. The fallback is best effort.
type FuzzyMatcher struct{}

func (FuzzyMatcher) Match(app DeployedApp, candidates []domain.DeployWorkflow) (domain.DeployWorkflow, bool) {
	if wf, ok := (ExactMatcher{}).Match(app, candidates); ok {
		return wf, true
	}
	names := []string{strings.ToLower(app.Name)}
	if _, n, err := domain.SplitRepository(app.Repository); err == nil {
		names = append(names, strings.ToLower(n))
	}
	var near []domain.DeployWorkflow
	for _, c := range candidates {
		_, repoName, err := domain.SplitRepository(c.Repository)
		if err != nil {
			continue
		}
		repoName = strings.ToLower(repoName)
		for _, n := range names {
			if n == "" {
				continue
			}
			if strings.Contains(n, repoName) || strings.Contains(repoName, n) {
				near = append(near, c)
				break
			}
		}
	}
	return preferLocalWorkflow(app, near)
}

// MatcherFor returns the matcher configured by discovery.match.
func MatcherFor(mode string) Matcher {
	if mode == "exact" {
		return ExactMatcher{}
	}
	return FuzzyMatcher{}
}

// preferLocalWorkflow picks the candidate whose file matches the workflow
// present on the host, else the first in repository/path order.
func preferLocalWorkflow(app DeployedApp, cands []domain.DeployWorkflow) (domain.DeployWorkflow, bool) {
	if len(cands) == 0 {
		return domain.DeployWorkflow{}, false
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Repository != cands[j].Repository {
			return cands[i].Repository < cands[j].Repository
		}
		return cands[i].Path < cands[j].Path
	})
	local := path.Base(app.WorkflowFile)
	for _, c := range cands {
		if path.Base(c.Path) == local {
			return c, true
		}
	}
	return cands[0], true
}
