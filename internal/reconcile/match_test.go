package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"deployline/internal/domain"
)

func TestParseGitHubRemote(t *testing.T) {
	cases := []struct {
		config string
		want   string
	}{
		{"[remote \"origin\"]\n\turl = git@github.com:acme/widgets.git\n", "acme/widgets"},
		{"[remote \"origin\"]\n\turl = https://github.com/acme/widgets\n", "acme/widgets"},
		{"[remote \"origin\"]\n\turl = https://x-access-token:t@github.com/acme/w.git\n", "acme/w"},
		{"[remote \"origin\"]\n\turl = ssh://git@github.com:22/acme/widgets.git\n", "acme/widgets"},
		{"[remote \"up\"]\n\turl = git@github.com:up/w.git\n[remote \"origin\"]\n\turl = git@github.com:acme/w.git\n", "acme/w"},
		{"[remote \"up\"]\n\turl = git@github.com:up/w.git\n", "up/w"},
	}
	for _, tc := range cases {
		got, ok := parseGitHubRemote(tc.config)
		assert.True(t, ok, tc.config)
		assert.Equal(t, tc.want, got, tc.config)
	}
	for _, in := range []string{"", "[core]\n\tbare = false\n", "[remote \"origin\"]\n\turl = git@gitlab.com:acme/w.git\n", "url = https://github.com/acme\n"} {
		_, ok := parseGitHubRemote(in)
		assert.False(t, ok, in)
	}
}

func TestMatchersPreferLocalWorkflow(t *testing.T) {
	cands := []domain.DeployWorkflow{
		{Repository: "acme/widgets", Path: ".github/workflows/release.yml"},
		{Repository: "acme/widgets", Path: ".github/workflows/deploy.yml"},
		{Repository: "acme/blog", Path: ".github/workflows/deploy.yml"},
	}
	app := DeployedApp{Name: "widgets-prod", Repository: "Acme/Widgets", WorkflowFile: ".github/workflows/deploy.yml"}
	got, ok := ExactMatcher{}.Match(app, cands)
	assert.True(t, ok)
	assert.Equal(t, ".github/workflows/deploy.yml", got.Path)
	assert.Equal(t, "acme/widgets", got.Repository)

	app.WorkflowFile = ".github/workflows/other.yml"
	got, _ = ExactMatcher{}.Match(app, cands)
	assert.Equal(t, ".github/workflows/deploy.yml", got.Path, "first in path order when nothing matches locally")

	_, ok = ExactMatcher{}.Match(DeployedApp{Name: "x", Repository: "acme/x"}, cands)
	assert.False(t, ok)

	got, ok = FuzzyMatcher{}.Match(DeployedApp{Name: "blog-staging", Repository: "me/site"}, cands)
	assert.True(t, ok)
	assert.Equal(t, "acme/blog", got.Repository)
}

func TestMatcherFor(t *testing.T) {
	assert.IsType(t, ExactMatcher{}, MatcherFor("exact"))
	assert.IsType(t, FuzzyMatcher{}, MatcherFor("fuzzy"))
}
