package reconcile

import (
	"strings"

	"deployline/internal/domain"
)

// parseGitHubRemote returns owner/name for the GitHub remote in a .git/config
// body. The origin remote wins; otherwise the first GitHub url is used.
func parseGitHubRemote(gitConfig string) (string, bool) {
	var (
		section string
		first   string
	)
	for _, line := range strings.Split(gitConfig, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			section = line
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "url" {
			continue
		}
		repo, ok := githubRepository(strings.TrimSpace(value))
		if !ok {
			continue
		}
		if section == `[remote "origin"]` {
			return repo, true
		}
		if first == "" {
			first = repo
		}
	}
	return first, first != ""
}

// githubRepository handles scp-like, ssh:// and https:// remote urls.
func githubRepository(url string) (string, bool) {
	i := strings.Index(url, "github.com")
	if i < 0 {
		return "", false
	}
	rest := url[i+len("github.com"):]
	if strings.HasPrefix(rest, ":") {
		rest = rest[1:]
		// ssh://git@github.com:22/owner/name
		if j := strings.IndexByte(rest, '/'); j > 0 && isDigits(rest[:j]) {
			rest = rest[j+1:]
		}
	}
	rest = strings.Trim(rest, "/")
	rest = strings.TrimSuffix(rest, ".git")
	if _, _, err := domain.SplitRepository(rest); err != nil {
		return "", false
	}
	return rest, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
