// Package github is a read-only client for the GitHub REST API covering
// repositories, Actions workflows, workflow runs and Actions secret names.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"deployline/internal/domain"
	"deployline/internal/errs"
)

const (
	DefaultBaseURL = "https://api.github.com"
	DefaultTimeout = 10 * time.Second
	maxPerPage     = 100
)

// DefaultKeywords select deploy-like workflows by name or path.
var DefaultKeywords = []string{"deploy", "release", "cd", "production"}

// DeploySecretPatterns mark an Actions secret as a deploy credential when its
// name contains one of them.
var DeploySecretPatterns = []string{"DEPLOY", "SSH", "KEY", "CREDENTIALS"}

type Options struct {
	BaseURL string
	Token   string
	// Timeout applies to each request. No request is retried.
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing requests when positive.
	RequestsPerSecond float64
	Keywords          []string
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

type Client struct {
	base     string
	token    string
	timeout  time.Duration
	keywords []string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// RateLimitError is wrapped by rate_limited errors so callers can back off.
type RateLimitError struct {
	Reset time.Time
}

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return "rate limit exceeded"
	}
	return "rate limit exceeded until " + e.Reset.UTC().Format(time.RFC3339)
}

type User struct {
	Login string `json:"login"`
}

type Workflow struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	State string `json:"state"`
}

func New(opts Options) *Client {
	c := &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		token:    opts.Token,
		timeout:  opts.Timeout,
		keywords: opts.Keywords,
		http:     opts.HTTPClient,
		logger:   opts.Logger,
	}
	if c.base == "" {
		c.base = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if len(c.keywords) == 0 {
		c.keywords = DefaultKeywords
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

// VerifyCredentials resolves the login behind the token.
func (c *Client) VerifyCredentials(ctx context.Context) (User, error) {
	if strings.TrimSpace(c.token) == "" {
		return User{}, errs.Newf(errs.KindAuthentication, "verify credentials", "", "no token configured").
			WithHint("set DEPLOYLINE_GITHUB_TOKEN")
	}
	var u User
	if _, err := c.get(ctx, "verify credentials", "", c.base+"/user", &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// ListRepositories returns owner/name identifiers visible to the token, every
// page included. A non-empty owner filters the result.
func (c *Client) ListRepositories(ctx context.Context, owner string) ([]string, error) {
	next := c.base + "/user/repos?per_page=" + strconv.Itoa(maxPerPage) + "&sort=full_name"
	var out []string
	for next != "" {
		var page []struct {
			FullName string `json:"full_name"`
		}
		hdr, err := c.get(ctx, "list repositories", owner, next, &page)
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			o, _, err := domain.SplitRepository(r.FullName)
			if err != nil {
				continue
			}
			if owner == "" || strings.EqualFold(o, owner) {
				out = append(out, r.FullName)
			}
		}
		next = nextLink(hdr.Get("Link"))
	}
	sort.Strings(out)
	return out, nil
}

func (c *Client) ListWorkflows(ctx context.Context, repository string) ([]Workflow, error) {
	owner, name, err := domain.SplitRepository(repository)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "list workflows", repository, err)
	}
	next := fmt.Sprintf("%s/repos/%s/%s/actions/workflows?per_page=%d", c.base, url.PathEscape(owner), url.PathEscape(name), maxPerPage)
	var out []Workflow
	for next != "" {
		var page struct {
			Workflows []Workflow `json:"workflows"`
		}
		hdr, err := c.get(ctx, "list workflows", repository, next, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Workflows...)
		next = nextLink(hdr.Get("Link"))
	}
	return out, nil
}

// FindDeployWorkflows returns every workflow of owner's repositories whose
// name or path contains a keyword, case-insensitively. Repositories without
// Actions are skipped.
func (c *Client) FindDeployWorkflows(ctx context.Context, owner string) ([]domain.DeployWorkflow, error) {
	repos, err := c.ListRepositories(ctx, owner)
	if err != nil {
		return nil, err
	}
	var out []domain.DeployWorkflow
	for _, repo := range repos {
		workflows, err := c.ListWorkflows(ctx, repo)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				c.logger.Debug("repository has no workflows", "repository", repo)
				continue
			}
			return nil, err
		}
		for _, wf := range workflows {
			if MatchesKeywords(wf, c.keywords) {
				out = append(out, domain.DeployWorkflow{Repository: repo, Path: wf.Path, Name: wf.Name})
			}
		}
	}
	return out, nil
}

// MatchesKeywords reports whether the workflow name or path contains one of
// keywords, ignoring case.
func MatchesKeywords(wf Workflow, keywords []string) bool {
	name := strings.ToLower(wf.Name)
	file := strings.ToLower(path.Base(wf.Path))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(name, kw) || strings.Contains(file, kw) {
			return true
		}
	}
	return false
}

// RepositoryExists reports false without error when the repository is
// missing or invisible to the token.
func (c *Client) RepositoryExists(ctx context.Context, repository string) (bool, error) {
	owner, name, err := domain.SplitRepository(repository)
	if err != nil {
		return false, errs.E(errs.KindValidation, "check repository", repository, err)
	}
	_, err = c.get(ctx, "check repository", repository, fmt.Sprintf("%s/repos/%s/%s", c.base, url.PathEscape(owner), url.PathEscape(name)), nil)
	if errs.Is(err, errs.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Secret is the metadata GitHub exposes for an Actions secret. Values are
// never readable.
type Secret struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListSecrets returns the names of the repository's Actions secrets, every
// page included. The token needs read access to repository secrets.
func (c *Client) ListSecrets(ctx context.Context, repository string) ([]Secret, error) {
	owner, name, err := domain.SplitRepository(repository)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "list secrets", repository, err)
	}
	next := fmt.Sprintf("%s/repos/%s/%s/actions/secrets?per_page=%d", c.base, url.PathEscape(owner), url.PathEscape(name), maxPerPage)
	var out []Secret
	for next != "" {
		var page struct {
			Secrets []Secret `json:"secrets"`
		}
		hdr, err := c.get(ctx, "list secrets", repository, next, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Secrets...)
		next = nextLink(hdr.Get("Link"))
	}
	return out, nil
}

// DeploySecrets returns the names among secrets that look like deploy
// credentials, in input order.
func DeploySecrets(secrets []Secret) []string {
	var out []string
	for _, s := range secrets {
		upper := strings.ToUpper(s.Name)
		for _, p := range DeploySecretPatterns {
			if strings.Contains(upper, p) {
				out = append(out, s.Name)
				break
			}
		}
	}
	return out
}

type apiRun struct {
	ID           int64     `json:"id"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion"`
	HeadBranch   string    `json:"head_branch"`
	CreatedAt    time.Time `json:"created_at"`
	RunStartedAt time.Time `json:"run_started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ClampLimit bounds a run limit to the page size GitHub accepts.
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxPerPage {
		return maxPerPage
	}
	return limit
}

// GetRecentRuns returns at most limit runs of workflow, most recent first.
// workflow may be the workflow file path or its file name.
func (c *Client) GetRecentRuns(ctx context.Context, repository, workflow string, limit int) ([]domain.Run, error) {
	owner, name, err := domain.SplitRepository(repository)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "get runs", repository, err)
	}
	file := path.Base(workflow)
	if file == "." || file == "/" {
		return nil, errs.Newf(errs.KindValidation, "get runs", repository, "workflow is required")
	}
	limit = ClampLimit(limit)
	u := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/runs?per_page=%d",
		c.base, url.PathEscape(owner), url.PathEscape(name), url.PathEscape(file), limit)
	var page struct {
		WorkflowRuns []apiRun `json:"workflow_runs"`
	}
	if _, err := c.get(ctx, "get runs", repository+":"+file, u, &page); err != nil {
		return nil, err
	}
	runs := make([]domain.Run, 0, len(page.WorkflowRuns))
	for _, r := range page.WorkflowRuns {
		runs = append(runs, toRun(r))
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Timestamp.After(runs[j].Timestamp) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func toRun(r apiRun) domain.Run {
	start := r.RunStartedAt
	if start.IsZero() {
		start = r.CreatedAt
	}
	run := domain.Run{ID: r.ID, Timestamp: start.UTC(), Branch: r.HeadBranch, Status: runStatus(r.Status, r.Conclusion)}
	if r.Status == "completed" && r.UpdatedAt.After(start) {
		run.Duration = r.UpdatedAt.Sub(start)
	}
	return run
}

func runStatus(status, conclusion string) domain.RunStatus {
	switch status {
	case "completed":
		switch conclusion {
		case "success", "neutral":
			return domain.RunSuccess
		case "cancelled", "skipped", "stale":
			return domain.RunCancelled
		default:
			return domain.RunFailure
		}
	case "in_progress":
		return domain.RunInProgress
	default:
		return domain.RunQueued
	}
}

// get performs one GET and decodes the JSON body into out when non-nil.
func (c *Client) get(ctx context.Context, op, id, rawURL string, out any) (http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.E(errs.KindConnection, op, id, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.E(errs.KindValidation, op, id, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.E(errs.KindConnection, op, id, err).WithHint("check network access to " + c.base)
	}
	defer resp.Body.Close()
	c.logger.Debug("github request", "op", op, "url", rawURL, "status", resp.StatusCode)

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return resp.Header, statusError(op, id, resp, body)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, errs.E(errs.KindConnection, op, id, err)
		}
		return nil, errs.E(errs.KindUnknown, op, id, fmt.Errorf("decode response: %w", err))
	}
	return resp.Header, nil
}

func statusError(op, id string, resp *http.Response, body []byte) error {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	cause := fmt.Errorf("github %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && (resp.Header.Get("X-RateLimit-Remaining") == "0" ||
			strings.Contains(strings.ToLower(msg), "rate limit")):
		rl := &RateLimitError{Reset: resetTime(resp.Header)}
		e := errs.E(errs.KindRateLimited, op, id, fmt.Errorf("%w: %w", rl, cause))
		if !rl.Reset.IsZero() {
			return e.WithHint("retry after " + rl.Reset.UTC().Format(time.RFC3339))
		}
		return e.WithHint("retry later")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.E(errs.KindAuthentication, op, id, cause).WithHint("check DEPLOYLINE_GITHUB_TOKEN and its scopes")
	case resp.StatusCode == http.StatusNotFound:
		return errs.E(errs.KindNotFound, op, id, cause).WithHint("check repository name")
	case resp.StatusCode >= 500:
		return errs.E(errs.KindConnection, op, id, cause).WithHint("GitHub is unavailable, retry later")
	default:
		return errs.E(errs.KindUnknown, op, id, cause)
	}
}

func resetTime(h http.Header) time.Time {
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			return time.Now().Add(time.Duration(sec) * time.Second)
		}
	}
	return time.Time{}
}

// nextLink extracts the rel="next" URL from a Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		for _, s := range segs[1:] {
			if strings.TrimSpace(s) == `rel="next"` {
				return strings.Trim(strings.TrimSpace(segs[0]), "<>")
			}
		}
	}
	return ""
}
