// Package remote queries a deployment host over SSH without mutating it.
package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"deployline/internal/domain"
	"deployline/internal/errs"
)

type Options struct {
	// UseSudo prefixes every command with sudo.
	UseSudo bool
	// ProcessManager is the pm2 binary; RunAs is the user owning its daemon.
	ProcessManager string
	RunAs          string
	Logger         *slog.Logger
}

// Probe serializes all calls over one Runner. Open one Probe per goroutine
// that needs parallel queries.
type Probe struct {
	mu     sync.Mutex
	runner Runner
	opts   Options
	logger *slog.Logger
	closed bool
}

func New(runner Runner, opts Options) *Probe {
	if opts.ProcessManager == "" {
		opts.ProcessManager = "pm2"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{runner: runner, opts: opts, logger: logger}
}

// Connect dials the host and returns a ready Probe. Callers must Disconnect.
func Connect(ctx context.Context, cfg SSHConfig, opts Options) (*Probe, error) {
	if opts.Logger != nil && cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}
	runner, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(runner, opts), nil
}

// ListDirectory returns the entry names of path, sorted.
func (p *Probe) ListDirectory(ctx context.Context, path string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requirePath(ctx, "list directory", path, "-d"); err != nil {
		return nil, err
	}
	res, err := p.run(ctx, "ls -1A -- "+shellQuote(path))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, readError("list directory", path, res)
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			names = append(names, line)
		}
	}
	sort.Strings(names)
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// PathExists reports whether path exists. A missing path is not an error.
func (p *Probe) PathExists(ctx context.Context, path string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.test(ctx, "-e", path)
}

func (p *Probe) ReadFile(ctx context.Context, path string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requirePath(ctx, "read file", path, "-f"); err != nil {
		return "", err
	}
	res, err := p.run(ctx, "cat -- "+shellQuote(path))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", readError("read file", path, res)
	}
	return res.Stdout, nil
}

// QueryProcess asks the process manager for the state of name. It returns
// ProcessUnknown when the manager cannot be queried or does not know the name;
// an error is returned only when the channel itself failed.
func (p *Probe) QueryProcess(ctx context.Context, name string) (domain.ProcessStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd := p.opts.ProcessManager + " jlist"
	if p.opts.UseSudo && p.opts.RunAs != "" {
		cmd = "-u " + shellQuote(p.opts.RunAs) + " " + cmd
	}
	res, err := p.run(ctx, cmd)
	if err != nil {
		return domain.ProcessUnknown, err
	}
	if res.ExitCode != 0 {
		p.logger.Debug("process manager unavailable", "exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		return domain.ProcessUnknown, nil
	}
	return parseProcessList(res.Stdout, name), nil
}

// Disconnect releases the channel. It is safe to call more than once.
func (p *Probe) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.runner.Close()
}

type pm2Process struct {
	Name   string `json:"name"`
	PM2Env struct {
		Status string `json:"status"`
	} `json:"pm2_env"`
}

func parseProcessList(out, name string) domain.ProcessStatus {
	var procs []pm2Process
	if err := json.Unmarshal([]byte(jsonList(out)), &procs); err != nil {
		return domain.ProcessUnknown
	}
	status := domain.ProcessUnknown
	for _, proc := range procs {
		if proc.Name != name {
			continue
		}
		if proc.PM2Env.Status == "online" {
			return domain.ProcessRunning
		}
		status = domain.ProcessStopped
	}
	return status
}

// jsonList skips the "[PM2] ..." banner lines pm2 may print ahead of the
// JSON array, for example while it spawns its daemon.
func jsonList(out string) string {
	lines := strings.SplitAfter(out, "\n")
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "[{") || t == "[]" {
			return strings.TrimSpace(strings.Join(lines[i:], ""))
		}
	}
	return strings.TrimSpace(out)
}

func (p *Probe) requirePath(ctx context.Context, op, path, flag string) error {
	ok, err := p.test(ctx, flag, path)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.KindNotFound, op, path, "path does not exist").WithHint("check remote.apps_root")
	}
	return nil
}

func (p *Probe) test(ctx context.Context, flag, path string) (bool, error) {
	res, err := p.run(ctx, "test "+flag+" "+shellQuote(path))
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (p *Probe) run(ctx context.Context, cmd string) (Result, error) {
	if p.closed {
		return Result{}, errs.Newf(errs.KindConnection, "run command", "", "probe is disconnected")
	}
	if p.opts.UseSudo {
		cmd = "sudo " + cmd
	}
	p.logger.Debug("remote command", "cmd", cmd)
	return p.runner.Run(ctx, cmd)
}

func readError(op, path string, res Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = "exit status " + strconv.Itoa(res.ExitCode)
	}
	return errs.Newf(errs.KindRead, op, path, "%s", msg).WithHint("check permissions or enable remote.use_sudo")
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
