// Package remotetest simulates a deployment host for tests. It understands
// exactly the commands issued by remote.Probe.
package remotetest

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"sync"

	"deployline/internal/remote"
)

type Process struct {
	Name   string
	Status string
}

type Host struct {
	mu         sync.Mutex
	files      map[string]string
	dirs       map[string]bool
	unreadable map[string]bool
	processes  []Process
	pm2Down    bool
	pm2Banner  string
	fail       error
	commands   []string
	closes     int
}

func NewHost() *Host {
	return &Host{
		files:      map[string]string{},
		dirs:       map[string]bool{"/": true},
		unreadable: map[string]bool{},
	}
}

// AddFile creates a file and all of its parent directories.
func (h *Host) AddFile(p, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p] = content
	h.addDirLocked(path.Dir(p))
}

func (h *Host) AddDir(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addDirLocked(p)
}

func (h *Host) addDirLocked(p string) {
	for p != "/" && p != "." {
		h.dirs[p] = true
		p = path.Dir(p)
	}
}

func (h *Host) Deny(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreadable[p] = true
}

func (h *Host) SetProcess(name, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processes = append(h.processes, Process{Name: name, Status: status})
}

// StopProcessManager makes pm2 jlist exit non-zero.
func (h *Host) StopProcessManager() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pm2Down = true
}

// PrintBanner makes pm2 jlist write banner to stdout ahead of the JSON list.
func (h *Host) PrintBanner(banner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pm2Banner = banner
}

// FailWith makes every later command fail with err.
func (h *Host) FailWith(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail = err
}

func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

func (h *Host) Closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *Host) Run(ctx context.Context, cmd string) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)
	if h.fail != nil {
		return remote.Result{}, h.fail
	}
	cmd = strings.TrimPrefix(cmd, "sudo ")
	if strings.HasPrefix(cmd, "-u ") {
		if i := strings.Index(cmd[3:], " "); i >= 0 {
			cmd = cmd[3+i+1:]
		}
	}
	switch {
	case strings.HasPrefix(cmd, "test "):
		flag, arg, _ := strings.Cut(strings.TrimPrefix(cmd, "test "), " ")
		return exit(h.testLocked(flag, unquote(arg))), nil
	case strings.HasPrefix(cmd, "ls -1A -- "):
		return h.lsLocked(unquote(strings.TrimPrefix(cmd, "ls -1A -- "))), nil
	case strings.HasPrefix(cmd, "cat -- "):
		p := unquote(strings.TrimPrefix(cmd, "cat -- "))
		if h.unreadable[p] {
			return remote.Result{Stderr: "cat: " + p + ": Permission denied", ExitCode: 1}, nil
		}
		content, ok := h.files[p]
		if !ok {
			return remote.Result{Stderr: "cat: " + p + ": No such file or directory", ExitCode: 1}, nil
		}
		return remote.Result{Stdout: content}, nil
	case strings.HasSuffix(cmd, " jlist"):
		if h.pm2Down {
			return remote.Result{Stderr: "pm2: command not found", ExitCode: 127}, nil
		}
		type env struct {
			Status string `json:"status"`
		}
		type proc struct {
			Name   string `json:"name"`
			PM2Env env    `json:"pm2_env"`
		}
		out := make([]proc, 0, len(h.processes))
		for _, p := range h.processes {
			out = append(out, proc{Name: p.Name, PM2Env: env{Status: p.Status}})
		}
		data, _ := json.Marshal(out)
		return remote.Result{Stdout: h.pm2Banner + string(data)}, nil
	}
	return remote.Result{Stderr: "unsupported command: " + cmd, ExitCode: 127}, nil
}

func (h *Host) testLocked(flag, p string) bool {
	_, isFile := h.files[p]
	isDir := h.dirs[p]
	switch flag {
	case "-d":
		return isDir
	case "-f":
		return isFile
	default:
		return isDir || isFile
	}
}

func (h *Host) lsLocked(dir string) remote.Result {
	if h.unreadable[dir] {
		return remote.Result{Stderr: "ls: cannot open directory '" + dir + "': Permission denied", ExitCode: 2}
	}
	seen := map[string]bool{}
	collect := func(p string) {
		if path.Dir(p) == dir && p != dir {
			seen[path.Base(p)] = true
		}
	}
	for p := range h.files {
		collect(p)
	}
	for p := range h.dirs {
		collect(p)
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	out := strings.Join(names, "\n")
	if out != "" {
		out += "\n"
	}
	return remote.Result{Stdout: out}
}

func exit(ok bool) remote.Result {
	if ok {
		return remote.Result{}
	}
	return remote.Result{ExitCode: 1}
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = s[1 : len(s)-1]
	}
	return strings.ReplaceAll(s, `'\''`, "'")
}
