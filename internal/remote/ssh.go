package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"deployline/internal/errs"
)

// DefaultConnectTimeout bounds the TCP dial and the SSH handshake.
const DefaultConnectTimeout = 10 * time.Second

// Result is the outcome of one remote command. A non-zero exit code is not an
// error; transport failures are.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes shell commands on the remote host.
type Runner interface {
	Run(ctx context.Context, cmd string) (Result, error)
	Close() error
}

type SSHConfig struct {
	Host           string
	User           string
	Port           int
	KeyPath        string
	AgentSocket    string
	KnownHostsPath string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

func (c SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

type sshRunner struct {
	addr      string
	client    *ssh.Client
	agentConn net.Conn
}

// Dial opens an SSH connection. Each Run uses its own session on it.
func Dial(ctx context.Context, cfg SSHConfig) (Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.addr()
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.User) == "" {
		return nil, errs.Newf(errs.KindValidation, "connect", addr, "host and user are required").
			WithHint("set remote.host and remote.user in deployline.yml")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	auth, agentConn, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg, logger)
	if err != nil {
		if agentConn != nil {
			agentConn.Close()
		}
		return nil, err
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if agentConn != nil {
			agentConn.Close()
		}
		return nil, errs.E(errs.KindConnection, "connect", addr, err).WithHint("check host, port and network reachability")
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	})
	if err != nil {
		conn.Close()
		if agentConn != nil {
			agentConn.Close()
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, errs.E(errs.KindAuthentication, "connect", cfg.User+"@"+addr, err).WithHint("check SSH key")
		}
		return nil, errs.E(errs.KindConnection, "connect", addr, err).WithHint("check host key and SSH service")
	}
	_ = conn.SetDeadline(time.Time{})
	logger.Debug("ssh connected", "addr", addr, "user", cfg.User)
	return &sshRunner{addr: addr, client: ssh.NewClient(c, chans, reqs), agentConn: agentConn}, nil
}

func authMethods(cfg SSHConfig) ([]ssh.AuthMethod, net.Conn, error) {
	var (
		methods   []ssh.AuthMethod
		agentConn net.Conn
	)
	if cfg.KeyPath != "" {
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, nil, errs.E(errs.KindValidation, "load ssh key", cfg.KeyPath, err).WithHint("check remote.key_path")
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				return nil, nil, errs.E(errs.KindValidation, "load ssh key", cfg.KeyPath, err).
					WithHint("load the key into ssh-agent and set remote.agent_socket")
			}
			return nil, nil, errs.E(errs.KindValidation, "load ssh key", cfg.KeyPath, err).WithHint("check SSH key")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.AgentSocket != "" {
		conn, err := net.Dial("unix", cfg.AgentSocket)
		if err != nil {
			return nil, nil, errs.E(errs.KindConnection, "connect ssh-agent", cfg.AgentSocket, err).WithHint("check SSH_AUTH_SOCK")
		}
		agentConn = conn
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}
	if len(methods) == 0 {
		return nil, nil, errs.Newf(errs.KindValidation, "connect", cfg.addr(), "no SSH credentials configured").
			WithHint("set remote.key_path or remote.agent_socket")
	}
	return methods, agentConn, nil
}

func hostKeyCallback(cfg SSHConfig, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsPath == "" {
		logger.Warn("host key verification disabled; set remote.known_hosts_path", "addr", cfg.addr())
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "load known_hosts", cfg.KnownHostsPath, err)
	}
	return cb, nil
}

func (r *sshRunner) Run(ctx context.Context, cmd string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	sess, err := r.client.NewSession()
	if err != nil {
		return Result{}, errs.E(errs.KindConnection, "open session", r.addr, err).WithHint("reconnect to the host")
	}
	defer sess.Close()
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if err != nil {
		return res, errs.E(errs.KindConnection, "run command", r.addr, fmt.Errorf("%s: %w", firstWord(cmd), err))
	}
	return res, nil
}

func (r *sshRunner) Close() error {
	err := r.client.Close()
	if r.agentConn != nil {
		r.agentConn.Close()
	}
	return err
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
