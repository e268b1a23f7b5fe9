package remote_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"deployline/internal/domain"
	"deployline/internal/errs"
	"deployline/internal/remote"
	"deployline/internal/remote/remotetest"
)

func newProbe(host *remotetest.Host, sudo bool) *remote.Probe {
	return remote.New(host, remote.Options{UseSudo: sudo, RunAs: "deployer"})
}

func TestListDirectory(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	host.AddFile("/apps/widgets-prod/.git/config", "")
	host.AddFile("/apps/blog/package.json", "{}")
	host.AddDir("/apps/empty")
	p := newProbe(host, false)

	names, err := p.ListDirectory(ctx, "/apps")
	require.NoError(t, err)
	assert.Equal(t, []string{"blog", "empty", "widgets-prod"}, names)

	names, err = p.ListDirectory(ctx, "/apps/empty")
	require.NoError(t, err)
	assert.NotNil(t, names)
	assert.Empty(t, names)

	_, err = p.ListDirectory(ctx, "/missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))

	host.Deny("/apps/blog")
	_, err = p.ListDirectory(ctx, "/apps/blog")
	assert.True(t, errs.Is(err, errs.KindRead))
}

func TestPathExistsNeverFailsForMissingPath(t *testing.T) {
	host := remotetest.NewHost()
	host.AddFile("/apps/it's here/x", "1")
	p := newProbe(host, false)

	ok, err := p.PathExists(context.Background(), "/apps/nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.PathExists(context.Background(), "/apps/it's here")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadFile(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	host.AddFile("/apps/w/.git/config", "[core]\n")
	host.AddFile("/etc/shadow", "secret")
	host.Deny("/etc/shadow")
	p := newProbe(host, false)

	got, err := p.ReadFile(ctx, "/apps/w/.git/config")
	require.NoError(t, err)
	assert.Equal(t, "[core]\n", got)

	_, err = p.ReadFile(ctx, "/apps/w/missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))

	_, err = p.ReadFile(ctx, "/etc/shadow")
	assert.True(t, errs.Is(err, errs.KindRead))
	assert.Contains(t, err.Error(), "Permission denied")
}

func TestQueryProcess(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	host.SetProcess("widgets-prod", "online")
	host.SetProcess("blog", "stopped")
	p := newProbe(host, true)

	cases := map[string]domain.ProcessStatus{
		"widgets-prod": domain.ProcessRunning,
		"blog":         domain.ProcessStopped,
		"ghost":        domain.ProcessUnknown,
	}
	for name, want := range cases {
		got, err := p.QueryProcess(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	assert.Contains(t, host.Commands(), "sudo -u 'deployer' pm2 jlist")

	host.StopProcessManager()
	got, err := p.QueryProcess(ctx, "widgets-prod")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessUnknown, got, "an unreachable manager is not a stopped app")
}

func TestQueryProcessSkipsDaemonBanner(t *testing.T) {
	host := remotetest.NewHost()
	host.SetProcess("widgets-prod", "online")
	host.PrintBanner("[PM2] Spawning PM2 daemon with pm2_home=/home/deployer/.pm2\n[PM2] PM2 Successfully daemonized\n")
	p := newProbe(host, false)

	got, err := p.QueryProcess(context.Background(), "widgets-prod")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessRunning, got)
}

func TestQueryProcessEmptyListAfterBanner(t *testing.T) {
	host := remotetest.NewHost()
	host.PrintBanner("[PM2] PM2 Successfully daemonized\n")
	p := newProbe(host, false)

	got, err := p.QueryProcess(context.Background(), "widgets-prod")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessUnknown, got)
}

func TestTransportFailurePropagates(t *testing.T) {
	host := remotetest.NewHost()
	host.FailWith(errs.Newf(errs.KindConnection, "run command", "host", "connection reset"))
	p := newProbe(host, false)

	status, err := p.QueryProcess(context.Background(), "widgets-prod")
	assert.Equal(t, domain.ProcessUnknown, status)
	assert.True(t, errs.Is(err, errs.KindConnection))

	_, err = p.PathExists(context.Background(), "/apps")
	assert.True(t, errs.Is(err, errs.KindConnection))
}

func TestSudoPrefix(t *testing.T) {
	host := remotetest.NewHost()
	host.AddDir("/apps")
	_, err := newProbe(host, true).ListDirectory(context.Background(), "/apps")
	require.NoError(t, err)
	assert.Equal(t, []string{"sudo test -d '/apps'", "sudo ls -1A -- '/apps'"}, host.Commands())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	host := remotetest.NewHost()
	p := newProbe(host, false)
	require.NoError(t, p.Disconnect())
	require.NoError(t, p.Disconnect())
	assert.Equal(t, 1, host.Closes())

	_, err := p.PathExists(context.Background(), "/")
	assert.True(t, errs.Is(err, errs.KindConnection))
}

func TestCancelledContextStopsCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newProbe(remotetest.NewHost(), false).PathExists(ctx, "/")
	assert.ErrorIs(t, err, context.Canceled)
}

func writeKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestConnectRefusedIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = remote.Connect(context.Background(), remote.SSHConfig{
		Host:           "127.0.0.1",
		User:           "deployer",
		Port:           port,
		KeyPath:        writeKey(t),
		ConnectTimeout: 2 * time.Second,
	}, remote.Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConnection))
}

func TestConnectWithoutCredentialsIsValidationError(t *testing.T) {
	_, err := remote.Dial(context.Background(), remote.SSHConfig{Host: "127.0.0.1", User: "deployer"})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestConnectRejectedKeyIsAuthenticationError(t *testing.T) {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)
	srv := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, errors.New("denied")
		},
	}
	srv.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _, _ = ssh.NewServerConn(conn, srv)
	}()

	_, err = remote.Dial(context.Background(), remote.SSHConfig{
		Host:           "127.0.0.1",
		User:           "deployer",
		Port:           ln.Addr().(*net.TCPAddr).Port,
		KeyPath:        writeKey(t),
		ConnectTimeout: 5 * time.Second,
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuthentication))
	assert.Contains(t, err.Error(), "check SSH key")
}
